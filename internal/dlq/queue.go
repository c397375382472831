package dlq

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one event that could not be delivered to its channel.
type Entry struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
	Attempts int             `json:"attempts"`
}

// Queue is a bounded in-memory dead letter buffer for undeliverable
// events. When full, the oldest entry is dropped to admit the new one.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
}

// NewQueue creates a queue holding at most maxSize entries
func NewQueue(maxSize int) *Queue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Queue{maxSize: maxSize}
}

// Add parks an entry
func (q *Queue) Add(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	if entry.Attempts == 0 {
		entry.Attempts = 1
	}

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Drain removes and returns all parked entries in arrival order
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries
	q.entries = nil
	return entries
}

// List returns a copy of the parked entries without removing them
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of parked entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Purge discards all parked entries
func (q *Queue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
