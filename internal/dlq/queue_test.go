package dlq

import (
	"testing"
)

func TestAddAndDrain(t *testing.T) {
	q := NewQueue(10)

	q.Add(Entry{ID: "a"})
	q.Add(Entry{ID: "b"})

	if q.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", q.Len())
	}

	entries := q.Drain()
	if len(entries) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(entries))
	}
	if entries[0].ID != "a" || entries[1].ID != "b" {
		t.Errorf("drain order wrong: %v", entries)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, has %d", q.Len())
	}
}

func TestAddDefaults(t *testing.T) {
	q := NewQueue(10)
	q.Add(Entry{ID: "a"})

	entry := q.List()[0]
	if entry.FailedAt.IsZero() {
		t.Error("FailedAt should default to now")
	}
	if entry.Attempts != 1 {
		t.Errorf("Attempts should default to 1, got %d", entry.Attempts)
	}
}

func TestBoundedSize(t *testing.T) {
	q := NewQueue(2)

	q.Add(Entry{ID: "a"})
	q.Add(Entry{ID: "b"})
	q.Add(Entry{ID: "c"})

	entries := q.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "b" || entries[1].ID != "c" {
		t.Errorf("oldest entry should be dropped, got %v", entries)
	}
}

func TestListDoesNotRemove(t *testing.T) {
	q := NewQueue(10)
	q.Add(Entry{ID: "a"})

	_ = q.List()
	if q.Len() != 1 {
		t.Errorf("List must not remove entries, have %d", q.Len())
	}
}

func TestPurge(t *testing.T) {
	q := NewQueue(10)
	q.Add(Entry{ID: "a"})
	q.Purge()
	if q.Len() != 0 {
		t.Errorf("expected empty queue after purge, got %d", q.Len())
	}
}
