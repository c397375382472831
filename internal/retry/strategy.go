package retry

import (
	"math/rand"
	"time"
)

// Strategy computes how long to wait before retry number attempt+1.
// Attempts are 1-based.
type Strategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay each attempt up to MaxDelay,
// optionally randomized ±25% so concurrent publishers don't retry in
// lockstep against a recovering broker.
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func NewExponentialBackoff(baseDelay, maxDelay time.Duration, jitter bool) *ExponentialBackoff {
	return &ExponentialBackoff{BaseDelay: baseDelay, MaxDelay: maxDelay, Jitter: jitter}
}

// DefaultExponentialBackoff is tuned for broker publishes: fast first
// retry, capped well below a heartbeat interval.
func DefaultExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(100*time.Millisecond, 5*time.Second, true)
}

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := e.BaseDelay
	for i := 1; i < attempt && delay < e.MaxDelay; i++ {
		delay *= 2
	}
	if delay > e.MaxDelay {
		delay = e.MaxDelay
	}
	if e.Jitter {
		delay = time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
	}
	return delay
}

// FixedDelay waits the same amount between every attempt.
type FixedDelay struct {
	Delay time.Duration
}

func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}
