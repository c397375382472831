package retry

import (
	"context"
	"fmt"
	"time"
)

// Executor executes a function with retry logic
type Executor struct {
	strategy    Strategy
	maxAttempts int
}

// NewExecutor creates a new retry executor. A nil strategy uses the
// default exponential backoff.
func NewExecutor(strategy Strategy, maxAttempts int) *Executor {
	if strategy == nil {
		strategy = DefaultExponentialBackoff()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{strategy: strategy, maxAttempts: maxAttempts}
}

// Execute runs a function, retrying on error until the attempt budget
// is exhausted or the context is cancelled.
func (e *Executor) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= e.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(e.strategy.NextDelay(attempt)):
		}
	}

	return fmt.Errorf("all retry attempts exhausted after %d tries: %w", e.maxAttempts, lastErr)
}
