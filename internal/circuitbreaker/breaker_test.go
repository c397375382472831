package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		MaxFailures:         3,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("Execute() error = %v, want %v", err, errBoom)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() while open error = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(&Config{
		MaxFailures:         2,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errBoom })

	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after interleaved success", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(&Config{
		MaxFailures:         1,
		Timeout:             10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("Execute() in half-open error = %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after half-open success", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(&Config{
		MaxFailures:         1,
		Timeout:             10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Errorf("state = %s, want open after half-open failure", cb.GetState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := New(&Config{
		MaxFailures:         1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errBoom })

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after Reset", cb.GetState())
	}
}
