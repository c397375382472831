package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/circuitbreaker"
	"github.com/taskwing/taskwing/internal/dlq"
)

const (
	// StateChangeChannel is the Redis pub/sub channel for task state changes
	StateChangeChannel = "taskwing:state_changes"
)

// RedisPublisher publishes state change events to Redis pub/sub
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a new Redis event publisher
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		client: client,
	}
}

// Publish publishes a state transition event to Redis
func (p *RedisPublisher) Publish(event TransitionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, StateChangeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}

	return nil
}

// Subscribe subscribes to state change events
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(TransitionEvent) error) error {
	pubsub := p.client.Subscribe(ctx, StateChangeChannel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	_, err := pubsub.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event TransitionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}

			if err := handler(event); err != nil {
				continue
			}
		}
	}
}

// GuardedPublisher wraps a publisher with a circuit breaker so a broker
// outage cannot slow down every state transition. Events that cannot be
// delivered are parked in a dead letter buffer and redelivered after
// the next successful publish.
type GuardedPublisher struct {
	inner       EventPublisher
	breaker     *circuitbreaker.CircuitBreaker
	deadLetters *dlq.Queue
}

// NewGuardedPublisher creates a circuit-breaker protected publisher
func NewGuardedPublisher(inner EventPublisher, breaker *circuitbreaker.CircuitBreaker) *GuardedPublisher {
	if breaker == nil {
		breaker = circuitbreaker.New(nil)
	}
	return &GuardedPublisher{
		inner:       inner,
		breaker:     breaker,
		deadLetters: dlq.NewQueue(1000),
	}
}

// Publish publishes through the circuit breaker. Undeliverable events
// are parked rather than surfaced; state changes are already durable in
// the database, the channel is advisory.
func (p *GuardedPublisher) Publish(event TransitionEvent) error {
	err := p.breaker.Execute(context.Background(), func() error {
		return p.inner.Publish(event)
	})
	if err != nil {
		p.park(event, err)
		return nil
	}

	p.redeliver()
	return nil
}

// DeadLetters returns the buffer of undelivered events
func (p *GuardedPublisher) DeadLetters() *dlq.Queue {
	return p.deadLetters
}

func (p *GuardedPublisher) park(event TransitionEvent, cause error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	p.deadLetters.Add(dlq.Entry{
		ID:      event.TIID,
		Payload: payload,
		Error:   cause.Error(),
	})
}

// redeliver replays parked events now that the channel works again.
// Entries that fail again go back to the buffer.
func (p *GuardedPublisher) redeliver() {
	for _, entry := range p.deadLetters.Drain() {
		var event TransitionEvent
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			continue
		}

		err := p.breaker.Execute(context.Background(), func() error {
			return p.inner.Publish(event)
		})
		if err != nil {
			entry.Attempts++
			entry.Error = err.Error()
			p.deadLetters.Add(entry)
			return
		}
	}
}

// MultiPublisher fans a transition event out to several sinks, so the
// redis channel and the transition log both see every state change. A
// failing sink does not stop delivery to the rest; the first failure is
// reported after all sinks have been attempted.
type MultiPublisher struct {
	sinks []EventPublisher
}

// NewMultiPublisher creates a fan-out over the given sinks.
func NewMultiPublisher(sinks ...EventPublisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

func (p *MultiPublisher) Publish(event TransitionEvent) error {
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Publish(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogPublisher writes every transition to the structured log. Used as a
// MultiPublisher sink next to the redis channel.
type LogPublisher struct {
	log *logrus.Logger
}

func NewLogPublisher(log *logrus.Logger) *LogPublisher {
	if log == nil {
		log = logrus.New()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(event TransitionEvent) error {
	p.log.WithFields(logrus.Fields{
		"dag_id":    event.DagID,
		"run_id":    event.RunID,
		"task_id":   event.TaskID,
		"map_index": event.MapIndex,
		"ti_id":     event.TIID,
		"old_state": event.OldState.OrNull(),
		"new_state": event.NewState.OrNull(),
	}).Debug("Task instance state changed")
	return nil
}
