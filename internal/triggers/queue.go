package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/retry"
)

const (
	// DeferralsStream is the JetStream stream holding deferral notices
	DeferralsStream = "TRIGGER_DEFERRALS"

	// DeferralsSubject is the subject deferral notices are published to
	DeferralsSubject = "triggers.deferred"
)

// DeferralNotice tells the trigger runner that a task instance parked
// itself behind a trigger and must be resumed when it fires.
type DeferralNotice struct {
	TaskInstanceID string          `json:"task_instance_id"`
	TriggerID      string          `json:"trigger_id"`
	Classpath      string          `json:"classpath"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	NextMethod     string          `json:"next_method"`
	Timeout        *time.Time      `json:"timeout,omitempty"`
	DeferredAt     time.Time       `json:"deferred_at"`
}

// Queue publishes deferral notices over NATS JetStream
type Queue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	retrier *retry.Executor
}

// NewQueue connects to NATS and ensures the deferrals stream exists
func NewQueue(natsURL string) (*Queue, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	q := &Queue{
		nc:      nc,
		js:      js,
		retrier: retry.NewExecutor(retry.DefaultExponentialBackoff(), 3),
	}
	if err := q.initStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initStream() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      DeferralsStream,
		Subjects:  []string{DeferralsSubject},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create deferrals stream: %w", err)
	}
	return nil
}

// Publish publishes a deferral notice, retrying transient NATS failures
func (q *Queue) Publish(notice *DeferralNotice) error {
	if notice.DeferredAt.IsZero() {
		notice.DeferredAt = time.Now().UTC()
	}

	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal deferral notice: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return q.retrier.Execute(ctx, func() error {
		if _, err := q.js.Publish(DeferralsSubject, data); err != nil {
			return fmt.Errorf("failed to publish deferral notice: %w", err)
		}
		return nil
	})
}

// Subscribe consumes deferral notices with a durable consumer. Notices
// that fail to decode are dropped, handler failures are redelivered.
func (q *Queue) Subscribe(ctx context.Context, durable string, handler func(*DeferralNotice) error) (*nats.Subscription, error) {
	sub, err := q.js.Subscribe(DeferralsSubject, func(msg *nats.Msg) {
		var notice DeferralNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			logrus.WithError(err).Warn("Dropping undecodable deferral notice")
			msg.Term()
			return
		}

		if err := handler(&notice); err != nil {
			logrus.WithError(err).WithField("ti_id", notice.TaskInstanceID).
				Error("Failed to handle deferral notice")
			msg.Nak()
			return
		}
		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to deferrals: %w", err)
	}
	return sub, nil
}

// Close drains the NATS connection
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

// Publisher is the surface the execution layer needs for deferrals
type Publisher interface {
	Publish(notice *DeferralNotice) error
}

// NoOpPublisher discards deferral notices, for tests and single-node
// deployments without NATS.
type NoOpPublisher struct{}

// Publish does nothing
func (NoOpPublisher) Publish(notice *DeferralNotice) error { return nil }
