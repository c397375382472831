package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/errorhandling"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
	"gorm.io/gorm"
)

const (
	// leaderLockKey is the Redis key electing the single sweeper
	leaderLockKey = "taskwing:janitor:lock"
)

// Config holds janitor configuration
type Config struct {
	// Schedule is the cron expression driving sweeps
	Schedule string

	// HeartbeatThreshold is how stale a running instance's heartbeat may
	// get before it is considered a zombie
	HeartbeatThreshold time.Duration

	// LockTTL is the TTL of the leader lock; it should exceed the sweep
	// duration and stay under the schedule interval
	LockTTL time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Schedule:           "@every 30s",
		HeartbeatThreshold: 5 * time.Minute,
		LockTTL:            25 * time.Second,
	}
}

// Janitor sweeps running task instances whose runner stopped
// heartbeating and fails them so the scheduler can retry or alert.
type Janitor struct {
	db         *gorm.DB
	instances  storage.TaskInstanceRepository
	redis      *redis.Client
	states     *state.Manager
	propagator *errorhandling.Propagator
	config     *Config
	cron       *cron.Cron
	log        *logrus.Logger
}

// New creates a new janitor. A nil redis client disables leader
// election; every replica then sweeps, which is safe but noisy.
func New(db *gorm.DB, instances storage.TaskInstanceRepository, redisClient *redis.Client, states *state.Manager, config *Config, log *logrus.Logger) *Janitor {
	if config == nil {
		config = DefaultConfig()
	}
	if states == nil {
		states = state.NewManager(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Janitor{
		db:        db,
		instances: instances,
		redis:     redisClient,
		states:    states,
		config:    config,
		cron:      cron.New(),
		log:       log,
	}
}

// WithPropagator makes the janitor mark pending downstream instances of
// swept zombies as upstream_failed.
func (j *Janitor) WithPropagator(p *errorhandling.Propagator) *Janitor {
	j.propagator = p
	return j
}

// Start schedules periodic sweeps
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.config.LockTTL)
		defer cancel()

		if _, err := j.Sweep(ctx); err != nil {
			j.log.WithError(err).Error("Heartbeat sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.config.Schedule, err)
	}

	j.cron.Start()
	j.log.WithField("schedule", j.config.Schedule).Info("Heartbeat janitor started")
	return nil
}

// Stop stops the sweep schedule and waits for a running sweep
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep fails every running instance whose heartbeat is stale. Returns
// the number of instances failed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.redis != nil {
		acquired, err := j.redis.SetNX(ctx, leaderLockKey, "locked", j.config.LockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to acquire janitor lock: %w", err)
		}
		if !acquired {
			return 0, nil
		}
	}

	cutoff := time.Now().UTC().Add(-j.config.HeartbeatThreshold)

	var stale []storage.TaskInstanceModel
	err := j.db.WithContext(ctx).
		Where("state = ?", string(models.StateRunning)).
		Where("(last_heartbeat_at < ?) OR (last_heartbeat_at IS NULL AND start_date < ?)", cutoff, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale task instances: %w", err)
	}

	failed := 0
	for i := range stale {
		ti := stale[i].ToTaskInstance()

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"state":       string(models.StateFailed),
			"end_date":    now,
			"next_method": nil,
			"next_kwargs": nil,
		}
		if ti.StartDate != nil {
			updates["duration"] = now.Sub(*ti.StartDate).Seconds()
		}

		err := j.instances.UpdateFromState(ctx, ti.ID, []models.State{models.StateRunning}, updates)
		if err != nil {
			// A lost race means the runner reported in after all.
			if errors.Is(err, storage.ErrStateConflict) {
				continue
			}
			return failed, err
		}

		if err := j.states.Transition(ti, models.StateFailed, map[string]interface{}{"reason": "heartbeat timeout"}); err != nil {
			j.log.WithError(err).WithField("ti_id", ti.ID).Warn("Failed to publish zombie transition")
		}

		if j.propagator != nil {
			if _, err := j.propagator.PropagateFailure(ctx, ti); err != nil {
				j.log.WithError(err).WithField("ti_id", ti.ID).Warn("Failed to propagate zombie failure downstream")
			}
		}

		j.log.WithFields(logrus.Fields{
			"ti_id":   ti.ID,
			"dag_id":  ti.DagID,
			"run_id":  ti.RunID,
			"task_id": ti.TaskID,
		}).Warn("Failed zombie task instance")
		failed++
	}
	return failed, nil
}
