package errorhandling

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/dag"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

// pendingStates are the states of instances that have not started yet
// and can still be marked upstream_failed.
var pendingStates = []models.State{models.StateNone, models.StateScheduled, models.StateQueued}

// Propagator marks downstream task instances upstream_failed when an
// upstream instance fails for good, so runners never pick them up.
type Propagator struct {
	dags      storage.DagRepository
	instances storage.TaskInstanceRepository
	states    *state.Manager
	log       *logrus.Logger
}

// NewPropagator creates a new failure propagator
func NewPropagator(
	dags storage.DagRepository,
	instances storage.TaskInstanceRepository,
	states *state.Manager,
	log *logrus.Logger,
) *Propagator {
	if states == nil {
		states = state.NewManager(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Propagator{dags: dags, instances: instances, states: states, log: log}
}

// PropagateFailure marks every pending downstream instance of the
// failed task as upstream_failed. Returns the number of instances
// touched. A DAG with no registered graph propagates nothing.
func (p *Propagator) PropagateFailure(ctx context.Context, failed *models.TaskInstance) (int, error) {
	graph, err := p.dags.GetGraph(ctx, failed.DagID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load graph for %s: %w", failed.DagID, err)
	}

	downstream := dag.TransitiveDownstream(graph, failed.TaskID)
	if len(downstream) == 0 {
		return 0, nil
	}

	pending, err := p.instances.List(ctx, storage.TaskInstanceFilters{
		DagID:   failed.DagID,
		RunIDs:  []string{failed.RunID},
		TaskIDs: downstream,
		States:  pendingStates,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list downstream instances: %w", err)
	}

	marked := 0
	for _, ti := range pending {
		err := p.instances.UpdateFromState(ctx, ti.ID, pendingStates, map[string]interface{}{
			"state": string(models.StateUpstreamFailed),
		})
		if err != nil {
			// The instance moved on; it is no longer ours to touch.
			if errors.Is(err, storage.ErrStateConflict) {
				continue
			}
			return marked, err
		}

		if err := p.states.Transition(ti, models.StateUpstreamFailed, map[string]interface{}{
			"reason":      "upstream failure",
			"upstream_ti": failed.ID,
		}); err != nil {
			p.log.WithError(err).WithField("ti_id", ti.ID).Warn("Failed to publish upstream_failed transition")
		}
		marked++
	}

	if marked > 0 {
		p.log.WithFields(logrus.Fields{
			"dag_id":  failed.DagID,
			"run_id":  failed.RunID,
			"task_id": failed.TaskID,
			"marked":  marked,
		}).Info("Propagated failure downstream")
	}
	return marked, nil
}
