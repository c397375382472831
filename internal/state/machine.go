package state

import (
	"errors"
	"fmt"

	"github.com/taskwing/taskwing/pkg/models"
)

var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StateMachine manages state transitions for task instances
type StateMachine struct {
	validTransitions map[models.State][]models.State
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		validTransitions: map[models.State][]models.State{
			// Unset instances are picked up by scheduling
			models.StateNone: {
				models.StateScheduled,
				models.StateQueued,
				models.StateSkipped,
				models.StateUpstreamFailed,
				models.StateRemoved,
			},
			models.StateScheduled: {
				models.StateQueued,
				models.StateSkipped,
				models.StateUpstreamFailed,
				models.StateRemoved,
			},
			models.StateQueued: {
				models.StateRunning,
				models.StateRestarting,
				models.StateScheduled, // Requeued after executor loss
				models.StateSkipped,
				models.StateFailed,
			},
			models.StateRestarting: {
				models.StateRunning,
				models.StateQueued,
				models.StateFailed,
			},
			models.StateRunning: {
				models.StateSuccess,
				models.StateFailed,
				models.StateSkipped,
				models.StateUpForRetry,
				models.StateUpForReschedule,
				models.StateDeferred,
				models.StateRestarting,
			},
			models.StateUpForRetry: {
				models.StateScheduled,
				models.StateQueued,
				models.StateFailed,
			},
			models.StateUpForReschedule: {
				models.StateScheduled,
				models.StateQueued,
				models.StateFailed,
			},
			models.StateDeferred: {
				models.StateScheduled,
				models.StateQueued,
				models.StateRunning,
				models.StateUpForRetry,
				models.StateFailed, // Trigger timeout
			},
			// Terminal states don't transition
			models.StateSuccess:        {},
			models.StateFailed:         {},
			models.StateSkipped:        {},
			models.StateUpstreamFailed: {},
			models.StateRemoved:        {},
		},
	}
}

// CanTransition checks if a state transition is valid
func (sm *StateMachine) CanTransition(from, to models.State) bool {
	// Allow transition to same state (idempotent)
	if from == to {
		return true
	}

	validStates, exists := sm.validTransitions[from]
	if !exists {
		return false
	}

	for _, state := range validStates {
		if state == to {
			return true
		}
	}

	return false
}

// ValidateTransition validates a state transition and returns an error if invalid
func (sm *StateMachine) ValidateTransition(from, to models.State) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// GetNextStates returns all valid next states from the current state
func (sm *StateMachine) GetNextStates(current models.State) []models.State {
	states, exists := sm.validTransitions[current]
	if !exists {
		return []models.State{}
	}
	return states
}

// IsTerminalState checks if a state is terminal (no further transitions)
func (sm *StateMachine) IsTerminalState(state models.State) bool {
	return state.IsTerminal()
}

// TransitionEvent represents a state transition event
type TransitionEvent struct {
	DagID    string       `json:"dag_id"`
	RunID    string       `json:"run_id"`
	TaskID   string       `json:"task_id"`
	MapIndex int          `json:"map_index"`
	TIID     string       `json:"ti_id"`
	OldState models.State `json:"old_state"`
	NewState models.State `json:"new_state"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EventPublisher is an interface for publishing state change events
type EventPublisher interface {
	Publish(event TransitionEvent) error
}

// NoOpPublisher is a no-op event publisher for testing
type NoOpPublisher struct{}

// Publish does nothing
func (p *NoOpPublisher) Publish(event TransitionEvent) error {
	return nil
}

// Manager handles state transitions with event publishing
type Manager struct {
	machine   *StateMachine
	publisher EventPublisher
}

// NewManager creates a new state manager
func NewManager(publisher EventPublisher) *Manager {
	if publisher == nil {
		publisher = &NoOpPublisher{}
	}
	return &Manager{
		machine:   NewStateMachine(),
		publisher: publisher,
	}
}

// Transition validates a state transition and publishes an event for it
func (m *Manager) Transition(ti *models.TaskInstance, to models.State, metadata map[string]interface{}) error {
	if err := m.machine.ValidateTransition(ti.State, to); err != nil {
		return err
	}

	event := TransitionEvent{
		DagID:    ti.DagID,
		RunID:    ti.RunID,
		TaskID:   ti.TaskID,
		MapIndex: ti.MapIndex,
		TIID:     ti.ID,
		OldState: ti.State,
		NewState: to,
		Metadata: metadata,
	}

	if err := m.publisher.Publish(event); err != nil {
		return fmt.Errorf("failed to publish state transition event: %w", err)
	}

	return nil
}

// CanTransition delegates to the state machine
func (m *Manager) CanTransition(from, to models.State) bool {
	return m.machine.CanTransition(from, to)
}
