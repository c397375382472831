package models

import (
	"encoding/json"
	"time"
)

// State represents the execution state of a task instance or DAG run.
type State string

const (
	// StateNone is the unset state, stored as NULL.
	StateNone            State = ""
	StateScheduled       State = "scheduled"
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateSuccess         State = "success"
	StateFailed          State = "failed"
	StateSkipped         State = "skipped"
	StateUpForRetry      State = "up_for_retry"
	StateUpForReschedule State = "up_for_reschedule"
	StateDeferred        State = "deferred"
	StateRestarting      State = "restarting"
	StateUpstreamFailed  State = "upstream_failed"
	StateRemoved         State = "removed"
)

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateUpstreamFailed, StateRemoved:
		return true
	}
	return false
}

// IsRunnable returns true if the state allows a transition to running.
func (s State) IsRunnable() bool {
	return s == StateQueued || s == StateRestarting
}

// OrNull renders the state for logs and error details, where the unset
// state reads as "null".
func (s State) OrNull() string {
	if s == StateNone {
		return "null"
	}
	return string(s)
}

// TerminalStates are the states a runner may report through the state
// endpoint for a finished attempt.
var TerminalStates = []State{StateSuccess, StateFailed, StateSkipped}

// UnmappedIndex is the map index of a task instance that is not part of
// a dynamically expanded task.
const UnmappedIndex = -1

// TaskInstance represents one execution attempt of a task within a run.
type TaskInstance struct {
	ID               string          `json:"id"`
	DagID            string          `json:"dag_id"`
	RunID            string          `json:"run_id"`
	TaskID           string          `json:"task_id"`
	MapIndex         int             `json:"map_index"`
	State            State           `json:"state"`
	TryNumber        int             `json:"try_number"`
	MaxTries         int             `json:"max_tries"`
	Hostname         string          `json:"hostname,omitempty"`
	Unixname         string          `json:"unixname,omitempty"`
	PID              int             `json:"pid,omitempty"`
	StartDate        *time.Time      `json:"start_date,omitempty"`
	EndDate          *time.Time      `json:"end_date,omitempty"`
	Duration         *float64        `json:"duration,omitempty"` // seconds
	NextMethod       string          `json:"next_method,omitempty"`
	NextKwargs       json.RawMessage `json:"next_kwargs,omitempty"`
	TriggerTimeout   *time.Time      `json:"trigger_timeout,omitempty"`
	LastHeartbeatAt  *time.Time      `json:"last_heartbeat_at,omitempty"`
	RenderedMapIndex string          `json:"rendered_map_index,omitempty"`
}

// Key identifies a task instance within its DAG run.
func (ti *TaskInstance) Key() TaskInstanceKey {
	return TaskInstanceKey{
		DagID:    ti.DagID,
		RunID:    ti.RunID,
		TaskID:   ti.TaskID,
		MapIndex: ti.MapIndex,
	}
}

// TaskInstanceKey is the logical identity of a task instance.
type TaskInstanceKey struct {
	DagID    string `json:"dag_id"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id"`
	MapIndex int    `json:"map_index"`
}

// DagRun represents one logical execution of a workflow graph. It is
// consumed read-only by the execution endpoints.
type DagRun struct {
	ID                string         `json:"id"`
	DagID             string         `json:"dag_id"`
	RunID             string         `json:"run_id"`
	ClearNumber       int            `json:"clear_number"`
	LogicalDate       *time.Time     `json:"logical_date"`
	DataIntervalStart *time.Time     `json:"data_interval_start"`
	DataIntervalEnd   *time.Time     `json:"data_interval_end"`
	RunAfter          time.Time      `json:"run_after"`
	StartDate         *time.Time     `json:"start_date"`
	EndDate           *time.Time     `json:"end_date"`
	State             State          `json:"state"`
	RunType           string         `json:"run_type"`
	Conf              map[string]any `json:"conf"`
}

// Trigger is the deferral record created when a task instance defers
// itself pending an external event.
type Trigger struct {
	ID          string          `json:"id"`
	Classpath   string          `json:"classpath"`
	Kwargs      json.RawMessage `json:"kwargs,omitempty"`
	CreatedDate time.Time       `json:"created_date"`
}

// TaskReschedule records one up_for_reschedule round of a sensor-style
// task.
type TaskReschedule struct {
	ID             string    `json:"id"`
	TaskInstanceID string    `json:"ti_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	RescheduleDate time.Time `json:"reschedule_date"`
	Duration       int64     `json:"duration"` // seconds
}
