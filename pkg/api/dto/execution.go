package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskwing/taskwing/pkg/models"
)

// TIRunPayload is the body of PATCH /execution/task-instances/:id/run.
type TIRunPayload struct {
	State    string `json:"state" binding:"required,eq=running"`
	Hostname string `json:"hostname" binding:"required"`
	Unixname string `json:"unixname" binding:"required"`
	// gte, not required: pid 0 is unusual but not malformed, and
	// `required` rejects the zero value.
	PID       int       `json:"pid" binding:"gte=0"`
	StartDate time.Time `json:"start_date" binding:"required"`
}

// DagRunContext is the run metadata handed to the task runner.
type DagRunContext struct {
	DagID               string                   `json:"dag_id"`
	RunID               string                   `json:"run_id"`
	ClearNumber         int                      `json:"clear_number"`
	LogicalDate         *time.Time               `json:"logical_date"`
	DataIntervalStart   *time.Time               `json:"data_interval_start"`
	DataIntervalEnd     *time.Time               `json:"data_interval_end"`
	RunAfter            time.Time                `json:"run_after"`
	StartDate           *time.Time               `json:"start_date"`
	EndDate             *time.Time               `json:"end_date"`
	State               string                   `json:"state"`
	RunType             string                   `json:"run_type"`
	Conf                map[string]interface{}   `json:"conf"`
	ConsumedAssetEvents []map[string]interface{} `json:"consumed_asset_events"`
}

// TIRunContextResponse is the body of a successful run transition.
type TIRunContextResponse struct {
	DagRun              DagRunContext            `json:"dag_run"`
	TaskRescheduleCount int                      `json:"task_reschedule_count"`
	UpstreamMapIndexes  map[string]interface{}   `json:"upstream_map_indexes"`
	MaxTries            int                      `json:"max_tries"`
	ShouldRetry         bool                     `json:"should_retry"`
	Variables           []map[string]interface{} `json:"variables"`
	Connections         []map[string]interface{} `json:"connections"`
	XComKeysToClear     []string                 `json:"xcom_keys_to_clear"`
	NextMethod          string                   `json:"next_method,omitempty"`
	NextKwargs          json.RawMessage          `json:"next_kwargs,omitempty"`
}

// ToDagRunContext converts a DAG run to its runner-facing shape.
func ToDagRunContext(run *models.DagRun, consumed []map[string]interface{}) DagRunContext {
	if consumed == nil {
		consumed = []map[string]interface{}{}
	}
	conf := run.Conf
	if conf == nil {
		conf = map[string]interface{}{}
	}
	return DagRunContext{
		DagID:               run.DagID,
		RunID:               run.RunID,
		ClearNumber:         run.ClearNumber,
		LogicalDate:         run.LogicalDate,
		DataIntervalStart:   run.DataIntervalStart,
		DataIntervalEnd:     run.DataIntervalEnd,
		RunAfter:            run.RunAfter,
		StartDate:           run.StartDate,
		EndDate:             run.EndDate,
		State:               string(run.State),
		RunType:             run.RunType,
		Conf:                conf,
		ConsumedAssetEvents: consumed,
	}
}

// AssetProfile is an asset reference on the wire.
type AssetProfile struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
	Type string `json:"type"`
}

// ToAssetRef converts a wire profile to the domain reference.
func (p AssetProfile) ToAssetRef() models.AssetRef {
	return models.AssetRef{Name: p.Name, URI: p.URI, Type: p.Type}
}

// OutletEventPayload is one asset event reported by a finishing task.
type OutletEventPayload struct {
	DestAssetKey    AssetKeyPayload        `json:"dest_asset_key"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
	SourceAliasName string                 `json:"source_alias_name,omitempty"`
}

// AssetKeyPayload identifies an asset on the wire.
type AssetKeyPayload struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// TIStatePayload is the body of PATCH /execution/task-instances/:id/state.
// The populated fields depend on State.
type TIStatePayload struct {
	State string `json:"state" binding:"required"`

	// Terminal, up_for_retry and up_for_reschedule
	EndDate          *time.Time           `json:"end_date,omitempty"`
	RenderedMapIndex string               `json:"rendered_map_index,omitempty"`
	TaskOutlets      []AssetProfile       `json:"task_outlets,omitempty"`
	OutletEvents     []OutletEventPayload `json:"outlet_events,omitempty"`

	// Deferral
	Classpath      string          `json:"classpath,omitempty"`
	TriggerKwargs  json.RawMessage `json:"trigger_kwargs,omitempty"`
	NextMethod     string          `json:"next_method,omitempty"`
	NextKwargs     json.RawMessage `json:"next_kwargs,omitempty"`
	TriggerTimeout string          `json:"trigger_timeout,omitempty"` // ISO-8601 duration

	// Reschedule
	RescheduleDate *time.Time `json:"reschedule_date,omitempty"`
}

// TIHeartbeatPayload is the body of PUT /execution/task-instances/:id/heartbeat.
type TIHeartbeatPayload struct {
	Hostname string `json:"hostname" binding:"required"`
	PID      int    `json:"pid" binding:"gte=0"`
}

// TISkipDownstreamPayload is the body of
// PATCH /execution/task-instances/:id/skip-downstream. Entries are
// either a task id string or a [task_id, map_index] pair.
type TISkipDownstreamPayload struct {
	Tasks []SkipTask `json:"tasks" binding:"required,min=1"`
}

// SkipTask is one downstream task to skip.
type SkipTask struct {
	TaskID   string
	MapIndex *int
}

// UnmarshalJSON accepts "task_id" or ["task_id", map_index].
func (s *SkipTask) UnmarshalJSON(data []byte) error {
	var taskID string
	if err := json.Unmarshal(data, &taskID); err == nil {
		s.TaskID = taskID
		s.MapIndex = nil
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("task entry must be a string or a [task_id, map_index] pair")
	}
	if len(pair) != 2 {
		return fmt.Errorf("task entry pair must have exactly two elements")
	}
	if err := json.Unmarshal(pair[0], &s.TaskID); err != nil {
		return fmt.Errorf("task entry pair must start with a task id: %w", err)
	}
	var mapIndex int
	if err := json.Unmarshal(pair[1], &mapIndex); err != nil {
		return fmt.Errorf("task entry pair must end with a map index: %w", err)
	}
	s.MapIndex = &mapIndex
	return nil
}

// MarshalJSON renders the compact wire form.
func (s SkipTask) MarshalJSON() ([]byte, error) {
	if s.MapIndex == nil {
		return json.Marshal(s.TaskID)
	}
	return json.Marshal([]interface{}{s.TaskID, *s.MapIndex})
}

// TaskStatesResponse is the body of GET /execution/task-instances/states.
type TaskStatesResponse struct {
	TaskStates map[string]map[string]*string `json:"task_states"`
}

// PreviousDagRunResponse is the body of
// GET /execution/task-instances/:id/previous-successful-dagrun. All
// fields are null when no such run exists.
type PreviousDagRunResponse struct {
	DataIntervalStart *time.Time `json:"data_interval_start"`
	DataIntervalEnd   *time.Time `json:"data_interval_end"`
	LogicalDate       *time.Time `json:"logical_date"`
	StartDate         *time.Time `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
}

// InactiveAssetsResponse is the body of
// GET /execution/task-instances/:id/validate-inlets-and-outlets.
type InactiveAssetsResponse struct {
	InactiveAssets []AssetProfile `json:"inactive_assets"`
}
