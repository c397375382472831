package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskwing/taskwing/pkg/models"
)

// JSONB is a custom type for JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := toBytes(value)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// RawJSON stores an opaque, already-encoded JSON payload. Continuation
// kwargs and trigger kwargs are persisted without decoding them.
type RawJSON json.RawMessage

// Value implements the driver.Valuer interface
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// Scan implements the sql.Scanner interface
func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, ok := toBytes(value)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	*r = append((*r)[0:0], bytes...)
	return nil
}

// TaskNodeList is a custom type for the serialized task graph column
type TaskNodeList []models.TaskNode

// Value implements the driver.Valuer interface
func (l TaskNodeList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (l *TaskNodeList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := toBytes(value)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func toBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// DagModel represents the database model for a registered DAG: its id
// plus the serialized task graph the execution API needs for group
// expansion and dependency walks.
type DagModel struct {
	DagID     string       `gorm:"type:varchar(250);primary_key"`
	Tasks     TaskNodeList `gorm:"type:jsonb"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName specifies the table name for DagModel
func (DagModel) TableName() string {
	return "dags"
}

// ToGraph converts a DagModel to a models.DagGraph
func (d *DagModel) ToGraph() *models.DagGraph {
	return &models.DagGraph{
		DagID: d.DagID,
		Tasks: []models.TaskNode(d.Tasks),
	}
}

// DagRunModel represents the database model for a DAG run
type DagRunModel struct {
	ID                uuid.UUID  `gorm:"type:uuid;primary_key"`
	DagID             string     `gorm:"type:varchar(250);not null;index:idx_dag_runs_dag_run,unique"`
	RunID             string     `gorm:"type:varchar(250);not null;index:idx_dag_runs_dag_run,unique"`
	ClearNumber       int        `gorm:"not null;default:0"`
	LogicalDate       *time.Time `gorm:"index:idx_dag_runs_logical_date"`
	DataIntervalStart *time.Time
	DataIntervalEnd   *time.Time
	RunAfter          time.Time `gorm:"not null"`
	StartDate         *time.Time
	EndDate           *time.Time
	State             string    `gorm:"type:varchar(50);not null;default:'queued';index:idx_dag_runs_state"`
	RunType           string    `gorm:"type:varchar(50);not null;default:'manual'"`
	Conf              JSONB     `gorm:"type:jsonb"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName specifies the table name for DagRunModel
func (DagRunModel) TableName() string {
	return "dag_runs"
}

// ToDagRun converts a DagRunModel to a models.DagRun
func (dr *DagRunModel) ToDagRun() *models.DagRun {
	return &models.DagRun{
		ID:                dr.ID.String(),
		DagID:             dr.DagID,
		RunID:             dr.RunID,
		ClearNumber:       dr.ClearNumber,
		LogicalDate:       dr.LogicalDate,
		DataIntervalStart: dr.DataIntervalStart,
		DataIntervalEnd:   dr.DataIntervalEnd,
		RunAfter:          dr.RunAfter,
		StartDate:         dr.StartDate,
		EndDate:           dr.EndDate,
		State:             models.State(dr.State),
		RunType:           dr.RunType,
		Conf:              map[string]any(dr.Conf),
	}
}

// TaskInstanceModel represents the database model for a task instance
type TaskInstanceModel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primary_key"`
	DagID            string     `gorm:"type:varchar(250);not null;index:idx_task_instances_key,unique"`
	RunID            string     `gorm:"type:varchar(250);not null;index:idx_task_instances_key,unique"`
	TaskID           string     `gorm:"type:varchar(250);not null;index:idx_task_instances_key,unique"`
	MapIndex         int        `gorm:"not null;index:idx_task_instances_key,unique"`
	State            *string    `gorm:"type:varchar(50);index:idx_task_instances_state"`
	TryNumber        int        `gorm:"not null;default:1"`
	MaxTries         int        `gorm:"not null;default:0"`
	Hostname         string     `gorm:"type:varchar(255)"`
	Unixname         string     `gorm:"type:varchar(255)"`
	PID              int        `gorm:"column:pid"`
	StartDate        *time.Time
	EndDate          *time.Time
	Duration         *float64 // seconds
	NextMethod       *string    `gorm:"type:varchar(255)"`
	NextKwargs       RawJSON    `gorm:"type:jsonb"`
	TriggerID        *uuid.UUID `gorm:"type:uuid"`
	TriggerTimeout   *time.Time
	LastHeartbeatAt  *time.Time `gorm:"index:idx_task_instances_heartbeat"`
	RenderedMapIndex *string    `gorm:"type:varchar(250)"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
	Version          int        `gorm:"not null;default:1"` // For optimistic locking
}

// TableName specifies the table name for TaskInstanceModel
func (TaskInstanceModel) TableName() string {
	return "task_instances"
}

// ToTaskInstance converts a TaskInstanceModel to a models.TaskInstance
func (ti *TaskInstanceModel) ToTaskInstance() *models.TaskInstance {
	out := &models.TaskInstance{
		ID:              ti.ID.String(),
		DagID:           ti.DagID,
		RunID:           ti.RunID,
		TaskID:          ti.TaskID,
		MapIndex:        ti.MapIndex,
		TryNumber:       ti.TryNumber,
		MaxTries:        ti.MaxTries,
		Hostname:        ti.Hostname,
		Unixname:        ti.Unixname,
		PID:             ti.PID,
		StartDate:       ti.StartDate,
		EndDate:         ti.EndDate,
		Duration:        ti.Duration,
		NextKwargs:      json.RawMessage(ti.NextKwargs),
		TriggerTimeout:  ti.TriggerTimeout,
		LastHeartbeatAt: ti.LastHeartbeatAt,
	}
	if ti.State != nil {
		out.State = models.State(*ti.State)
	}
	if ti.NextMethod != nil {
		out.NextMethod = *ti.NextMethod
	}
	if ti.RenderedMapIndex != nil {
		out.RenderedMapIndex = *ti.RenderedMapIndex
	}
	return out
}

// FromTaskInstance converts a models.TaskInstance to a TaskInstanceModel
func FromTaskInstance(ti *models.TaskInstance) (*TaskInstanceModel, error) {
	id, err := uuid.Parse(ti.ID)
	if err != nil {
		id = uuid.New()
	}

	model := &TaskInstanceModel{
		ID:              id,
		DagID:           ti.DagID,
		RunID:           ti.RunID,
		TaskID:          ti.TaskID,
		MapIndex:        ti.MapIndex,
		TryNumber:       ti.TryNumber,
		MaxTries:        ti.MaxTries,
		Hostname:        ti.Hostname,
		Unixname:        ti.Unixname,
		PID:             ti.PID,
		StartDate:       ti.StartDate,
		EndDate:         ti.EndDate,
		Duration:        ti.Duration,
		NextKwargs:      RawJSON(ti.NextKwargs),
		TriggerTimeout:  ti.TriggerTimeout,
		LastHeartbeatAt: ti.LastHeartbeatAt,
		Version:         1,
	}
	if ti.State != models.StateNone {
		s := string(ti.State)
		model.State = &s
	}
	if ti.NextMethod != "" {
		m := ti.NextMethod
		model.NextMethod = &m
	}
	if ti.RenderedMapIndex != "" {
		r := ti.RenderedMapIndex
		model.RenderedMapIndex = &r
	}
	if ti.TryNumber == 0 {
		model.TryNumber = 1
	}
	return model, nil
}

// TaskInstanceHistoryModel archives a finished attempt of a task
// instance as a row distinct from the live one.
type TaskInstanceHistoryModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key"`
	TaskInstanceID uuid.UUID `gorm:"type:uuid;not null;index:idx_ti_history_ti_id"`
	DagID          string    `gorm:"type:varchar(250);not null;index:idx_ti_history_key"`
	RunID          string    `gorm:"type:varchar(250);not null;index:idx_ti_history_key"`
	TaskID         string    `gorm:"type:varchar(250);not null;index:idx_ti_history_key"`
	MapIndex       int       `gorm:"not null"`
	TryNumber      int       `gorm:"not null"`
	State          *string   `gorm:"type:varchar(50)"`
	Hostname       string    `gorm:"type:varchar(255)"`
	PID            int       `gorm:"column:pid"`
	StartDate      *time.Time
	EndDate        *time.Time
	Duration       *float64
	RecordedAt     time.Time `gorm:"not null"`
}

// TableName specifies the table name for TaskInstanceHistoryModel
func (TaskInstanceHistoryModel) TableName() string {
	return "task_instance_history"
}

// TriggerModel represents the database model for a deferral trigger
type TriggerModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key"`
	Classpath   string    `gorm:"type:varchar(500);not null;index:idx_triggers_classpath"`
	Kwargs      RawJSON   `gorm:"type:jsonb"`
	CreatedDate time.Time `gorm:"not null"`
}

// TableName specifies the table name for TriggerModel
func (TriggerModel) TableName() string {
	return "triggers"
}

// ToTrigger converts a TriggerModel to a models.Trigger
func (t *TriggerModel) ToTrigger() *models.Trigger {
	return &models.Trigger{
		ID:          t.ID.String(),
		Classpath:   t.Classpath,
		Kwargs:      json.RawMessage(t.Kwargs),
		CreatedDate: t.CreatedDate,
	}
}

// TaskRescheduleModel represents the database model for one reschedule
// round of a task instance.
type TaskRescheduleModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key"`
	TaskInstanceID uuid.UUID `gorm:"type:uuid;not null;index:idx_task_reschedules_ti_id"`
	StartDate      time.Time `gorm:"not null"`
	EndDate        time.Time `gorm:"not null"`
	RescheduleDate time.Time `gorm:"not null"`
	Duration       int64     `gorm:"not null"` // seconds
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName specifies the table name for TaskRescheduleModel
func (TaskRescheduleModel) TableName() string {
	return "task_reschedules"
}

// ToTaskReschedule converts a TaskRescheduleModel to a models.TaskReschedule
func (tr *TaskRescheduleModel) ToTaskReschedule() *models.TaskReschedule {
	return &models.TaskReschedule{
		ID:             tr.ID.String(),
		TaskInstanceID: tr.TaskInstanceID.String(),
		StartDate:      tr.StartDate,
		EndDate:        tr.EndDate,
		RescheduleDate: tr.RescheduleDate,
		Duration:       tr.Duration,
	}
}

// RenderedFieldsModel stores the rendered template fields reported by a
// running task instance.
type RenderedFieldsModel struct {
	DagID          string    `gorm:"type:varchar(250);primary_key"`
	RunID          string    `gorm:"type:varchar(250);primary_key"`
	TaskID         string    `gorm:"type:varchar(250);primary_key"`
	MapIndex       int       `gorm:"primary_key;autoIncrement:false"`
	TaskInstanceID uuid.UUID `gorm:"type:uuid;not null"`
	Rendered       JSONB     `gorm:"type:jsonb;not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName specifies the table name for RenderedFieldsModel
func (RenderedFieldsModel) TableName() string {
	return "rendered_task_instance_fields"
}

// AssetModel represents a known asset
type AssetModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"type:varchar(500);not null;index:idx_assets_name_uri,unique"`
	URI       string    `gorm:"type:varchar(1000);not null;index:idx_assets_name_uri,unique"`
	Group     string    `gorm:"type:varchar(100);not null;default:'asset'"`
	Extra     JSONB     `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName specifies the table name for AssetModel
func (AssetModel) TableName() string {
	return "assets"
}

// Key returns the asset's identifying name/uri pair.
func (a *AssetModel) Key() models.AssetKey {
	return models.AssetKey{Name: a.Name, URI: a.URI}
}

// AssetActiveModel marks an asset name/uri pair as active. Name and uri
// are each claimed exclusively by one active asset.
type AssetActiveModel struct {
	Name string `gorm:"type:varchar(500);primary_key"`
	URI  string `gorm:"type:varchar(1000);primary_key"`
}

// TableName specifies the table name for AssetActiveModel
func (AssetActiveModel) TableName() string {
	return "asset_active"
}

// AssetAliasModel represents a registered asset alias
type AssetAliasModel struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	Name  string `gorm:"type:varchar(500);not null;uniqueIndex:idx_asset_aliases_name"`
	Group string `gorm:"type:varchar(100);not null;default:'alias'"`
}

// TableName specifies the table name for AssetAliasModel
func (AssetAliasModel) TableName() string {
	return "asset_aliases"
}

// AssetEventModel records that a task instance produced an asset
type AssetEventModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	AssetID         int64     `gorm:"not null;index:idx_asset_events_asset_id"`
	Extra           JSONB     `gorm:"type:jsonb"`
	SourceDagID     string    `gorm:"type:varchar(250)"`
	SourceRunID     string    `gorm:"type:varchar(250)"`
	SourceTaskID    string    `gorm:"type:varchar(250)"`
	SourceMapIndex  int       `gorm:"not null"`
	SourceAliasName *string   `gorm:"type:varchar(500)"`
	Timestamp       time.Time `gorm:"not null"`
}

// TableName specifies the table name for AssetEventModel
func (AssetEventModel) TableName() string {
	return "asset_events"
}

// XComModel stores one cross-communication value pushed by a task
// instance.
type XComModel struct {
	DagID     string    `gorm:"type:varchar(250);primary_key"`
	RunID     string    `gorm:"type:varchar(250);primary_key"`
	TaskID    string    `gorm:"type:varchar(250);primary_key"`
	MapIndex  int       `gorm:"primary_key;autoIncrement:false"`
	Key       string    `gorm:"type:varchar(512);primary_key"`
	Value     RawJSON   `gorm:"type:jsonb"`
	Timestamp time.Time `gorm:"not null"`
}

// TableName specifies the table name for XComModel
func (XComModel) TableName() string {
	return "xcoms"
}
