package storage

import (
	"context"
	"time"

	"github.com/taskwing/taskwing/pkg/models"
)

// DagRepository defines the interface for DAG graph persistence
type DagRepository interface {
	Register(ctx context.Context, graph *models.DagGraph) error
	GetGraph(ctx context.Context, dagID string) (*models.DagGraph, error)
	Delete(ctx context.Context, dagID string) error
}

// DagRunRepository defines the interface for DAG run persistence
type DagRunRepository interface {
	Create(ctx context.Context, run *models.DagRun) error
	Get(ctx context.Context, dagID, runID string) (*models.DagRun, error)
	// GetPreviousSuccessful returns the latest successful run of the DAG
	// with a logical date strictly before the given one.
	GetPreviousSuccessful(ctx context.Context, dagID string, before time.Time) (*models.DagRun, error)
}

// TaskInstanceFilters defines filters for listing and counting task
// instances. A nil MapIndex means all map indices.
type TaskInstanceFilters struct {
	DagID        string
	RunIDs       []string
	TaskIDs      []string
	LogicalDates []time.Time
	States       []models.State // StateNone matches the NULL state
	MapIndex     *int
	Limit        int
	Offset       int
}

// TaskInstanceRepository defines the interface for task instance
// persistence, including the TI-scoped reschedule, trigger and
// rendered-fields records.
type TaskInstanceRepository interface {
	Create(ctx context.Context, instance *models.TaskInstance) error
	Get(ctx context.Context, id string) (*models.TaskInstance, error)
	GetByKey(ctx context.Context, key models.TaskInstanceKey) (*models.TaskInstance, error)
	List(ctx context.Context, filters TaskInstanceFilters) ([]*models.TaskInstance, error)
	Count(ctx context.Context, filters TaskInstanceFilters) (int64, error)
	// UpdateFromState applies the given column updates only if the
	// stored state is one of fromStates; ErrStateConflict otherwise.
	UpdateFromState(ctx context.Context, id string, fromStates []models.State, updates map[string]interface{}) error
	// UpdateByTask applies updates to every instance of a task within a
	// run, or a single map index when mapIndex is non-nil. Returns the
	// number of rows touched.
	UpdateByTask(ctx context.Context, dagID, runID, taskID string, mapIndex *int, updates map[string]interface{}) (int64, error)

	// MapIndexes returns the sorted map indexes of all instances of a
	// task within a run.
	MapIndexes(ctx context.Context, dagID, runID, taskID string) ([]int, error)

	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	CreateReschedule(ctx context.Context, reschedule *models.TaskReschedule) error
	RescheduleCount(ctx context.Context, tiID string) (int64, error)
	FirstRescheduleStart(ctx context.Context, tiID string) (*time.Time, error)

	SetRenderedFields(ctx context.Context, instance *models.TaskInstance, fields map[string]interface{}) error
}

// AssetRepository defines the interface for asset bookkeeping
type AssetRepository interface {
	CreateAsset(ctx context.Context, asset *AssetModel) error
	// Activate marks the asset active unless its name or uri is already
	// actively claimed by a different asset.
	Activate(ctx context.Context, key models.AssetKey) error
	GetByKey(ctx context.Context, key models.AssetKey) (*AssetModel, error)
	GetByName(ctx context.Context, name string) (*AssetModel, error)
	GetByURI(ctx context.Context, uri string) (*AssetModel, error)
	IsActive(ctx context.Context, key models.AssetKey) (bool, error)
	CreateAlias(ctx context.Context, name string) error
	AliasExists(ctx context.Context, name string) (bool, error)
	CreateEvent(ctx context.Context, event *AssetEventModel) error
	ListEvents(ctx context.Context, assetID int64) ([]AssetEventModel, error)
}

// XComRepository defines the interface for xcom persistence
type XComRepository interface {
	Set(ctx context.Context, key models.TaskInstanceKey, xcomKey string, value []byte) error
	Get(ctx context.Context, key models.TaskInstanceKey, xcomKey string) ([]byte, error)
	Delete(ctx context.Context, key models.TaskInstanceKey, xcomKey string) error
	Keys(ctx context.Context, key models.TaskInstanceKey) ([]string, error)
}
