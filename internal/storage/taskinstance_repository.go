package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/taskwing/taskwing/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskInstanceRepository struct {
	db *gorm.DB
}

// NewTaskInstanceRepository creates a new task instance repository
func NewTaskInstanceRepository(db *gorm.DB) TaskInstanceRepository {
	return &taskInstanceRepository{db: db}
}

func (r *taskInstanceRepository) Create(ctx context.Context, instance *models.TaskInstance) error {
	model, err := FromTaskInstance(instance)
	if err != nil {
		return fmt.Errorf("failed to convert task instance to model: %w", err)
	}

	now := time.Now().UTC()
	model.CreatedAt = now
	model.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create task instance: %w", err)
	}

	instance.ID = model.ID.String()
	return nil
}

func (r *taskInstanceRepository) Get(ctx context.Context, id string) (*models.TaskInstance, error) {
	instanceID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid task instance ID %q: %w", id, ErrInvalidInput)
	}

	var model TaskInstanceModel
	if err := r.db.WithContext(ctx).Where("id = ?", instanceID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task instance %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task instance: %w", err)
	}

	return model.ToTaskInstance(), nil
}

func (r *taskInstanceRepository) GetByKey(ctx context.Context, key models.TaskInstanceKey) (*models.TaskInstance, error) {
	var model TaskInstanceModel
	err := r.db.WithContext(ctx).
		Where("dag_id = ? AND run_id = ? AND task_id = ? AND map_index = ?",
			key.DagID, key.RunID, key.TaskID, key.MapIndex).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task instance %s/%s/%s[%d]: %w",
				key.DagID, key.RunID, key.TaskID, key.MapIndex, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task instance: %w", err)
	}
	return model.ToTaskInstance(), nil
}

func (r *taskInstanceRepository) buildQuery(ctx context.Context, filters TaskInstanceFilters) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&TaskInstanceModel{}).
		Where("task_instances.dag_id = ?", filters.DagID)

	if len(filters.RunIDs) > 0 {
		query = query.Where("task_instances.run_id IN ?", filters.RunIDs)
	}

	if len(filters.LogicalDates) > 0 {
		query = query.
			Joins("JOIN dag_runs ON dag_runs.dag_id = task_instances.dag_id AND dag_runs.run_id = task_instances.run_id").
			Where("dag_runs.logical_date IN ?", filters.LogicalDates)
	}

	if len(filters.TaskIDs) > 0 {
		query = query.Where("task_instances.task_id IN ?", filters.TaskIDs)
	}

	if filters.MapIndex != nil {
		query = query.Where("task_instances.map_index = ?", *filters.MapIndex)
	}

	if len(filters.States) > 0 {
		var names []string
		withNull := false
		for _, s := range filters.States {
			if s == models.StateNone {
				withNull = true
				continue
			}
			names = append(names, string(s))
		}
		switch {
		case withNull && len(names) > 0:
			query = query.Where("(task_instances.state IN ? OR task_instances.state IS NULL)", names)
		case withNull:
			query = query.Where("task_instances.state IS NULL")
		default:
			query = query.Where("task_instances.state IN ?", names)
		}
	}

	return query
}

func (r *taskInstanceRepository) List(ctx context.Context, filters TaskInstanceFilters) ([]*models.TaskInstance, error) {
	query := r.buildQuery(ctx, filters).
		Order("task_instances.run_id ASC, task_instances.task_id ASC, task_instances.map_index ASC")

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var instanceModels []TaskInstanceModel
	if err := query.Find(&instanceModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list task instances: %w", err)
	}

	instances := make([]*models.TaskInstance, len(instanceModels))
	for i, model := range instanceModels {
		instances[i] = model.ToTaskInstance()
	}
	return instances, nil
}

func (r *taskInstanceRepository) Count(ctx context.Context, filters TaskInstanceFilters) (int64, error) {
	var count int64
	if err := r.buildQuery(ctx, filters).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count task instances: %w", err)
	}
	return count, nil
}

func (r *taskInstanceRepository) UpdateFromState(ctx context.Context, id string, fromStates []models.State, updates map[string]interface{}) error {
	instanceID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid task instance ID %q: %w", id, ErrInvalidInput)
	}

	names := make([]string, 0, len(fromStates))
	for _, s := range fromStates {
		names = append(names, string(s))
	}

	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&TaskInstanceModel{}).
		Where("id = ? AND state IN ?", instanceID, names).
		Updates(updates)

	if result.Error != nil {
		return fmt.Errorf("failed to update task instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *taskInstanceRepository) UpdateByTask(ctx context.Context, dagID, runID, taskID string, mapIndex *int, updates map[string]interface{}) (int64, error) {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	query := r.db.WithContext(ctx).
		Model(&TaskInstanceModel{}).
		Where("dag_id = ? AND run_id = ? AND task_id = ?", dagID, runID, taskID)
	if mapIndex != nil {
		query = query.Where("map_index = ?", *mapIndex)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update task instances: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *taskInstanceRepository) MapIndexes(ctx context.Context, dagID, runID, taskID string) ([]int, error) {
	var indexes []int
	err := r.db.WithContext(ctx).
		Model(&TaskInstanceModel{}).
		Where("dag_id = ? AND run_id = ? AND task_id = ?", dagID, runID, taskID).
		Pluck("map_index", &indexes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get map indexes: %w", err)
	}
	sort.Ints(indexes)
	return indexes, nil
}

func (r *taskInstanceRepository) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	id, err := uuid.Parse(trigger.ID)
	if err != nil {
		id = uuid.New()
	}

	model := TriggerModel{
		ID:          id,
		Classpath:   trigger.Classpath,
		Kwargs:      RawJSON(trigger.Kwargs),
		CreatedDate: trigger.CreatedDate,
	}
	if model.CreatedDate.IsZero() {
		model.CreatedDate = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}

	trigger.ID = model.ID.String()
	trigger.CreatedDate = model.CreatedDate
	return nil
}

func (r *taskInstanceRepository) CreateReschedule(ctx context.Context, reschedule *models.TaskReschedule) error {
	tiID, err := uuid.Parse(reschedule.TaskInstanceID)
	if err != nil {
		return fmt.Errorf("invalid task instance ID %q: %w", reschedule.TaskInstanceID, ErrInvalidInput)
	}

	model := TaskRescheduleModel{
		ID:             uuid.New(),
		TaskInstanceID: tiID,
		StartDate:      reschedule.StartDate,
		EndDate:        reschedule.EndDate,
		RescheduleDate: reschedule.RescheduleDate,
		Duration:       reschedule.Duration,
		CreatedAt:      time.Now().UTC(),
	}

	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create task reschedule: %w", err)
	}

	reschedule.ID = model.ID.String()
	return nil
}

func (r *taskInstanceRepository) RescheduleCount(ctx context.Context, tiID string) (int64, error) {
	instanceID, err := uuid.Parse(tiID)
	if err != nil {
		return 0, fmt.Errorf("invalid task instance ID %q: %w", tiID, ErrInvalidInput)
	}

	var count int64
	err = r.db.WithContext(ctx).
		Model(&TaskRescheduleModel{}).
		Where("task_instance_id = ?", instanceID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count task reschedules: %w", err)
	}
	return count, nil
}

func (r *taskInstanceRepository) FirstRescheduleStart(ctx context.Context, tiID string) (*time.Time, error) {
	instanceID, err := uuid.Parse(tiID)
	if err != nil {
		return nil, fmt.Errorf("invalid task instance ID %q: %w", tiID, ErrInvalidInput)
	}

	var model TaskRescheduleModel
	err = r.db.WithContext(ctx).
		Where("task_instance_id = ?", instanceID).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get first reschedule: %w", err)
	}
	return &model.StartDate, nil
}

func (r *taskInstanceRepository) SetRenderedFields(ctx context.Context, instance *models.TaskInstance, fields map[string]interface{}) error {
	instanceID, err := uuid.Parse(instance.ID)
	if err != nil {
		return fmt.Errorf("invalid task instance ID %q: %w", instance.ID, ErrInvalidInput)
	}

	model := RenderedFieldsModel{
		DagID:          instance.DagID,
		RunID:          instance.RunID,
		TaskID:         instance.TaskID,
		MapIndex:       instance.MapIndex,
		TaskInstanceID: instanceID,
		Rendered:       JSONB(fields),
		UpdatedAt:      time.Now().UTC(),
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "dag_id"}, {Name: "run_id"}, {Name: "task_id"}, {Name: "map_index"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"task_instance_id", "rendered", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to set rendered fields: %w", err)
	}
	return nil
}
