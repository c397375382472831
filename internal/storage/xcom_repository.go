package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskwing/taskwing/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type xcomRepository struct {
	db *gorm.DB
}

// NewXComRepository creates a new xcom repository
func NewXComRepository(db *gorm.DB) XComRepository {
	return &xcomRepository{db: db}
}

func (r *xcomRepository) Set(ctx context.Context, key models.TaskInstanceKey, xcomKey string, value []byte) error {
	model := XComModel{
		DagID:     key.DagID,
		RunID:     key.RunID,
		TaskID:    key.TaskID,
		MapIndex:  key.MapIndex,
		Key:       xcomKey,
		Value:     RawJSON(value),
		Timestamp: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "dag_id"}, {Name: "run_id"}, {Name: "task_id"}, {Name: "map_index"}, {Name: "key"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"value", "timestamp"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to set xcom: %w", err)
	}
	return nil
}

func (r *xcomRepository) Get(ctx context.Context, key models.TaskInstanceKey, xcomKey string) ([]byte, error) {
	var model XComModel
	err := r.db.WithContext(ctx).
		Where("dag_id = ? AND run_id = ? AND task_id = ? AND map_index = ? AND key = ?",
			key.DagID, key.RunID, key.TaskID, key.MapIndex, xcomKey).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("xcom %s for %s/%s/%s[%d]: %w",
				xcomKey, key.DagID, key.RunID, key.TaskID, key.MapIndex, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get xcom: %w", err)
	}
	return []byte(model.Value), nil
}

func (r *xcomRepository) Delete(ctx context.Context, key models.TaskInstanceKey, xcomKey string) error {
	err := r.db.WithContext(ctx).
		Where("dag_id = ? AND run_id = ? AND task_id = ? AND map_index = ? AND key = ?",
			key.DagID, key.RunID, key.TaskID, key.MapIndex, xcomKey).
		Delete(&XComModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete xcom: %w", err)
	}
	return nil
}

func (r *xcomRepository) Keys(ctx context.Context, key models.TaskInstanceKey) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).
		Model(&XComModel{}).
		Where("dag_id = ? AND run_id = ? AND task_id = ? AND map_index = ?",
			key.DagID, key.RunID, key.TaskID, key.MapIndex).
		Order("key ASC").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list xcom keys: %w", err)
	}
	return keys, nil
}
