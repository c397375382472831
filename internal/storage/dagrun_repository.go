package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskwing/taskwing/pkg/models"
	"gorm.io/gorm"
)

type dagRunRepository struct {
	db *gorm.DB
}

// NewDagRunRepository creates a new DAG run repository
func NewDagRunRepository(db *gorm.DB) DagRunRepository {
	return &dagRunRepository{db: db}
}

func (r *dagRunRepository) Create(ctx context.Context, run *models.DagRun) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		id = uuid.New()
	}

	var existing int64
	err = r.db.WithContext(ctx).
		Model(&DagRunModel{}).
		Where("dag_id = ? AND run_id = ?", run.DagID, run.RunID).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("failed to check dag run: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("dag run %s/%s: %w", run.DagID, run.RunID, ErrAlreadyExists)
	}

	now := time.Now().UTC()
	state := string(run.State)
	if state == "" {
		state = string(models.StateQueued)
	}
	runType := run.RunType
	if runType == "" {
		runType = "manual"
	}
	runAfter := run.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}

	model := DagRunModel{
		ID:                id,
		DagID:             run.DagID,
		RunID:             run.RunID,
		ClearNumber:       run.ClearNumber,
		LogicalDate:       run.LogicalDate,
		DataIntervalStart: run.DataIntervalStart,
		DataIntervalEnd:   run.DataIntervalEnd,
		RunAfter:          runAfter,
		StartDate:         run.StartDate,
		EndDate:           run.EndDate,
		State:             state,
		RunType:           runType,
		Conf:              JSONB(run.Conf),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create dag run: %w", err)
	}

	run.ID = model.ID.String()
	run.State = models.State(model.State)
	run.RunType = model.RunType
	run.RunAfter = model.RunAfter
	return nil
}

func (r *dagRunRepository) Get(ctx context.Context, dagID, runID string) (*models.DagRun, error) {
	var model DagRunModel
	err := r.db.WithContext(ctx).
		Where("dag_id = ? AND run_id = ?", dagID, runID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("dag run %s/%s: %w", dagID, runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dag run: %w", err)
	}
	return model.ToDagRun(), nil
}

func (r *dagRunRepository) GetPreviousSuccessful(ctx context.Context, dagID string, before time.Time) (*models.DagRun, error) {
	var model DagRunModel
	err := r.db.WithContext(ctx).
		Where("dag_id = ? AND state = ? AND logical_date < ?", dagID, string(models.StateSuccess), before).
		Order("logical_date DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("previous successful run of %s: %w", dagID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get previous successful dag run: %w", err)
	}
	return model.ToDagRun(), nil
}
