package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
	"gorm.io/gorm"
)

// Archiver snapshots finished task instance attempts into the history
// table, so retries can overwrite the live row without losing the
// record of earlier tries.
type Archiver struct {
	db *gorm.DB
}

// NewArchiver creates a new attempt archiver
func NewArchiver(db *gorm.DB) *Archiver {
	return &Archiver{db: db}
}

// Archive writes a history row for the instance's current attempt. The
// history row gets its own id, distinct from the live instance's.
func (a *Archiver) Archive(ctx context.Context, ti *models.TaskInstance) error {
	tiID, err := uuid.Parse(ti.ID)
	if err != nil {
		return fmt.Errorf("invalid task instance ID %q: %w", ti.ID, storage.ErrInvalidInput)
	}

	entry := storage.TaskInstanceHistoryModel{
		ID:             uuid.New(),
		TaskInstanceID: tiID,
		DagID:          ti.DagID,
		RunID:          ti.RunID,
		TaskID:         ti.TaskID,
		MapIndex:       ti.MapIndex,
		TryNumber:      ti.TryNumber,
		Hostname:       ti.Hostname,
		PID:            ti.PID,
		StartDate:      ti.StartDate,
		EndDate:        ti.EndDate,
		Duration:       ti.Duration,
		RecordedAt:     time.Now().UTC(),
	}
	if ti.State != models.StateNone {
		s := string(ti.State)
		entry.State = &s
	}

	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to archive task instance attempt: %w", err)
	}
	return nil
}

// History returns the archived attempts of a task instance, most recent
// first.
func (a *Archiver) History(ctx context.Context, tiID string, limit int) ([]storage.TaskInstanceHistoryModel, error) {
	id, err := uuid.Parse(tiID)
	if err != nil {
		return nil, fmt.Errorf("invalid task instance ID %q: %w", tiID, storage.ErrInvalidInput)
	}

	var entries []storage.TaskInstanceHistoryModel
	query := a.db.WithContext(ctx).
		Where("task_instance_id = ?", id).
		Order("recorded_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get task instance history: %w", err)
	}
	return entries, nil
}
