package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

func seedInstance(t *testing.T, repo storage.TaskInstanceRepository, taskID string, mapIndex int, st models.State) *models.TaskInstance {
	t.Helper()
	ti := &models.TaskInstance{
		DagID: "etl", RunID: "manual__1", TaskID: taskID,
		MapIndex: mapIndex, State: st,
	}
	require.NoError(t, repo.Create(context.Background(), ti))
	return ti
}

func TestTaskInstanceRepository_CreateAndGet(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	ti := &models.TaskInstance{
		DagID: "etl", RunID: "manual__1", TaskID: "extract",
		MapIndex:  models.UnmappedIndex,
		State:     models.StateQueued,
		MaxTries:  3,
		StartDate: &start,
	}
	require.NoError(t, repo.Create(ctx, ti))
	require.NotEmpty(t, ti.ID)

	got, err := repo.Get(ctx, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, "extract", got.TaskID)
	assert.Equal(t, models.StateQueued, got.State)
	assert.Equal(t, 3, got.MaxTries)
	assert.Equal(t, 1, got.TryNumber)
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(start))
}

func TestTaskInstanceRepository_Get_Errors(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	_, err := repo.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTaskInstanceRepository_UpdateFromState(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the instance when the state matches", func(t *testing.T) {
		db := storage.SetupTestDB(t)
		repo := storage.NewTaskInstanceRepository(db)
		ti := seedInstance(t, repo, "extract", models.UnmappedIndex, models.StateQueued)

		err := repo.UpdateFromState(ctx, ti.ID, []models.State{models.StateQueued, models.StateRestarting},
			map[string]interface{}{"state": string(models.StateRunning), "hostname": "worker-1"})
		require.NoError(t, err)

		got, err := repo.Get(ctx, ti.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateRunning, got.State)
		assert.Equal(t, "worker-1", got.Hostname)
	})

	t.Run("conflicts when the state moved on", func(t *testing.T) {
		db := storage.SetupTestDB(t)
		repo := storage.NewTaskInstanceRepository(db)
		ti := seedInstance(t, repo, "extract", models.UnmappedIndex, models.StateSuccess)

		err := repo.UpdateFromState(ctx, ti.ID, []models.State{models.StateQueued},
			map[string]interface{}{"state": string(models.StateRunning)})
		assert.ErrorIs(t, err, storage.ErrStateConflict)
	})
}

func TestTaskInstanceRepository_Filters(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	runs := storage.NewDagRunRepository(db)
	ctx := context.Background()

	logical := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, runs.Create(ctx, &models.DagRun{
		DagID: "etl", RunID: "manual__1", LogicalDate: &logical, State: models.StateRunning,
	}))

	seedInstance(t, repo, "extract", models.UnmappedIndex, models.StateSuccess)
	seedInstance(t, repo, "transform", 0, models.StateRunning)
	seedInstance(t, repo, "transform", 1, models.StateNone)

	t.Run("by task", func(t *testing.T) {
		count, err := repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", TaskIDs: []string{"transform"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("by map index", func(t *testing.T) {
		one := 1
		count, err := repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", MapIndex: &one,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("null state matches unset instances", func(t *testing.T) {
		count, err := repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", States: []models.State{models.StateNone},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("null state combined with named states", func(t *testing.T) {
		count, err := repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", States: []models.State{models.StateNone, models.StateSuccess},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("by logical date", func(t *testing.T) {
		count, err := repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", LogicalDates: []time.Time{logical},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		count, err = repo.Count(ctx, storage.TaskInstanceFilters{
			DagID: "etl", LogicalDates: []time.Time{logical.AddDate(0, 1, 0)},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("list orders by run, task, map index", func(t *testing.T) {
		instances, err := repo.List(ctx, storage.TaskInstanceFilters{DagID: "etl"})
		require.NoError(t, err)
		require.Len(t, instances, 3)
		assert.Equal(t, "extract", instances[0].TaskID)
		assert.Equal(t, 0, instances[1].MapIndex)
		assert.Equal(t, 1, instances[2].MapIndex)
	})
}

func TestTaskInstanceRepository_UpdateByTask(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	seedInstance(t, repo, "load", 0, models.StateNone)
	seedInstance(t, repo, "load", 1, models.StateNone)

	t.Run("all map indexes", func(t *testing.T) {
		affected, err := repo.UpdateByTask(ctx, "etl", "manual__1", "load", nil,
			map[string]interface{}{"state": string(models.StateSkipped)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), affected)
	})

	t.Run("single map index", func(t *testing.T) {
		zero := 0
		affected, err := repo.UpdateByTask(ctx, "etl", "manual__1", "load", &zero,
			map[string]interface{}{"state": string(models.StateFailed)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)
	})
}

func TestTaskInstanceRepository_MapIndexes(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	for _, idx := range []int{2, 0, 1} {
		seedInstance(t, repo, "fanout", idx, models.StateQueued)
	}

	indexes, err := repo.MapIndexes(ctx, "etl", "manual__1", "fanout")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indexes)
}

func TestTaskInstanceRepository_Reschedules(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	ti := seedInstance(t, repo, "sensor", models.UnmappedIndex, models.StateRunning)

	first := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	second := first.Add(10 * time.Minute)
	for _, start := range []time.Time{first, second} {
		require.NoError(t, repo.CreateReschedule(ctx, &models.TaskReschedule{
			TaskInstanceID: ti.ID,
			StartDate:      start,
			EndDate:        start.Add(time.Minute),
			RescheduleDate: start.Add(5 * time.Minute),
			Duration:       60,
		}))
	}

	count, err := repo.RescheduleCount(ctx, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	start, err := repo.FirstRescheduleStart(ctx, ti.ID)
	require.NoError(t, err)
	require.NotNil(t, start)
	assert.True(t, start.Equal(first))

	t.Run("no reschedules yet", func(t *testing.T) {
		other := seedInstance(t, repo, "other", models.UnmappedIndex, models.StateRunning)
		start, err := repo.FirstRescheduleStart(ctx, other.ID)
		require.NoError(t, err)
		assert.Nil(t, start)
	})
}

func TestTaskInstanceRepository_SetRenderedFields(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewTaskInstanceRepository(db)
	ctx := context.Background()

	ti := seedInstance(t, repo, "extract", models.UnmappedIndex, models.StateRunning)

	require.NoError(t, repo.SetRenderedFields(ctx, ti, map[string]interface{}{"cmd": "echo one"}))
	// Upsert replaces the previous rendering for the same instance key.
	require.NoError(t, repo.SetRenderedFields(ctx, ti, map[string]interface{}{"cmd": "echo two"}))

	var rows []storage.RenderedFieldsModel
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "echo two", rows[0].Rendered["cmd"])
}
