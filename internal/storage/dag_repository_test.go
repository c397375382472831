package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

func TestDagRepository_RegisterAndGet(t *testing.T) {
	db := storage.SetupTestDB(t)
	assets := storage.NewAssetRepository(db)
	repo := storage.NewDagRepository(db, assets)
	ctx := context.Background()

	graph := &models.DagGraph{
		DagID: "etl",
		Tasks: []models.TaskNode{
			{TaskID: "extract", Downstream: []string{"load"}},
			{TaskID: "load", Upstream: []string{"extract"}, GroupID: "g", Mapped: true},
		},
	}
	require.NoError(t, repo.Register(ctx, graph))

	got, err := repo.GetGraph(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, []string{"load"}, got.Tasks[0].Downstream)
	assert.True(t, got.Tasks[1].Mapped)
	assert.Equal(t, "g", got.Tasks[1].GroupID)

	t.Run("re-register replaces the graph", func(t *testing.T) {
		graph.Tasks = graph.Tasks[:1]
		graph.Tasks[0].Downstream = nil
		require.NoError(t, repo.Register(ctx, graph))

		got, err := repo.GetGraph(ctx, "etl")
		require.NoError(t, err)
		assert.Len(t, got.Tasks, 1)
	})
}

func TestDagRepository_Register_Validation(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewDagRepository(db, storage.NewAssetRepository(db))

	err := repo.Register(context.Background(), &models.DagGraph{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestDagRepository_Register_Assets(t *testing.T) {
	db := storage.SetupTestDB(t)
	assets := storage.NewAssetRepository(db)
	repo := storage.NewDagRepository(db, assets)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &models.DagGraph{
		DagID: "producer",
		Tasks: []models.TaskNode{
			{
				TaskID: "emit",
				Outlets: []models.AssetRef{
					{Name: "orders", URI: "s3://bucket/orders", Type: models.AssetRefTypeAsset},
					{Name: "named-only", Type: models.AssetRefTypeAsset},
					{Name: "latest", Type: models.AssetRefTypeAlias},
					{Name: "external", Type: models.AssetRefTypeNameRef},
				},
			},
		},
	}))

	active, err := assets.IsActive(ctx, models.AssetKey{Name: "orders", URI: "s3://bucket/orders"})
	require.NoError(t, err)
	assert.True(t, active)

	// An asset declared without a uri defaults its uri to the name.
	active, err = assets.IsActive(ctx, models.AssetKey{Name: "named-only", URI: "named-only"})
	require.NoError(t, err)
	assert.True(t, active)

	exists, err := assets.AliasExists(ctx, "latest")
	require.NoError(t, err)
	assert.True(t, exists)

	// Name references do not create assets.
	_, err = assets.GetByName(ctx, "external")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDagRepository_GetGraph_NotFound(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewDagRepository(db, storage.NewAssetRepository(db))

	_, err := repo.GetGraph(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDagRepository_Delete(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewDagRepository(db, storage.NewAssetRepository(db))
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &models.DagGraph{
		DagID: "etl",
		Tasks: []models.TaskNode{{TaskID: "extract"}},
	}))
	require.NoError(t, repo.Delete(ctx, "etl"))

	_, err := repo.GetGraph(ctx, "etl")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, "etl"), storage.ErrNotFound)
}
