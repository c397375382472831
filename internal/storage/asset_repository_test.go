package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

func TestAssetRepository_CreateAsset(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewAssetRepository(db)
	ctx := context.Background()

	asset := &storage.AssetModel{Name: "orders", URI: "s3://bucket/orders"}
	require.NoError(t, repo.CreateAsset(ctx, asset))
	require.NotZero(t, asset.ID)
	assert.Equal(t, "asset", asset.Group)

	// Creating the same key again resolves to the existing row.
	dup := &storage.AssetModel{Name: "orders", URI: "s3://bucket/orders"}
	require.NoError(t, repo.CreateAsset(ctx, dup))
	assert.Equal(t, asset.ID, dup.ID)
}

func TestAssetRepository_Activate(t *testing.T) {
	ctx := context.Background()

	t.Run("activates a free key", func(t *testing.T) {
		db := storage.SetupTestDB(t)
		repo := storage.NewAssetRepository(db)

		key := models.AssetKey{Name: "orders", URI: "s3://bucket/orders"}
		require.NoError(t, repo.CreateAsset(ctx, &storage.AssetModel{Name: key.Name, URI: key.URI}))
		require.NoError(t, repo.Activate(ctx, key))

		active, err := repo.IsActive(ctx, key)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("claimed name keeps the asset inactive", func(t *testing.T) {
		db := storage.SetupTestDB(t)
		repo := storage.NewAssetRepository(db)

		first := models.AssetKey{Name: "orders", URI: "s3://bucket/v1"}
		require.NoError(t, repo.CreateAsset(ctx, &storage.AssetModel{Name: first.Name, URI: first.URI}))
		require.NoError(t, repo.Activate(ctx, first))

		second := models.AssetKey{Name: "orders", URI: "s3://bucket/v2"}
		require.NoError(t, repo.CreateAsset(ctx, &storage.AssetModel{Name: second.Name, URI: second.URI}))
		require.NoError(t, repo.Activate(ctx, second))

		active, err := repo.IsActive(ctx, second)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("activate is idempotent", func(t *testing.T) {
		db := storage.SetupTestDB(t)
		repo := storage.NewAssetRepository(db)

		key := models.AssetKey{Name: "orders", URI: "s3://bucket/orders"}
		require.NoError(t, repo.CreateAsset(ctx, &storage.AssetModel{Name: key.Name, URI: key.URI}))
		require.NoError(t, repo.Activate(ctx, key))
		require.NoError(t, repo.Activate(ctx, key))
	})
}

func TestAssetRepository_Lookups(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewAssetRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateAsset(ctx, &storage.AssetModel{Name: "orders", URI: "s3://bucket/orders"}))

	byName, err := repo.GetByName(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/orders", byName.URI)

	byURI, err := repo.GetByURI(ctx, "s3://bucket/orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", byURI.Name)

	_, err = repo.GetByName(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAssetRepository_Aliases(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewAssetRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateAlias(ctx, "latest"))
	require.NoError(t, repo.CreateAlias(ctx, "latest"))

	exists, err := repo.AliasExists(ctx, "latest")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.AliasExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAssetRepository_Events(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewAssetRepository(db)
	ctx := context.Background()

	asset := &storage.AssetModel{Name: "orders", URI: "s3://bucket/orders"}
	require.NoError(t, repo.CreateAsset(ctx, asset))

	alias := "latest"
	require.NoError(t, repo.CreateEvent(ctx, &storage.AssetEventModel{
		AssetID:      asset.ID,
		Extra:        storage.JSONB{"rows": 42.0},
		SourceDagID:  "etl",
		SourceRunID:  "manual__1",
		SourceTaskID: "load",
	}))
	require.NoError(t, repo.CreateEvent(ctx, &storage.AssetEventModel{
		AssetID:         asset.ID,
		SourceDagID:     "etl",
		SourceRunID:     "manual__2",
		SourceTaskID:    "load",
		SourceAliasName: &alias,
	}))

	events, err := repo.ListEvents(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 42.0, events[0].Extra["rows"])
	assert.Nil(t, events[0].SourceAliasName)
	require.NotNil(t, events[1].SourceAliasName)
	assert.Equal(t, "latest", *events[1].SourceAliasName)
}
