package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

func xcomTestKey(mapIndex int) models.TaskInstanceKey {
	return models.TaskInstanceKey{
		DagID: "etl", RunID: "manual__1", TaskID: "extract", MapIndex: mapIndex,
	}
}

func TestXComRepository_SetAndGet(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewXComRepository(db)
	ctx := context.Background()
	key := xcomTestKey(models.UnmappedIndex)

	require.NoError(t, repo.Set(ctx, key, "rows", []byte(`{"count":10}`)))

	value, err := repo.Get(ctx, key, "rows")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":10}`, string(value))

	t.Run("set again overwrites", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, key, "rows", []byte(`{"count":20}`)))

		value, err := repo.Get(ctx, key, "rows")
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":20}`, string(value))
	})

	t.Run("map index is part of the key", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, xcomTestKey(0), "rows", []byte(`{"count":1}`)))

		value, err := repo.Get(ctx, xcomTestKey(0), "rows")
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":1}`, string(value))

		value, err = repo.Get(ctx, key, "rows")
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":20}`, string(value))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := repo.Get(ctx, key, "ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestXComRepository_Delete(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewXComRepository(db)
	ctx := context.Background()
	key := xcomTestKey(models.UnmappedIndex)

	require.NoError(t, repo.Set(ctx, key, "rows", []byte(`1`)))
	require.NoError(t, repo.Delete(ctx, key, "rows"))

	_, err := repo.Get(ctx, key, "rows")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, repo.Delete(ctx, key, "rows"))
}

func TestXComRepository_Keys(t *testing.T) {
	db := storage.SetupTestDB(t)
	repo := storage.NewXComRepository(db)
	ctx := context.Background()
	key := xcomTestKey(models.UnmappedIndex)

	for _, k := range []string{"rows", "path", "checksum"} {
		require.NoError(t, repo.Set(ctx, key, k, []byte(`1`)))
	}
	require.NoError(t, repo.Set(ctx, xcomTestKey(0), "other", []byte(`1`)))

	keys, err := repo.Keys(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"checksum", "path", "rows"}, keys)
}
