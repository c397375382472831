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

type assetRepository struct {
	db *gorm.DB
}

// NewAssetRepository creates a new asset repository
func NewAssetRepository(db *gorm.DB) AssetRepository {
	return &assetRepository{db: db}
}

func (r *assetRepository) CreateAsset(ctx context.Context, asset *AssetModel) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	if asset.Group == "" {
		asset.Group = "asset"
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "uri"}},
		DoNothing: true,
	}).Create(asset).Error
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}

	// OnConflict DoNothing leaves the autoincrement id unset on the
	// conflicting row, so reload it.
	if asset.ID == 0 {
		existing, err := r.GetByKey(ctx, asset.Key())
		if err != nil {
			return err
		}
		asset.ID = existing.ID
	}
	return nil
}

func (r *assetRepository) Activate(ctx context.Context, key models.AssetKey) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&AssetActiveModel{}).
			Where("(name = ? AND uri <> ?) OR (uri = ? AND name <> ?)",
				key.Name, key.URI, key.URI, key.Name).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check active assets: %w", err)
		}
		if count > 0 {
			// Name or uri is claimed by a different active asset; this
			// one stays inactive.
			return nil
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&AssetActiveModel{Name: key.Name, URI: key.URI}).Error
	})
}

func (r *assetRepository) GetByKey(ctx context.Context, key models.AssetKey) (*AssetModel, error) {
	var model AssetModel
	err := r.db.WithContext(ctx).
		Where("name = ? AND uri = ?", key.Name, key.URI).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %s (%s): %w", key.Name, key.URI, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &model, nil
}

func (r *assetRepository) GetByName(ctx context.Context, name string) (*AssetModel, error) {
	var model AssetModel
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset named %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset by name: %w", err)
	}
	return &model, nil
}

func (r *assetRepository) GetByURI(ctx context.Context, uri string) (*AssetModel, error) {
	var model AssetModel
	err := r.db.WithContext(ctx).Where("uri = ?", uri).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset at %s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset by uri: %w", err)
	}
	return &model, nil
}

func (r *assetRepository) IsActive(ctx context.Context, key models.AssetKey) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AssetActiveModel{}).
		Where("name = ? AND uri = ?", key.Name, key.URI).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check asset active: %w", err)
	}
	return count > 0, nil
}

func (r *assetRepository) CreateAlias(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&AssetAliasModel{Name: name, Group: "alias"}).Error
	if err != nil {
		return fmt.Errorf("failed to create asset alias: %w", err)
	}
	return nil
}

func (r *assetRepository) AliasExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AssetAliasModel{}).
		Where("name = ?", name).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check asset alias: %w", err)
	}
	return count > 0, nil
}

func (r *assetRepository) CreateEvent(ctx context.Context, event *AssetEventModel) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create asset event: %w", err)
	}
	return nil
}

func (r *assetRepository) ListEvents(ctx context.Context, assetID int64) ([]AssetEventModel, error) {
	var events []AssetEventModel
	err := r.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list asset events: %w", err)
	}
	return events, nil
}
