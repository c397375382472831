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

type dagRepository struct {
	db     *gorm.DB
	assets AssetRepository
}

// NewDagRepository creates a new DAG graph repository
func NewDagRepository(db *gorm.DB, assets AssetRepository) DagRepository {
	return &dagRepository{db: db, assets: assets}
}

// Register upserts the serialized task graph and activates the assets
// it declares. An asset whose name or uri is already actively claimed
// stays inactive; validate-inlets-and-outlets reports those.
func (r *dagRepository) Register(ctx context.Context, graph *models.DagGraph) error {
	if graph.DagID == "" {
		return fmt.Errorf("%w: missing dag id", ErrInvalidInput)
	}

	now := time.Now().UTC()
	model := DagModel{
		DagID:     graph.DagID,
		Tasks:     TaskNodeList(graph.Tasks),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dag_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tasks", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to register dag: %w", err)
	}

	for _, task := range graph.Tasks {
		for _, ref := range append(append([]models.AssetRef{}, task.Inlets...), task.Outlets...) {
			if err := r.registerAssetRef(ctx, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *dagRepository) registerAssetRef(ctx context.Context, ref models.AssetRef) error {
	switch ref.Type {
	case models.AssetRefTypeAlias:
		return r.assets.CreateAlias(ctx, ref.Name)
	case models.AssetRefTypeNameRef, models.AssetRefTypeURIRef:
		// References resolve against assets declared elsewhere.
		return nil
	default:
		uri := ref.URI
		if uri == "" {
			uri = ref.Name
		}
		asset := AssetModel{Name: ref.Name, URI: uri, Group: "asset", CreatedAt: time.Now().UTC()}
		if err := r.assets.CreateAsset(ctx, &asset); err != nil {
			return err
		}
		return r.assets.Activate(ctx, models.AssetKey{Name: asset.Name, URI: asset.URI})
	}
}

func (r *dagRepository) GetGraph(ctx context.Context, dagID string) (*models.DagGraph, error) {
	var model DagModel
	if err := r.db.WithContext(ctx).Where("dag_id = ?", dagID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("dag %s: %w", dagID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dag: %w", err)
	}
	return model.ToGraph(), nil
}

func (r *dagRepository) Delete(ctx context.Context, dagID string) error {
	result := r.db.WithContext(ctx).Delete(&DagModel{}, "dag_id = ?", dagID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete dag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dag %s: %w", dagID, ErrNotFound)
	}
	return nil
}
