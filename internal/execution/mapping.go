package execution

import (
	"context"
	"errors"

	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/models"
)

// upstreamMapIndexes computes, for each upstream task of the instance,
// which map indexes of that task feed this instance:
//   - an upstream inside the same mapped task group maps one-to-one, so
//     it contributes this instance's own map index
//   - a mapped upstream outside the group contributes the sorted map
//     indexes of all its instances
//   - an unmapped upstream contributes nil
func (s *Service) upstreamMapIndexes(ctx context.Context, graph *models.DagGraph, ti *models.TaskInstance) (map[string]interface{}, error) {
	result := map[string]interface{}{}

	node := graph.Task(ti.TaskID)
	if node == nil {
		return result, nil
	}

	sameMappedGroup := node.GroupID != "" && graph.GroupMapped(node.GroupID)

	for _, upstreamID := range node.Upstream {
		upstream := graph.Task(upstreamID)
		if upstream == nil {
			continue
		}

		switch {
		case sameMappedGroup && upstream.GroupID == node.GroupID:
			result[upstreamID] = ti.MapIndex
		case upstream.Mapped:
			indexes, err := s.instances.MapIndexes(ctx, ti.DagID, ti.RunID, upstreamID)
			if err != nil {
				return nil, err
			}
			result[upstreamID] = indexes
		default:
			result[upstreamID] = nil
		}
	}
	return result, nil
}

// collectAssetEvents resolves the finishing task's declared outlets and
// reported outlet events into asset event rows. It returns forcedFail
// when a directly declared asset outlet is not active, which fails the
// attempt regardless of the reported terminal state.
func (s *Service) collectAssetEvents(ctx context.Context, ti *models.TaskInstance, req *StateUpdate) ([]storage.AssetEventModel, bool, error) {
	var events []storage.AssetEventModel
	seen := make(map[models.AssetKey]bool)

	extraFor := func(key models.AssetKey) storage.JSONB {
		for _, ev := range req.OutletEvents {
			if ev.SourceAliasName == "" && ev.DestAssetKey == key {
				return storage.JSONB(ev.Extra)
			}
		}
		return nil
	}

	for _, outlet := range req.TaskOutlets {
		if outlet.Type == models.AssetRefTypeAlias {
			continue
		}

		asset, err := s.resolveOutlet(ctx, outlet)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				if outlet.Type == models.AssetRefTypeAsset || outlet.Type == "" {
					return nil, true, nil
				}
				continue
			}
			return nil, false, err
		}

		active, err := s.assets.IsActive(ctx, asset.Key())
		if err != nil {
			return nil, false, err
		}
		if !active {
			if outlet.Type == models.AssetRefTypeAsset || outlet.Type == "" {
				return nil, true, nil
			}
			continue
		}

		if seen[asset.Key()] {
			continue
		}
		seen[asset.Key()] = true
		events = append(events, storage.AssetEventModel{
			AssetID:        asset.ID,
			Extra:          extraFor(asset.Key()),
			SourceDagID:    ti.DagID,
			SourceRunID:    ti.RunID,
			SourceTaskID:   ti.TaskID,
			SourceMapIndex: ti.MapIndex,
		})
	}

	// Alias-resolved events: only reported events whose alias exists
	// and whose destination asset is active count. The first event per
	// asset wins.
	for _, ev := range req.OutletEvents {
		if ev.SourceAliasName == "" {
			continue
		}

		exists, err := s.assets.AliasExists(ctx, ev.SourceAliasName)
		if err != nil {
			return nil, false, err
		}
		if !exists {
			continue
		}

		asset, err := s.assets.GetByKey(ctx, ev.DestAssetKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, false, err
		}

		active, err := s.assets.IsActive(ctx, asset.Key())
		if err != nil {
			return nil, false, err
		}
		if !active || seen[asset.Key()] {
			continue
		}
		seen[asset.Key()] = true

		alias := ev.SourceAliasName
		events = append(events, storage.AssetEventModel{
			AssetID:         asset.ID,
			Extra:           storage.JSONB(ev.Extra),
			SourceDagID:     ti.DagID,
			SourceRunID:     ti.RunID,
			SourceTaskID:    ti.TaskID,
			SourceMapIndex:  ti.MapIndex,
			SourceAliasName: &alias,
		})
	}

	return events, false, nil
}

func (s *Service) resolveOutlet(ctx context.Context, ref models.AssetRef) (*storage.AssetModel, error) {
	switch ref.Type {
	case models.AssetRefTypeNameRef:
		return s.assets.GetByName(ctx, ref.Name)
	case models.AssetRefTypeURIRef:
		return s.assets.GetByURI(ctx, ref.URI)
	default:
		uri := ref.URI
		if uri == "" {
			uri = ref.Name
		}
		return s.assets.GetByKey(ctx, models.AssetKey{Name: ref.Name, URI: uri})
	}
}

// ValidateInletsOutlets reports the instance's declared asset inlets
// and outlets that have no active asset behind them.
func (s *Service) ValidateInletsOutlets(ctx context.Context, tiID string) ([]models.AssetRef, error) {
	ti, err := s.getInstance(ctx, tiID)
	if err != nil {
		return nil, err
	}

	graph, err := s.dags.GetGraph(ctx, ti.DagID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []models.AssetRef{}, nil
		}
		return nil, err
	}

	node := graph.Task(ti.TaskID)
	if node == nil {
		return []models.AssetRef{}, nil
	}

	inactive := []models.AssetRef{}
	seen := make(map[models.AssetKey]bool)
	refs := append(append([]models.AssetRef{}, node.Inlets...), node.Outlets...)
	for _, ref := range refs {
		if ref.Type != models.AssetRefTypeAsset && ref.Type != "" {
			continue
		}

		uri := ref.URI
		if uri == "" {
			uri = ref.Name
		}
		key := models.AssetKey{Name: ref.Name, URI: uri}
		if seen[key] {
			continue
		}
		seen[key] = true

		active, err := s.assets.IsActive(ctx, key)
		if err != nil {
			return nil, err
		}
		if !active {
			inactive = append(inactive, models.AssetRef{
				Name: ref.Name,
				URI:  uri,
				Type: models.AssetRefTypeAsset,
			})
		}
	}
	return inactive, nil
}
