package store

import (
	"context"
	"fmt"
	"time"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// UpsertResult counts the outcome of an UpsertProducts batch
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

var productUpsertColumns = []string{
	"feed_id", "title", "description", "price", "sale_price", "currency",
	"image_url", "product_url", "category", "brand", "stock_status",
	"attributes", "is_active", "last_seen_at", "updated_at",
}

// UpsertProducts writes products keyed by (tenant, external id). Each
// record is written on its own so a failing row is counted and logged
// without stopping the rest of the batch. Every written product is active.
func (s *Store) UpsertProducts(ctx context.Context, tenantID, feedID uint, products []model.Product, now time.Time) (UpsertResult, error) {
	defer prometheus.TrackDBOperation("upsert_products")(time.Now())

	var result UpsertResult
	existing, err := s.existingExternalIDs(ctx, tenantID, products)
	if err != nil {
		return result, err
	}

	log := logFor(ctx)
	db := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(productUpsertColumns),
	})

	for i := range products {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		p := products[i]
		p.ID = 0
		p.TenantID = tenantID
		p.FeedID = feedID
		p.IsActive = true
		p.LastSeenAt = &now

		if err := db.Create(&p).Error; err != nil {
			result.Errors++
			log.Warn("Failed to upsert product",
				append(errorFields(err),
					zap.Uint("tenant_id", tenantID),
					zap.String("external_id", p.ExternalID))...)
			continue
		}
		if existing[p.ExternalID] {
			result.Updated++
		} else {
			result.Created++
		}
	}

	prometheus.RecordUpsert(result.Created, result.Updated, result.Errors)
	return result, nil
}

func (s *Store) existingExternalIDs(ctx context.Context, tenantID uint, products []model.Product) (map[string]bool, error) {
	existing := make(map[string]bool, len(products))
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ExternalID)
	}

	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		var found []string
		err := s.db.WithContext(ctx).
			Model(&model.Product{}).
			Where("tenant_id = ? AND external_id IN ?", tenantID, ids[start:end]).
			Pluck("external_id", &found).Error
		if err != nil {
			return nil, fmt.Errorf("look up existing products: %w", err)
		}
		for _, id := range found {
			existing[id] = true
		}
	}
	return existing, nil
}

// DeactivateStaleProducts marks inactive the feed's active products whose
// external id is not in activeExternalIDs. Rows are never deleted. The
// stale set is computed here and updated in batches so the statement size
// does not grow with the feed.
func (s *Store) DeactivateStaleProducts(ctx context.Context, tenantID, feedID uint, activeExternalIDs []string) (int64, error) {
	defer prometheus.TrackDBOperation("deactivate_products")(time.Now())

	var current []string
	err := s.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("tenant_id = ? AND feed_id = ? AND is_active = ?", tenantID, feedID, true).
		Pluck("external_id", &current).Error
	if err != nil {
		return 0, fmt.Errorf("list active products of feed: %w", err)
	}

	keep := make(map[string]struct{}, len(activeExternalIDs))
	for _, id := range activeExternalIDs {
		keep[id] = struct{}{}
	}
	stale := make([]string, 0)
	for _, id := range current {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}

	var total int64
	for start := 0; start < len(stale); start += idBatchSize {
		end := start + idBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		result := s.db.WithContext(ctx).
			Model(&model.Product{}).
			Where("tenant_id = ? AND feed_id = ? AND is_active = ? AND external_id IN ?", tenantID, feedID, true, stale[start:end]).
			Update("is_active", false)
		if result.Error != nil {
			prometheus.RecordDeactivated(total)
			return total, fmt.Errorf("deactivate stale products: %w", result.Error)
		}
		total += result.RowsAffected
	}

	prometheus.RecordDeactivated(total)
	return total, nil
}

// ListActiveProducts returns a tenant's active products, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListActiveProducts(ctx context.Context, tenantID uint, limit int) ([]model.Product, error) {
	defer prometheus.TrackDBOperation("list_products")(time.Now())

	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var products []model.Product
	if err := q.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	return products, nil
}
