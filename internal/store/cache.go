package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// CachedProduct is the snapshot form of a product. Money is written with
// two decimals.
type CachedProduct struct {
	ID          string         `json:"id"`
	FeedID      uint           `json:"feed_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Price       string         `json:"price"`
	SalePrice   *string        `json:"sale_price,omitempty"`
	Currency    string         `json:"currency"`
	ImageURL    string         `json:"image_url,omitempty"`
	ProductURL  string         `json:"product_url,omitempty"`
	Category    string         `json:"category,omitempty"`
	Brand       string         `json:"brand,omitempty"`
	StockStatus string         `json:"stock_status"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

func cachedProduct(p model.Product) CachedProduct {
	c := CachedProduct{
		ID:          p.ExternalID,
		FeedID:      p.FeedID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price.StringFixed(2),
		Currency:    p.Currency,
		ImageURL:    p.ImageURL,
		ProductURL:  p.ProductURL,
		Category:    p.Category,
		Brand:       p.Brand,
		StockStatus: string(p.StockStatus),
		Attributes:  p.Attributes,
	}
	if p.SalePrice != nil {
		sale := p.SalePrice.StringFixed(2)
		c.SalePrice = &sale
	}
	return c
}

// RebuildFeedCache replaces the tenant's snapshot with at most maxProducts
// of products. campaigns are the ones just read from feedID; campaigns of
// the tenant's other feeds are carried over from the previous snapshot.
// changed reports whether the checksum differs from the previous snapshot.
func (s *Store) RebuildFeedCache(ctx context.Context, tenantID, feedID uint, products []model.Product, campaigns []model.Campaign, maxProducts int, now time.Time) (*model.FeedCache, bool, error) {
	defer prometheus.TrackDBOperation("rebuild_cache")(time.Now())

	if maxProducts > 0 && len(products) > maxProducts {
		products = products[:maxProducts]
	}
	view := make([]CachedProduct, len(products))
	for i := range products {
		view[i] = cachedProduct(products[i])
	}

	var previous model.FeedCache
	found := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Limit(1).Find(&previous)
	if found.Error != nil {
		return nil, false, fmt.Errorf("load feed cache: %w", found.Error)
	}

	merged := make([]model.Campaign, 0, len(campaigns))
	if found.RowsAffected > 0 && len(previous.Campaigns) > 0 {
		var old []model.Campaign
		if err := json.Unmarshal(previous.Campaigns, &old); err != nil {
			logFor(ctx).Warn("Dropping unreadable cached campaigns", zap.Uint("tenant_id", tenantID), zap.Error(err))
		}
		for _, c := range old {
			if c.FeedID != feedID {
				merged = append(merged, c)
			}
		}
	}
	for _, c := range campaigns {
		c.FeedID = feedID
		merged = append(merged, c)
	}

	productsJSON, err := json.Marshal(view)
	if err != nil {
		return nil, false, fmt.Errorf("encode cache products: %w", err)
	}
	campaignsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, false, fmt.Errorf("encode cache campaigns: %w", err)
	}

	cache := &model.FeedCache{
		TenantID:     tenantID,
		Products:     productsJSON,
		Campaigns:    campaignsJSON,
		ProductCount: len(view),
		Checksum:     Checksum(productsJSON, campaignsJSON),
		UpdatedAt:    now,
	}
	changed := found.RowsAffected == 0 || previous.Checksum != cache.Checksum

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"products", "campaigns", "product_count", "checksum", "updated_at"}),
	}).Create(cache).Error
	if err != nil {
		return nil, false, fmt.Errorf("save feed cache: %w", err)
	}
	return cache, changed, nil
}

// GetFeedCacheBySlug loads the snapshot of an active tenant
func (s *Store) GetFeedCacheBySlug(ctx context.Context, slug string) (*model.FeedCache, error) {
	defer prometheus.TrackDBOperation("get_cache")(time.Now())

	var cache model.FeedCache
	err := s.db.WithContext(ctx).
		Joins("JOIN tenants ON tenants.id = feed_caches.tenant_id AND tenants.deleted_at IS NULL").
		Where("tenants.slug = ? AND tenants.active = ?", slug, true).
		First(&cache).Error
	if err != nil {
		return nil, notFound(err, "get feed cache of tenant %q", slug)
	}
	return &cache, nil
}

// Checksum is the hex sha256 over the cache payload parts
func Checksum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
