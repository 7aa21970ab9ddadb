package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/pkg/logger"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a feed, tenant or cache does not exist or is
// not active.
var ErrNotFound = errors.New("record not found")

// SyncInterruptedMessage is stored on feeds recovered from a stale syncing state
const SyncInterruptedMessage = "sync interrupted"

const idBatchSize = 500

// Store is the gorm backed persistence gateway for feeds, products and
// feed caches.
type Store struct {
	db *gorm.DB
}

// New creates a Store on an open connection
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// activeFeeds selects active feeds of active, not deleted tenants
func (s *Store) activeFeeds(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&model.Feed{}).
		Joins("JOIN tenants ON tenants.id = feeds.tenant_id AND tenants.deleted_at IS NULL").
		Where("feeds.is_active = ? AND tenants.active = ?", true, true)
}

// ListFeedsDueForSync returns feeds that never synced or whose next sync
// time has passed. Feeds currently syncing are left out.
func (s *Store) ListFeedsDueForSync(ctx context.Context, now time.Time) ([]model.Feed, error) {
	defer prometheus.TrackDBOperation("list_due_feeds")(time.Now())

	var feeds []model.Feed
	err := s.activeFeeds(ctx).
		Where("feeds.status <> ?", model.FeedStatusSyncing).
		Where("(feeds.next_sync_at IS NULL OR feeds.next_sync_at <= ?)", now).
		Order("feeds.id").
		Find(&feeds).Error
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	return feeds, nil
}

// ListAllActiveFeeds returns every active feed regardless of schedule
func (s *Store) ListAllActiveFeeds(ctx context.Context) ([]model.Feed, error) {
	defer prometheus.TrackDBOperation("list_active_feeds")(time.Now())

	var feeds []model.Feed
	if err := s.activeFeeds(ctx).Order("feeds.id").Find(&feeds).Error; err != nil {
		return nil, fmt.Errorf("list active feeds: %w", err)
	}
	return feeds, nil
}

// GetFeed loads a feed by id, active or not
func (s *Store) GetFeed(ctx context.Context, id uint) (*model.Feed, error) {
	defer prometheus.TrackDBOperation("get_feed")(time.Now())

	var feed model.Feed
	if err := s.db.WithContext(ctx).First(&feed, id).Error; err != nil {
		return nil, notFound(err, "get feed %d", id)
	}
	return &feed, nil
}

// GetFeedByTenantSlug returns the first active feed of an active tenant
func (s *Store) GetFeedByTenantSlug(ctx context.Context, slug string) (*model.Feed, error) {
	defer prometheus.TrackDBOperation("get_feed_by_slug")(time.Now())

	var feed model.Feed
	err := s.activeFeeds(ctx).
		Where("tenants.slug = ?", slug).
		Order("feeds.id").
		First(&feed).Error
	if err != nil {
		return nil, notFound(err, "get feed of tenant %q", slug)
	}
	return &feed, nil
}

// SetFeedSyncing claims the feed for a sync run. It only succeeds when the
// feed is not already syncing; claimed is false otherwise.
func (s *Store) SetFeedSyncing(ctx context.Context, id uint, now time.Time) (bool, error) {
	defer prometheus.TrackDBOperation("claim_feed")(time.Now())

	result := s.db.WithContext(ctx).
		Model(&model.Feed{}).
		Where("id = ? AND status <> ?", id, model.FeedStatusSyncing).
		Updates(map[string]interface{}{
			"status":          model.FeedStatusSyncing,
			"sync_started_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark feed %d syncing: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetFeedActive records a successful sync and schedules the next one
func (s *Store) SetFeedActive(ctx context.Context, id uint, productCount, intervalMinutes int, now time.Time) error {
	defer prometheus.TrackDBOperation("feed_active")(time.Now())

	next := now.Add(time.Duration(intervalMinutes) * time.Minute)
	err := s.db.WithContext(ctx).
		Model(&model.Feed{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          model.FeedStatusActive,
			"last_sync_at":    now,
			"next_sync_at":    next,
			"last_error":      "",
			"product_count":   productCount,
			"sync_started_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark feed %d active: %w", id, err)
	}
	return nil
}

// SetFeedError records a failed sync. nextSyncAt is only written when
// non-nil, so by default the feed stays due.
func (s *Store) SetFeedError(ctx context.Context, id uint, message string, nextSyncAt *time.Time) error {
	defer prometheus.TrackDBOperation("feed_error")(time.Now())

	updates := map[string]interface{}{
		"status":          model.FeedStatusError,
		"last_error":      TruncateError(message),
		"sync_started_at": nil,
	}
	if nextSyncAt != nil {
		updates["next_sync_at"] = *nextSyncAt
	}

	err := s.db.WithContext(ctx).Model(&model.Feed{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark feed %d error: %w", id, err)
	}
	return nil
}

// ResetStaleSyncing moves feeds stuck in syncing since before olderThan to
// error. It returns the number of feeds reset.
func (s *Store) ResetStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error) {
	defer prometheus.TrackDBOperation("reset_stale")(time.Now())

	result := s.db.WithContext(ctx).
		Model(&model.Feed{}).
		Where("status = ?", model.FeedStatusSyncing).
		Where("(sync_started_at IS NULL OR sync_started_at < ?)", olderThan).
		Updates(map[string]interface{}{
			"status":          model.FeedStatusError,
			"last_error":      SyncInterruptedMessage,
			"sync_started_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reset stale syncing feeds: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// TruncateError caps a feed error message at model.MaxFeedErrorLength runes
func TruncateError(message string) string {
	r := []rune(message)
	if len(r) <= model.MaxFeedErrorLength {
		return message
	}
	return string(r[:model.MaxFeedErrorLength])
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// errorFields describes a database error for logs, including the
// Postgres SQLSTATE when there is one.
func errorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fields = append(fields,
			zap.String("sqlstate", pgErr.Code),
			zap.String("constraint", pgErr.ConstraintName),
			zap.String("detail", pgErr.Detail))
	}
	return fields
}

func logFor(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx)
}
