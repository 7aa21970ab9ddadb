package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/normalizer"
	"github.com/suteetoe/feedsync/internal/notify"
	"github.com/suteetoe/feedsync/internal/parser"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/pkg/config"
	"github.com/suteetoe/feedsync/pkg/logger"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoValidProducts means every parsed record was dropped by validation
	ErrNoValidProducts = errors.New("no valid products in feed")
	// ErrFeedBusy means another sync of the same feed is running
	ErrFeedBusy = errors.New("feed sync already in progress")
)

// Gateway is the persistence the orchestrator needs
type Gateway interface {
	ListFeedsDueForSync(ctx context.Context, now time.Time) ([]model.Feed, error)
	ListAllActiveFeeds(ctx context.Context) ([]model.Feed, error)
	GetFeed(ctx context.Context, id uint) (*model.Feed, error)
	GetFeedByTenantSlug(ctx context.Context, slug string) (*model.Feed, error)
	SetFeedSyncing(ctx context.Context, id uint, now time.Time) (bool, error)
	SetFeedActive(ctx context.Context, id uint, productCount, intervalMinutes int, now time.Time) error
	SetFeedError(ctx context.Context, id uint, message string, nextSyncAt *time.Time) error
	ResetStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error)
	UpsertProducts(ctx context.Context, tenantID, feedID uint, products []model.Product, now time.Time) (store.UpsertResult, error)
	DeactivateStaleProducts(ctx context.Context, tenantID, feedID uint, activeExternalIDs []string) (int64, error)
	ListActiveProducts(ctx context.Context, tenantID uint, limit int) ([]model.Product, error)
	RebuildFeedCache(ctx context.Context, tenantID, feedID uint, products []model.Product, campaigns []model.Campaign, maxProducts int, now time.Time) (*model.FeedCache, bool, error)
}

// Fetcher downloads a feed document
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FeedResult is the outcome of one feed sync
type FeedResult struct {
	Success      bool   `json:"success"`
	FeedID       uint   `json:"feedId"`
	TenantID     uint   `json:"tenantId"`
	ProductCount int    `json:"productCount"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Errors       int    `json:"errors"`
	Deactivated  int64  `json:"deactivated"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"durationMs"`
	// Err keeps the typed failure for callers mapping it to a status code
	Err error `json:"-"`
}

// Summary aggregates the results of one trigger
type Summary struct {
	Success        bool         `json:"success"`
	FeedsProcessed int          `json:"feedsProcessed"`
	SuccessCount   int          `json:"successCount"`
	ErrorCount     int          `json:"errorCount"`
	TotalProducts  int          `json:"totalProducts"`
	DurationMs     int64        `json:"durationMs"`
	Results        []FeedResult `json:"results"`
}

// Option configures a Syncer
type Option func(*Syncer)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithNotifier sets where cache changes are announced
func WithNotifier(n notify.Notifier) Option {
	return func(s *Syncer) { s.notifier = n }
}

// Syncer runs feed syncs through fetch, parse, normalize and persist with
// a process-wide bound on concurrent runs.
type Syncer struct {
	gateway  Gateway
	fetcher  Fetcher
	parsers  *parser.Factory
	notifier notify.Notifier
	cfg      config.SyncConfig
	cacheCfg config.CacheConfig
	log      *zap.Logger
	now      func() time.Time

	sem      *semaphore.Weighted
	inflight sync.Map
}

// New creates a Syncer
func New(gateway Gateway, fetcher Fetcher, parsers *parser.Factory, cfg config.SyncConfig, cacheCfg config.CacheConfig, log *zap.Logger, opts ...Option) *Syncer {
	limit := cfg.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	s := &Syncer{
		gateway:  gateway,
		fetcher:  fetcher,
		parsers:  parsers,
		cfg:      cfg,
		cacheCfg: cacheCfg,
		log:      log,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(limit)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(log)
	}
	return s
}

// SyncDue syncs every feed whose next sync time has passed
func (s *Syncer) SyncDue(ctx context.Context) Summary {
	start := s.now()
	feeds, err := s.gateway.ListFeedsDueForSync(ctx, start)
	if err != nil {
		s.log.Error("Failed to list feeds due for sync", zap.Error(err))
		return s.summarize(start, nil, false)
	}
	return s.summarize(start, s.runFeeds(ctx, feeds), true)
}

// SyncAll syncs every active feed regardless of schedule
func (s *Syncer) SyncAll(ctx context.Context) Summary {
	start := s.now()
	feeds, err := s.gateway.ListAllActiveFeeds(ctx)
	if err != nil {
		s.log.Error("Failed to list active feeds", zap.Error(err))
		return s.summarize(start, nil, false)
	}
	return s.summarize(start, s.runFeeds(ctx, feeds), true)
}

// SyncFeed syncs one feed now
func (s *Syncer) SyncFeed(ctx context.Context, id uint) Summary {
	start := s.now()
	feed, err := s.gateway.GetFeed(ctx, id)
	if err != nil {
		return s.summarize(start, []FeedResult{failed(model.Feed{ID: id}, err, 0)}, true)
	}
	return s.summarize(start, s.runFeeds(ctx, []model.Feed{*feed}), true)
}

// SyncTenant syncs the feed of the tenant with the given slug now
func (s *Syncer) SyncTenant(ctx context.Context, slug string) Summary {
	start := s.now()
	feed, err := s.gateway.GetFeedByTenantSlug(ctx, slug)
	if err != nil {
		return s.summarize(start, []FeedResult{failed(model.Feed{}, err, 0)}, true)
	}
	return s.summarize(start, s.runFeeds(ctx, []model.Feed{*feed}), true)
}

// runFeeds starts one sync per feed, never more than the configured bound
// at a time. Feeds not started before ctx ends are left out.
func (s *Syncer) runFeeds(ctx context.Context, feeds []model.Feed) []FeedResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]FeedResult, 0, len(feeds))
	)

	for i, feed := range feeds {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.log.Warn("Stopped scheduling feed syncs", zap.Error(err), zap.Int("remaining", len(feeds)-i))
			break
		}
		wg.Add(1)
		go func(feed model.Feed) {
			defer wg.Done()
			defer s.sem.Release(1)

			res := s.syncFeed(ctx, feed)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(feed)
	}

	wg.Wait()
	return results
}

func (s *Syncer) syncFeed(ctx context.Context, feed model.Feed) FeedResult {
	start := s.now()
	log := s.log.With(
		zap.Uint("feed_id", feed.ID),
		zap.Uint("tenant_id", feed.TenantID),
		zap.String("url", feed.URL),
	)
	ctx = logger.WithContext(ctx, log)

	if _, held := s.inflight.LoadOrStore(feed.ID, struct{}{}); held {
		log.Info("Feed sync skipped, already running in this process")
		return failed(feed, ErrFeedBusy, 0)
	}
	defer s.inflight.Delete(feed.ID)

	claimed, err := s.gateway.SetFeedSyncing(ctx, feed.ID, start)
	if err != nil {
		log.Error("Failed to mark feed syncing", zap.Error(err))
		return failed(feed, err, s.now().Sub(start))
	}
	if !claimed {
		log.Info("Feed sync skipped, already syncing")
		return failed(feed, ErrFeedBusy, s.now().Sub(start))
	}

	prometheus.SyncStarted()
	defer prometheus.SyncFinished()

	res, err := s.run(ctx, feed)
	duration := s.now().Sub(start)
	res.DurationMs = duration.Milliseconds()

	if err != nil {
		s.markError(ctx, feed, err)
		prometheus.RecordFeedSync("error", duration)
		log.Error("Feed sync failed", zap.Error(err), zap.Duration("duration", duration))
		return failed(feed, err, duration)
	}

	prometheus.RecordFeedSync("success", duration)
	log.Info("Feed synced successfully",
		zap.Int("products", res.ProductCount),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("errors", res.Errors),
		zap.Int64("deactivated", res.Deactivated),
		zap.Duration("duration", duration))
	return res
}

// run executes the stages of one sync in order. Any error aborts the run.
func (s *Syncer) run(ctx context.Context, feed model.Feed) (FeedResult, error) {
	res := FeedResult{FeedID: feed.ID, TenantID: feed.TenantID}
	log := logger.FromContext(ctx)

	body, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return res, err
	}

	p, format := s.parsers.Select(feed.Format, body, s.cfg.AutoDetect)
	parsed, err := p.Parse(body)
	if err != nil {
		return res, err
	}
	for _, w := range parsed.Metadata.Warnings {
		log.Warn("Parser warning", zap.String("warning", w))
	}
	log.Debug("Feed parsed",
		zap.String("format", string(format)),
		zap.String("parser", parsed.Metadata.Parser),
		zap.String("container", parsed.Metadata.ContainerPath),
		zap.Int("items", parsed.Metadata.ItemCount),
		zap.Int("campaigns", len(parsed.Campaigns)))

	products, stats := normalizer.Normalize(parsed.Products, parsed.Metadata.IDStrategy)
	if len(products) == 0 {
		return res, fmt.Errorf("%w: %d records parsed, %d invalid", ErrNoValidProducts, stats.Input, stats.Invalid)
	}
	if stats.Duplicates > 0 {
		log.Info("Duplicate products dropped", zap.Int("duplicates", stats.Duplicates))
	}

	ids := make([]string, len(products))
	for i := range products {
		products[i].TenantID = feed.TenantID
		products[i].FeedID = feed.ID
		ids[i] = products[i].ExternalID
	}

	now := s.now()
	upserted, err := s.gateway.UpsertProducts(ctx, feed.TenantID, feed.ID, products, now)
	if err != nil {
		return res, fmt.Errorf("upsert products: %w", err)
	}
	res.Created, res.Updated, res.Errors = upserted.Created, upserted.Updated, upserted.Errors

	res.Deactivated, err = s.gateway.DeactivateStaleProducts(ctx, feed.TenantID, feed.ID, ids)
	if err != nil {
		return res, fmt.Errorf("deactivate stale products: %w", err)
	}

	// the snapshot covers every feed of the tenant
	catalog, err := s.gateway.ListActiveProducts(ctx, feed.TenantID, s.cacheCfg.MaxProducts)
	if err != nil {
		return res, fmt.Errorf("list tenant products: %w", err)
	}
	cache, changed, err := s.gateway.RebuildFeedCache(ctx, feed.TenantID, feed.ID, catalog, parsed.Campaigns, s.cacheCfg.MaxProducts, now)
	if err != nil {
		return res, fmt.Errorf("rebuild feed cache: %w", err)
	}

	interval := feed.SyncIntervalMinutes
	if interval <= 0 {
		interval = s.cfg.DefaultIntervalMinutes
	}
	if err := s.gateway.SetFeedActive(ctx, feed.ID, len(products), interval, s.now()); err != nil {
		return res, fmt.Errorf("mark feed active: %w", err)
	}

	if changed {
		s.announce(ctx, cache)
	}

	res.Success = true
	res.ProductCount = len(products)
	return res, nil
}

// markError moves the feed to error. It runs even when ctx is cancelled so
// a shutdown does not leave the feed stuck in syncing.
func (s *Syncer) markError(ctx context.Context, feed model.Feed, cause error) {
	var next *time.Time
	if s.cfg.ErrorRetryDelay > 0 {
		t := s.now().Add(s.cfg.ErrorRetryDelay)
		next = &t
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.gateway.SetFeedError(ctx, feed.ID, cause.Error(), next); err != nil {
		logger.FromContext(ctx).Error("Failed to mark feed error", zap.Error(err))
	}
}

func (s *Syncer) announce(ctx context.Context, cache *model.FeedCache) {
	event := notify.CacheUpdated{
		TenantID:     cache.TenantID,
		Checksum:     cache.Checksum,
		ProductCount: cache.ProductCount,
		UpdatedAt:    cache.UpdatedAt,
	}
	if err := s.notifier.CacheUpdated(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish cache update", zap.Error(err))
	}
}

func (s *Syncer) summarize(start time.Time, results []FeedResult, listed bool) Summary {
	sum := Summary{
		Success:        listed,
		FeedsProcessed: len(results),
		Results:        results,
	}
	if sum.Results == nil {
		sum.Results = []FeedResult{}
	}
	for _, r := range results {
		if r.Success {
			sum.SuccessCount++
			sum.TotalProducts += r.ProductCount
		} else {
			sum.ErrorCount++
		}
	}
	if sum.ErrorCount > 0 {
		sum.Success = false
	}
	sum.DurationMs = s.now().Sub(start).Milliseconds()
	return sum
}

func failed(feed model.Feed, err error, duration time.Duration) FeedResult {
	return FeedResult{
		FeedID:     feed.ID,
		TenantID:   feed.TenantID,
		Error:      store.TruncateError(err.Error()),
		DurationMs: duration.Milliseconds(),
		Err:        err,
	}
}
