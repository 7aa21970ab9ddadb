package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suteetoe/feedsync/internal/fetcher"
	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/notify"
	"github.com/suteetoe/feedsync/internal/parser"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/pkg/config"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway keeps feeds and per-feed active product ids in memory
type fakeGateway struct {
	mu       sync.Mutex
	feeds    map[uint]*model.Feed
	slugs    map[string]uint
	active   map[uint]map[string]bool
	checksum map[uint]string
	upserts  int
	staleAt  time.Time
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		feeds:    make(map[uint]*model.Feed),
		slugs:    make(map[string]uint),
		active:   make(map[uint]map[string]bool),
		checksum: make(map[uint]string),
	}
}

func (g *fakeGateway) addFeed(id uint, status model.FeedStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feeds[id] = &model.Feed{
		ID:                  id,
		TenantID:            id + 100,
		URL:                 fmt.Sprintf("http://feeds.test/%d.xml", id),
		Format:              model.FeedFormatCustom,
		Status:              status,
		SyncIntervalMinutes: 30,
		IsActive:            true,
	}
	g.slugs[fmt.Sprintf("tenant-%d", id)] = id
}

func (g *fakeGateway) feed(id uint) model.Feed {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.feeds[id]
}

func (g *fakeGateway) sorted(match func(*model.Feed) bool) []model.Feed {
	var out []model.Feed
	for _, f := range g.feeds {
		if match(f) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *fakeGateway) ListFeedsDueForSync(_ context.Context, now time.Time) ([]model.Feed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sorted(func(f *model.Feed) bool {
		return f.Status != model.FeedStatusSyncing && (f.NextSyncAt == nil || !f.NextSyncAt.After(now))
	}), nil
}

func (g *fakeGateway) ListAllActiveFeeds(_ context.Context) ([]model.Feed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sorted(func(*model.Feed) bool { return true }), nil
}

func (g *fakeGateway) GetFeed(_ context.Context, id uint) (*model.Feed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.feeds[id]
	if !ok {
		return nil, fmt.Errorf("get feed %d: %w", id, store.ErrNotFound)
	}
	feed := *f
	return &feed, nil
}

func (g *fakeGateway) GetFeedByTenantSlug(ctx context.Context, slug string) (*model.Feed, error) {
	g.mu.Lock()
	id, ok := g.slugs[slug]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get feed for tenant %q: %w", slug, store.ErrNotFound)
	}
	return g.GetFeed(ctx, id)
}

func (g *fakeGateway) SetFeedSyncing(_ context.Context, id uint, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.feeds[id]
	if f.Status == model.FeedStatusSyncing {
		return false, nil
	}
	f.Status = model.FeedStatusSyncing
	f.SyncStartedAt = &now
	return true, nil
}

func (g *fakeGateway) SetFeedActive(_ context.Context, id uint, productCount, intervalMinutes int, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.feeds[id]
	next := now.Add(time.Duration(intervalMinutes) * time.Minute)
	f.Status = model.FeedStatusActive
	f.LastSyncAt = &now
	f.NextSyncAt = &next
	f.LastError = ""
	f.ProductCount = productCount
	f.SyncStartedAt = nil
	return nil
}

func (g *fakeGateway) SetFeedError(_ context.Context, id uint, message string, nextSyncAt *time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.feeds[id]
	f.Status = model.FeedStatusError
	f.LastError = store.TruncateError(message)
	f.SyncStartedAt = nil
	if nextSyncAt != nil {
		f.NextSyncAt = nextSyncAt
	}
	return nil
}

func (g *fakeGateway) ResetStaleSyncing(_ context.Context, olderThan time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.staleAt = olderThan
	return 0, nil
}

func (g *fakeGateway) UpsertProducts(_ context.Context, _ uint, feedID uint, products []model.Product, _ time.Time) (store.UpsertResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserts++
	if g.active[feedID] == nil {
		g.active[feedID] = make(map[string]bool)
	}
	var res store.UpsertResult
	for _, p := range products {
		if _, ok := g.active[feedID][p.ExternalID]; ok {
			res.Updated++
		} else {
			res.Created++
		}
		g.active[feedID][p.ExternalID] = true
	}
	return res, nil
}

func (g *fakeGateway) DeactivateStaleProducts(_ context.Context, _ uint, feedID uint, ids []string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var n int64
	for id, active := range g.active[feedID] {
		if active && !keep[id] {
			g.active[feedID][id] = false
			n++
		}
	}
	return n, nil
}

func (g *fakeGateway) ListActiveProducts(_ context.Context, tenantID uint, _ int) ([]model.Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Product
	for feedID, ids := range g.active {
		if g.feeds[feedID].TenantID != tenantID {
			continue
		}
		for id, active := range ids {
			if active {
				out = append(out, model.Product{ExternalID: id, TenantID: tenantID, FeedID: feedID})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (g *fakeGateway) RebuildFeedCache(_ context.Context, tenantID, _ uint, products []model.Product, _ []model.Campaign, _ int, now time.Time) (*model.FeedCache, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ExternalID
	}
	sum := store.Checksum([]byte(strings.Join(ids, ",")))
	changed := g.checksum[tenantID] != sum
	g.checksum[tenantID] = sum
	return &model.FeedCache{TenantID: tenantID, Checksum: sum, ProductCount: len(products), UpdatedAt: now}, changed, nil
}

// countingFetcher serves canned bodies and records the peak number of
// concurrent Fetch calls.
type countingFetcher struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	errs     map[string]error
	delay    time.Duration
	started  chan string
	release  chan struct{}
	inflight int
	peak     int
	calls    int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{bodies: make(map[string][]byte), errs: make(map[string]error)}
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	body, err := f.bodies[url], f.errs[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- url
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if body == nil {
		return feedXML("1"), nil
	}
	return body, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.CacheUpdated
}

func (n *recordingNotifier) CacheUpdated(_ context.Context, e notify.CacheUpdated) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func feedXML(ids ...string) []byte {
	var b strings.Builder
	b.WriteString("<products>")
	for _, id := range ids {
		fmt.Fprintf(&b, "<product><id>%s</id><name>Item %s</name><price>10.00</price></product>", id, id)
	}
	b.WriteString("</products>")
	return []byte(b.String())
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxConcurrent:          5,
		DefaultIntervalMinutes: 60,
		AutoDetect:             true,
		StaleAfter:             30 * time.Minute,
	}
}

func newTestSyncer(g Gateway, f Fetcher, cfg config.SyncConfig, opts ...Option) *Syncer {
	parsers := parser.NewFactory(config.ParserConfig{MaxDepth: 5, MaxNodes: 10000}, nil)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(g, f, parsers, cfg, config.CacheConfig{MaxProducts: 500}, zap.NewNop(), opts...)
}

func TestSyncDueBoundsConcurrency(t *testing.T) {
	g := newFakeGateway()
	for id := uint(1); id <= 20; id++ {
		g.addFeed(id, model.FeedStatusPending)
	}
	f := newCountingFetcher()
	f.delay = 20 * time.Millisecond

	sum := newTestSyncer(g, f, testConfig()).SyncDue(context.Background())

	assert.True(t, sum.Success)
	assert.Equal(t, 20, sum.FeedsProcessed)
	assert.Equal(t, 20, sum.SuccessCount)
	assert.Equal(t, 20, sum.TotalProducts)
	assert.Equal(t, 20, f.calls)
	assert.LessOrEqual(t, f.peak, 5)
	assert.Greater(t, f.peak, 1)
}

func TestSyncFeedSuccessTransitionsToActive(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	f.bodies["http://feeds.test/1.xml"] = feedXML("1", "2", "2")

	sum := newTestSyncer(g, f, testConfig()).SyncFeed(context.Background(), 1)

	require.Len(t, sum.Results, 1)
	res := sum.Results[0]
	assert.True(t, res.Success)
	assert.Equal(t, uint(101), res.TenantID)
	assert.Equal(t, 2, res.ProductCount)
	assert.Equal(t, 2, res.Created)

	feed := g.feed(1)
	assert.Equal(t, model.FeedStatusActive, feed.Status)
	assert.Equal(t, 2, feed.ProductCount)
	assert.Empty(t, feed.LastError)
	require.NotNil(t, feed.LastSyncAt)
	assert.Equal(t, testNow, *feed.LastSyncAt)
	require.NotNil(t, feed.NextSyncAt)
	assert.Equal(t, testNow.Add(30*time.Minute), *feed.NextSyncAt)
}

func TestSyncFeedFailureKeepsSchedule(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	s := newTestSyncer(g, f, testConfig())

	require.True(t, s.SyncFeed(context.Background(), 1).Success)
	next := *g.feed(1).NextSyncAt

	f.errs["http://feeds.test/1.xml"] = &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: "http://feeds.test/1.xml"}
	sum := s.SyncFeed(context.Background(), 1)

	assert.False(t, sum.Success)
	assert.Equal(t, 1, sum.ErrorCount)
	assert.True(t, fetcher.IsKind(sum.Results[0].Err, fetcher.KindTimeout))

	feed := g.feed(1)
	assert.Equal(t, model.FeedStatusError, feed.Status)
	assert.Contains(t, feed.LastError, "timeout")
	assert.Equal(t, next, *feed.NextSyncAt)
	assert.Equal(t, 1, feed.ProductCount)
	assert.True(t, g.active[1]["1"], "existing products stay active")
}

func TestSyncFeedFailureWithRetryDelay(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	f.errs["http://feeds.test/1.xml"] = errors.New("boom")

	cfg := testConfig()
	cfg.ErrorRetryDelay = 10 * time.Minute
	newTestSyncer(g, f, cfg).SyncFeed(context.Background(), 1)

	feed := g.feed(1)
	assert.Equal(t, model.FeedStatusError, feed.Status)
	require.NotNil(t, feed.NextSyncAt)
	assert.Equal(t, testNow.Add(10*time.Minute), *feed.NextSyncAt)
}

func TestSyncFeedNoValidProducts(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	f.bodies["http://feeds.test/1.xml"] = []byte(`<products><product><id>1</id><name>Free</name><price>0</price></product></products>`)

	sum := newTestSyncer(g, f, testConfig()).SyncFeed(context.Background(), 1)

	require.Len(t, sum.Results, 1)
	assert.ErrorIs(t, sum.Results[0].Err, ErrNoValidProducts)
	assert.Equal(t, model.FeedStatusError, g.feed(1).Status)
	assert.Zero(t, g.upserts)
}

func TestSyncFeedParseError(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	f.bodies["http://feeds.test/1.xml"] = []byte(`<products><product>`)

	sum := newTestSyncer(g, f, testConfig()).SyncFeed(context.Background(), 1)

	var perr *parser.ParseError
	assert.ErrorAs(t, sum.Results[0].Err, &perr)
	assert.Equal(t, model.FeedStatusError, g.feed(1).Status)
}

func TestSyncFeedAlreadySyncingIsRejected(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusSyncing)
	f := newCountingFetcher()

	sum := newTestSyncer(g, f, testConfig()).SyncFeed(context.Background(), 1)

	assert.ErrorIs(t, sum.Results[0].Err, ErrFeedBusy)
	assert.Zero(t, f.calls)
	assert.Equal(t, model.FeedStatusSyncing, g.feed(1).Status)
}

func TestSyncFeedConcurrentTriggerIsRejected(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	f.started = make(chan string, 1)
	f.release = make(chan struct{})
	s := newTestSyncer(g, f, testConfig())

	done := make(chan Summary)
	go func() { done <- s.SyncFeed(context.Background(), 1) }()
	<-f.started

	second := s.SyncFeed(context.Background(), 1)
	assert.ErrorIs(t, second.Results[0].Err, ErrFeedBusy)

	close(f.release)
	first := <-done
	assert.True(t, first.Success)
	assert.Equal(t, 1, f.calls)
}

func TestSyncFeedUnknown(t *testing.T) {
	sum := newTestSyncer(newFakeGateway(), newCountingFetcher(), testConfig()).SyncFeed(context.Background(), 99)

	assert.False(t, sum.Success)
	assert.Equal(t, 1, sum.ErrorCount)
	assert.ErrorIs(t, sum.Results[0].Err, store.ErrNotFound)
	assert.Equal(t, uint(99), sum.Results[0].FeedID)
}

func TestSyncTenant(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(3, model.FeedStatusActive)
	s := newTestSyncer(g, newCountingFetcher(), testConfig())

	sum := s.SyncTenant(context.Background(), "tenant-3")
	assert.True(t, sum.Success)
	assert.Equal(t, uint(3), sum.Results[0].FeedID)

	missing := s.SyncTenant(context.Background(), "nobody")
	assert.ErrorIs(t, missing.Results[0].Err, store.ErrNotFound)
}

func TestSyncAllIgnoresSchedule(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	g.addFeed(2, model.FeedStatusPending)
	s := newTestSyncer(g, newCountingFetcher(), testConfig())

	require.Equal(t, 2, s.SyncDue(context.Background()).SuccessCount)
	assert.Zero(t, s.SyncDue(context.Background()).FeedsProcessed, "nothing is due right after a sync")
	assert.Equal(t, 2, s.SyncAll(context.Background()).SuccessCount)
}

func TestSyncDeactivatesMissingProducts(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	s := newTestSyncer(g, f, testConfig())

	f.bodies["http://feeds.test/1.xml"] = feedXML("1", "2")
	require.True(t, s.SyncFeed(context.Background(), 1).Success)

	f.bodies["http://feeds.test/1.xml"] = feedXML("1")
	res := s.SyncFeed(context.Background(), 1).Results[0]

	assert.Equal(t, int64(1), res.Deactivated)
	assert.Equal(t, 1, res.Updated)
	assert.False(t, g.active[1]["2"])
}

func TestSyncNotifiesOnlyWhenCacheChanges(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	f := newCountingFetcher()
	n := &recordingNotifier{}
	s := newTestSyncer(g, f, testConfig(), WithNotifier(n))

	s.SyncFeed(context.Background(), 1)
	s.SyncFeed(context.Background(), 1)
	require.Len(t, n.events, 1)
	assert.Equal(t, uint(101), n.events[0].TenantID)

	f.bodies["http://feeds.test/1.xml"] = feedXML("1", "9")
	s.SyncFeed(context.Background(), 1)
	assert.Len(t, n.events, 2)
}

func TestRecoverStale(t *testing.T) {
	g := newFakeGateway()
	newTestSyncer(g, newCountingFetcher(), testConfig()).RecoverStale(context.Background())
	assert.Equal(t, testNow.Add(-30*time.Minute), g.staleAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	g := newFakeGateway()
	g.addFeed(1, model.FeedStatusPending)
	cfg := testConfig()
	cfg.SchedulerInterval = time.Hour
	s := newTestSyncer(g, newCountingFetcher(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return g.feed(1).Status == model.FeedStatusActive
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
