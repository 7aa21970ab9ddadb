package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suteetoe/feedsync/internal/fetcher"
	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/pkg/config"
	"github.com/suteetoe/feedsync/pkg/database"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const googleFeed = `<?xml version="1.0"?>
<rss version="2.0" xmlns:g="http://base.google.com/ns/1.0">
<channel>
<title>Shop</title>
<item><g:id>A1</g:id><title>Red Shoe</title><g:price>1.899,90 TRY</g:price><g:availability>in stock</g:availability><g:brand>Acme</g:brand></item>
<item><g:id>A2</g:id><title>Blue Shoe</title><g:price>199.90 TRY</g:price><g:availability>out of stock</g:availability></item>
</channel>
</rss>`

func newPipelineDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.MigrateModels(db))
	return db
}

func newPipelineFetcher() *fetcher.Fetcher {
	return fetcher.New(config.FetchConfig{Timeout: 5 * time.Second, MaxRedirects: 3, RetryCount: 1, MaxBodyBytes: 1 << 20})
}

func TestPipelineAgainstStore(t *testing.T) {
	db := newPipelineDB(t)

	var body atomic.Value
	body.Store(googleFeed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	tenant := model.Tenant{Slug: "acme", Name: "Acme", Active: true}
	require.NoError(t, db.Create(&tenant).Error)
	feed := model.Feed{TenantID: tenant.ID, URL: srv.URL + "/feed.xml", Format: model.FeedFormatGoogle, SyncIntervalMinutes: 15, IsActive: true}
	require.NoError(t, db.Create(&feed).Error)

	st := store.New(db)
	s := newTestSyncer(st, newPipelineFetcher(), testConfig())

	sum := s.SyncTenant(context.Background(), "acme")
	require.True(t, sum.Success, "%+v", sum.Results)
	assert.Equal(t, 2, sum.TotalProducts)

	products, err := st.ListActiveProducts(context.Background(), tenant.ID, 10)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A1", products[0].ExternalID)
	assert.True(t, products[0].Price.Equal(decimal.RequireFromString("1899.90")), products[0].Price.String())
	assert.Equal(t, "TRY", products[0].Currency)
	assert.Equal(t, model.StockOutOfStock, products[1].StockStatus)

	stored, err := st.GetFeed(context.Background(), feed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FeedStatusActive, stored.Status)
	assert.Equal(t, 2, stored.ProductCount)
	require.NotNil(t, stored.NextSyncAt)
	assert.True(t, stored.NextSyncAt.Equal(testNow.Add(15*time.Minute)))

	cache, err := st.GetFeedCacheBySlug(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.ProductCount)
	assert.Len(t, cache.Checksum, 64)

	// second run without A2 deactivates it
	body.Store(`<rss version="2.0" xmlns:g="http://base.google.com/ns/1.0"><channel>
<item><g:id>A1</g:id><title>Red Shoe</title><g:price>1899.90 TRY</g:price></item>
</channel></rss>`)
	sum = s.SyncFeed(context.Background(), feed.ID)
	require.True(t, sum.Success, "%+v", sum.Results)
	assert.Equal(t, int64(1), sum.Results[0].Deactivated)

	products, err = st.ListActiveProducts(context.Background(), tenant.ID, 10)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "A1", products[0].ExternalID)

	var all int64
	require.NoError(t, db.Model(&model.Product{}).Where("tenant_id = ?", tenant.ID).Count(&all).Error)
	assert.Equal(t, int64(2), all, "stale products are kept")
}

func TestPipelineCacheCoversEveryFeedOfTenant(t *testing.T) {
	db := newPipelineDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := "A1"
		if r.URL.Path == "/b.xml" {
			id = "B1"
		}
		_, _ = w.Write([]byte(`<products><product><id>` + id + `</id><name>Item ` + id + `</name><price>20</price></product></products>`))
	}))
	defer srv.Close()

	tenant := model.Tenant{Slug: "acme", Name: "Acme", Active: true}
	require.NoError(t, db.Create(&tenant).Error)
	feedA := model.Feed{TenantID: tenant.ID, URL: srv.URL + "/a.xml", Format: model.FeedFormatCustom, IsActive: true}
	require.NoError(t, db.Create(&feedA).Error)
	feedB := model.Feed{TenantID: tenant.ID, URL: srv.URL + "/b.xml", Format: model.FeedFormatCustom, IsActive: true}
	require.NoError(t, db.Create(&feedB).Error)

	st := store.New(db)
	s := newTestSyncer(st, newPipelineFetcher(), testConfig())

	require.True(t, s.SyncFeed(context.Background(), feedA.ID).Success)
	require.True(t, s.SyncFeed(context.Background(), feedB.ID).Success)

	cache, err := st.GetFeedCacheBySlug(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.ProductCount)

	var cached []store.CachedProduct
	require.NoError(t, json.Unmarshal(cache.Products, &cached))
	require.Len(t, cached, 2)
	assert.Equal(t, "A1", cached[0].ID)
	assert.Equal(t, feedA.ID, cached[0].FeedID)
	assert.Equal(t, "B1", cached[1].ID)
	assert.Equal(t, "20.00", cached[1].Price)

	// resyncing A leaves B's products in the snapshot
	require.True(t, s.SyncFeed(context.Background(), feedA.ID).Success)
	cache, err = st.GetFeedCacheBySlug(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.ProductCount)
}
