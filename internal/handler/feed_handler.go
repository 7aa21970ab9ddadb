package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/pkg/logger"
	"go.uber.org/zap"
)

// FeedReader loads feed state and cache snapshots
type FeedReader interface {
	GetFeed(ctx context.Context, id uint) (*model.Feed, error)
	GetFeedCacheBySlug(ctx context.Context, slug string) (*model.FeedCache, error)
}

// FeedHandler serves feed status and the per-tenant cache
type FeedHandler struct {
	reader FeedReader
}

// NewFeedHandler creates a FeedHandler
func NewFeedHandler(reader FeedReader) *FeedHandler {
	return &FeedHandler{reader: reader}
}

// GetFeed handles retrieving the sync state of a feed
func (h *FeedHandler) GetFeed(c echo.Context) error {
	log := logger.FromEcho(c)
	idParam := c.Param("id")

	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		log.Warn("Invalid feed ID", zap.String("feed_id", idParam))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid feed ID",
		})
	}

	feed, err := h.reader.GetFeed(c.Request().Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Feed not found", zap.Uint64("feed_id", id))
		return c.JSON(http.StatusNotFound, echo.Map{
			"error": "Feed not found",
		})
	}
	if err != nil {
		log.Error("Failed to retrieve feed", zap.Uint64("feed_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to retrieve feed",
		})
	}

	log.Info("Feed retrieved successfully",
		zap.Uint64("feed_id", id),
		zap.String("status", string(feed.Status)))
	return c.JSON(http.StatusOK, feed)
}

// GetCache handles retrieving a tenant's snapshot. The checksum is the
// ETag so unchanged snapshots answer 304.
func (h *FeedHandler) GetCache(c echo.Context) error {
	log := logger.FromEcho(c)
	slug := c.Param("slug")

	cache, err := h.reader.GetFeedCacheBySlug(c.Request().Context(), slug)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Feed cache not found", zap.String("slug", slug))
		return c.JSON(http.StatusNotFound, echo.Map{
			"error": "Feed cache not found",
		})
	}
	if err != nil {
		log.Error("Failed to retrieve feed cache", zap.String("slug", slug), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to retrieve feed cache",
		})
	}

	etag := `"` + cache.Checksum + `"`
	c.Response().Header().Set("ETag", etag)
	if etagMatches(c.Request().Header.Get("If-None-Match"), cache.Checksum) {
		return c.NoContent(http.StatusNotModified)
	}

	log.Info("Feed cache retrieved successfully",
		zap.String("slug", slug),
		zap.Int("product_count", cache.ProductCount))
	return c.JSON(http.StatusOK, cache)
}

func etagMatches(header, checksum string) bool {
	if header == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" {
			return true
		}
		tag = strings.TrimPrefix(tag, "W/")
		if strings.Trim(tag, `"`) == checksum {
			return true
		}
	}
	return false
}
