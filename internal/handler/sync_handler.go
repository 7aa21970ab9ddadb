package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/internal/syncer"
	"github.com/suteetoe/feedsync/pkg/logger"
	"go.uber.org/zap"
)

// SyncRunner is the trigger surface of the orchestrator
type SyncRunner interface {
	SyncDue(ctx context.Context) syncer.Summary
	SyncAll(ctx context.Context) syncer.Summary
	SyncFeed(ctx context.Context, id uint) syncer.Summary
	SyncTenant(ctx context.Context, slug string) syncer.Summary
}

// SyncHandler exposes manual sync triggers. Syncs run on a context derived
// from base, not from the request, so a client hanging up does not abort
// feeds mid-run.
type SyncHandler struct {
	base   context.Context
	runner SyncRunner
}

// NewSyncHandler creates a SyncHandler. base is cancelled on shutdown.
func NewSyncHandler(base context.Context, runner SyncRunner) *SyncHandler {
	return &SyncHandler{base: base, runner: runner}
}

// syncContext keeps the request's values (logger, request id) but takes
// cancellation from the server context only.
func (h *SyncHandler) syncContext(c echo.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	stop := context.AfterFunc(h.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Register mounts the sync routes on g
func (h *SyncHandler) Register(g *echo.Group) {
	g.POST("/due", h.SyncDue)
	g.POST("/all", h.SyncAll)
	g.POST("/feeds/:id", h.SyncFeed)
	g.POST("/tenants/:slug", h.SyncTenant)
}

// SyncDue handles syncing every feed that is due
func (h *SyncHandler) SyncDue(c echo.Context) error {
	log := logger.FromEcho(c)
	log.Info("Manual sync of due feeds requested")

	ctx, cancel := h.syncContext(c)
	defer cancel()

	sum := h.runner.SyncDue(ctx)
	logSummary(log, sum)
	return c.JSON(http.StatusOK, sum)
}

// SyncAll handles syncing every active feed
func (h *SyncHandler) SyncAll(c echo.Context) error {
	log := logger.FromEcho(c)
	log.Info("Manual sync of all active feeds requested")

	ctx, cancel := h.syncContext(c)
	defer cancel()

	sum := h.runner.SyncAll(ctx)
	logSummary(log, sum)
	return c.JSON(http.StatusOK, sum)
}

// SyncFeed handles syncing one feed by id
func (h *SyncHandler) SyncFeed(c echo.Context) error {
	log := logger.FromEcho(c)
	idParam := c.Param("id")

	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil || id == 0 {
		log.Warn("Invalid feed ID", zap.String("feed_id", idParam))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid feed ID",
		})
	}

	log.Info("Manual feed sync requested", zap.Uint64("feed_id", id))
	ctx, cancel := h.syncContext(c)
	defer cancel()

	sum := h.runner.SyncFeed(ctx, uint(id))
	logSummary(log, sum)
	return c.JSON(singleStatus(sum), sum)
}

// SyncTenant handles syncing the feed of one tenant by slug
func (h *SyncHandler) SyncTenant(c echo.Context) error {
	log := logger.FromEcho(c)
	slug := c.Param("slug")

	log.Info("Manual tenant sync requested", zap.String("slug", slug))
	ctx, cancel := h.syncContext(c)
	defer cancel()

	sum := h.runner.SyncTenant(ctx, slug)
	logSummary(log, sum)
	return c.JSON(singleStatus(sum), sum)
}

// singleStatus maps the outcome of a single-feed trigger. A failed sync is
// still a 200; only lookup and busy failures change the status.
func singleStatus(sum syncer.Summary) int {
	if len(sum.Results) != 1 {
		return http.StatusOK
	}
	switch err := sum.Results[0].Err; {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrFeedBusy):
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func logSummary(log *zap.Logger, sum syncer.Summary) {
	log.Info("Sync request finished",
		zap.Int("feeds", sum.FeedsProcessed),
		zap.Int("succeeded", sum.SuccessCount),
		zap.Int("failed", sum.ErrorCount),
		zap.Int64("duration_ms", sum.DurationMs))
}
