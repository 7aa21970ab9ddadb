package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/suteetoe/feedsync/internal/fetcher"
	"github.com/suteetoe/feedsync/internal/handler"
	"github.com/suteetoe/feedsync/internal/notify"
	"github.com/suteetoe/feedsync/internal/parser"
	"github.com/suteetoe/feedsync/internal/store"
	"github.com/suteetoe/feedsync/internal/syncer"
	"github.com/suteetoe/feedsync/pkg/config"
	"github.com/suteetoe/feedsync/pkg/database"
	"github.com/suteetoe/feedsync/pkg/logger"
	mid "github.com/suteetoe/feedsync/pkg/middleware"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
)

const serviceName = "feedsync"

func main() {
	// Load configuration
	appConfig, err := config.Load(serviceName)
	if err != nil {
		// Can't use structured logger yet since it's not initialized
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	if err := logger.InitLogger(appConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := logger.GetLogger()
	defer log.Sync()

	log.Info("Starting "+serviceName, appConfig.LogConfig()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics
	prometheus.InitMetrics(appConfig)
	log.Info("Prometheus metrics initialized",
		zap.String("metrics_prefix", appConfig.Metrics.Prefix))

	// Initialize database
	db, err := database.InitDB(&appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.MigrateModels(db); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	log.Info("Database connection established")

	fieldMapping, err := config.LoadFieldMapping(appConfig.Parser.FieldMappingFile)
	if err != nil {
		log.Fatal("Failed to load field mapping", zap.Error(err))
	}

	notifier, err := notify.New(ctx, appConfig.Notify, log)
	if err != nil {
		log.Fatal("Failed to initialize notifier", zap.Error(err))
	}

	st := store.New(db)
	feedSyncer := syncer.New(
		st,
		fetcher.New(appConfig.Fetch),
		parser.NewFactory(appConfig.Parser, fieldMapping),
		appConfig.Sync,
		appConfig.Cache,
		log,
		syncer.WithNotifier(notifier),
	)

	// Initialize Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(mid.RequestIDMiddleware())
	e.Use(logger.Middleware())
	e.Use(prometheus.NewHTTPMetrics(appConfig.Metrics.Prefix, prom.DefaultRegisterer).Middleware())

	handler.Routes(e,
		handler.NewSyncHandler(ctx, feedSyncer),
		handler.NewFeedHandler(st),
		handler.NewHealthHandler(db),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		feedSyncer.Run(ctx)
	}()

	go func() {
		port := appConfig.Server.Port
		log.Info("Starting server", zap.String("port", port))
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	// in-flight syncs finish their current stage and mark the feed
	wg.Wait()
	log.Info("Shutdown complete")
}
