package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/suteetoe/feedsync/pkg/config"
)

var (
	// Feed sync metrics
	FeedSyncsCounter    *prometheus.CounterVec
	FeedSyncDuration    prometheus.Histogram
	SyncsInFlightGauge  prometheus.Gauge
	FetchAttemptCounter *prometheus.CounterVec

	// Product persistence metrics
	ProductsUpsertedCounter    *prometheus.CounterVec
	ProductsDeactivatedCounter prometheus.Counter

	// Database operation metrics
	DbOperationDuration *prometheus.HistogramVec
)

// InitMetrics initializes Prometheus metrics with configuration
func InitMetrics(cfg *config.Config) {
	initMetrics(cfg.Metrics.Prefix, prometheus.DefaultRegisterer)
}

func initMetrics(prefix string, reg prometheus.Registerer) {
	factory := promauto.With(reg)

	FeedSyncsCounter = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_feed_syncs_total",
			Help: "Total number of feed sync runs by outcome",
		},
		[]string{"status"},
	)

	FeedSyncDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_feed_sync_duration_seconds",
			Help:    "Duration of a single feed sync run in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncsInFlightGauge = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_syncs_in_flight",
			Help: "Number of feed syncs currently running",
		},
	)

	FetchAttemptCounter = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_fetch_attempts_total",
			Help: "Total number of feed download attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProductsUpsertedCounter = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_products_upserted_total",
			Help: "Total number of product upserts by result",
		},
		[]string{"result"},
	)

	ProductsDeactivatedCounter = factory.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_products_deactivated_total",
			Help: "Total number of products deactivated because they left their feed",
		},
	)

	DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation_type"},
	)
}

// TrackDBOperation returns a function that records the duration of a database operation
func TrackDBOperation(operationType string) func(startTime time.Time) {
	return func(startTime time.Time) {
		if DbOperationDuration == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		DbOperationDuration.WithLabelValues(operationType).Observe(duration)
	}
}

// RecordFeedSync records the outcome and duration of one feed sync
func RecordFeedSync(status string, duration time.Duration) {
	if FeedSyncsCounter == nil {
		return
	}
	FeedSyncsCounter.WithLabelValues(status).Inc()
	FeedSyncDuration.Observe(duration.Seconds())
}

// RecordFetchAttempt increments the fetch attempt counter
func RecordFetchAttempt(outcome string) {
	if FetchAttemptCounter == nil {
		return
	}
	FetchAttemptCounter.WithLabelValues(outcome).Inc()
}

// RecordUpsert adds created/updated/error counts of one upsert batch
func RecordUpsert(created, updated, errored int) {
	if ProductsUpsertedCounter == nil {
		return
	}
	ProductsUpsertedCounter.WithLabelValues("created").Add(float64(created))
	ProductsUpsertedCounter.WithLabelValues("updated").Add(float64(updated))
	ProductsUpsertedCounter.WithLabelValues("error").Add(float64(errored))
}

// RecordDeactivated adds to the deactivated products counter
func RecordDeactivated(count int64) {
	if ProductsDeactivatedCounter == nil {
		return
	}
	ProductsDeactivatedCounter.Add(float64(count))
}

// SyncStarted and SyncFinished track the in-flight gauge
func SyncStarted() {
	if SyncsInFlightGauge != nil {
		SyncsInFlightGauge.Inc()
	}
}

func SyncFinished() {
	if SyncsInFlightGauge != nil {
		SyncsInFlightGauge.Dec()
	}
}
