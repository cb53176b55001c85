package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ensure Metrics implements Recorder interface at compile time
var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for the banking subsystem
type Metrics struct {
	// Broker token operations
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	RefreshesTotal   *prometheus.CounterVec
	RefreshDuration  prometheus.Histogram

	// Rate limiting
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Cache engine
	CacheHitsTotal              *prometheus.CounterVec
	CacheMissesTotal            *prometheus.CounterVec
	CacheStaleServesTotal       *prometheus.CounterVec
	CacheBackgroundRefreshTotal *prometheus.CounterVec
	CacheOwnerMismatchTotal     *prometheus.CounterVec

	// Provider data plane
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Sync orchestration
	SyncRunsTotal    *prometheus.CounterVec
	SyncRunDuration  prometheus.Histogram
	SyncSkippedTotal *prometheus.CounterVec

	// HTTP server
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init initializes metrics based on enabled flag.
// Uses sync.Once so Prometheus metrics are only registered once.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopRecorder()
	}

	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		ExchangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_token_exchanges_total",
				Help: "Total code-for-token exchanges by result",
			},
			[]string{"result"},
		),
		ExchangeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "banking_token_exchange_duration_seconds",
				Help:    "Duration of code-for-token exchanges",
				Buckets: prometheus.DefBuckets,
			},
		),
		RefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_token_refreshes_total",
				Help: "Total refresh-token exchanges by result",
			},
			[]string{"result"},
		),
		RefreshDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "banking_token_refresh_duration_seconds",
				Help:    "Duration of refresh-token exchanges",
				Buckets: prometheus.DefBuckets,
			},
		),
		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_rate_limit_rejections_total",
				Help: "Requests rejected by a throttle",
			},
			[]string{"scope", "endpoint"},
		),
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_cache_hits_total",
				Help: "Cache hits by data kind",
			},
			[]string{"kind"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_cache_misses_total",
				Help: "Cache misses by data kind",
			},
			[]string{"kind"},
		),
		CacheStaleServesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_cache_stale_serves_total",
				Help: "Entries served past the staleness threshold",
			},
			[]string{"kind"},
		),
		CacheBackgroundRefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_cache_background_refresh_total",
				Help: "Background revalidations by kind and result",
			},
			[]string{"kind", "result"},
		),
		CacheOwnerMismatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_cache_owner_mismatch_total",
				Help: "Entries purged because the owner did not match the session",
			},
			[]string{"kind"},
		),
		ProviderCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_provider_calls_total",
				Help: "Provider REST calls by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		ProviderCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banking_provider_call_duration_seconds",
				Help:    "Duration of provider REST calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_sync_runs_total",
				Help: "Full sync runs by result",
			},
			[]string{"result"},
		),
		SyncRunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "banking_sync_run_duration_seconds",
				Help:    "Duration of full sync runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		SyncSkippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_sync_skipped_total",
				Help: "Sync requests skipped by reason",
			},
			[]string{"reason"},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banking_http_requests_total",
				Help: "HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banking_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "banking_http_requests_in_flight",
				Help: "HTTP requests currently being served",
			},
		),
	}
}

func (m *Metrics) RecordExchange(result string, duration time.Duration) {
	m.ExchangesTotal.WithLabelValues(result).Inc()
	m.ExchangeDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRefresh(result string, duration time.Duration) {
	m.RefreshesTotal.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimitRejection(scope, endpoint string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope, endpoint).Inc()
}

func (m *Metrics) RecordCacheHit(kind string) {
	m.CacheHitsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheMiss(kind string) {
	m.CacheMissesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheStaleServe(kind string) {
	m.CacheStaleServesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheBackgroundRefresh(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.CacheBackgroundRefreshTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordCacheOwnerMismatch(kind string) {
	m.CacheOwnerMismatchTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordProviderCall(endpoint, result string, duration time.Duration) {
	m.ProviderCallsTotal.WithLabelValues(endpoint, result).Inc()
	m.ProviderCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordSyncRun(result string, duration time.Duration) {
	m.SyncRunsTotal.WithLabelValues(result).Inc()
	m.SyncRunDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSyncSkipped(reason string) {
	m.SyncSkippedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) IncHTTPInFlight() { m.HTTPRequestsInFlight.Inc() }
func (m *Metrics) DecHTTPInFlight() { m.HTTPRequestsInFlight.Dec() }

// HTTPMetricsMiddleware records request metrics for every route.
func HTTPMetricsMiddleware(rec Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rec.IncHTTPInFlight()
		defer rec.DecHTTPInFlight()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rec.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
