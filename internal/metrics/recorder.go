package metrics

import "time"

// Recorder is the metrics interface consumed by services. Production
// wiring uses the Prometheus implementation; tests and metrics-disabled
// deployments use the no-op.
type Recorder interface {
	// Token broker
	RecordExchange(result string, duration time.Duration)
	RecordRefresh(result string, duration time.Duration)
	RecordRateLimitRejection(scope, endpoint string)

	// Cache engine
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
	RecordCacheStaleServe(kind string)
	RecordCacheBackgroundRefresh(kind string, success bool)
	RecordCacheOwnerMismatch(kind string)

	// Provider data plane
	RecordProviderCall(endpoint, result string, duration time.Duration)

	// Sync orchestration
	RecordSyncRun(result string, duration time.Duration)
	RecordSyncSkipped(reason string)

	// HTTP server
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
	IncHTTPInFlight()
	DecHTTPInFlight()
}
