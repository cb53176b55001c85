package metrics

import "time"

// Ensure NoopRecorder implements Recorder at compile time.
var _ Recorder = (*NoopRecorder)(nil)

// NoopRecorder discards all metrics. Used when metrics are disabled
// and as the default in tests.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (*NoopRecorder) RecordExchange(string, time.Duration)             {}
func (*NoopRecorder) RecordRefresh(string, time.Duration)              {}
func (*NoopRecorder) RecordRateLimitRejection(string, string)          {}
func (*NoopRecorder) RecordCacheHit(string)                            {}
func (*NoopRecorder) RecordCacheMiss(string)                           {}
func (*NoopRecorder) RecordCacheStaleServe(string)                     {}
func (*NoopRecorder) RecordCacheBackgroundRefresh(string, bool)        {}
func (*NoopRecorder) RecordCacheOwnerMismatch(string)                  {}
func (*NoopRecorder) RecordProviderCall(string, string, time.Duration) {}
func (*NoopRecorder) RecordSyncRun(string, time.Duration)              {}
func (*NoopRecorder) RecordSyncSkipped(string)                         {}
func (*NoopRecorder) RecordHTTPRequest(string, string, int, time.Duration) {}
func (*NoopRecorder) IncHTTPInFlight()                                 {}
func (*NoopRecorder) DecHTTPInFlight()                                 {}
