package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/secstore"
	"github.com/ramzidaher/Penny-sub000/internal/session"
)

type fakePayload struct {
	Amount  float64 `json:"amount"`
	Version int     `json:"version"`
}

type countingFetcher struct {
	calls   atomic.Int64
	value   fakePayload
	failErr error
}

func (f *countingFetcher) fetch(ctx context.Context) (fakePayload, error) {
	f.calls.Add(1)
	if f.failErr != nil {
		return fakePayload{}, f.failErr
	}
	return f.value, nil
}

func newTestEngine(t *testing.T, clock clockwork.Clock) (*Engine[fakePayload], *session.Session) {
	t.Helper()
	sess := session.Open("user-a")
	store := secstore.New(secstore.NewMemoryPrimitive(), secstore.NewMemoryPrimitive())
	eng := NewEngine[fakePayload](
		"balance",
		30*time.Minute,
		0.5,
		sess,
		store,
		metrics.NewNoopRecorder(),
		clock,
	)
	return eng, sess
}

func TestEngine_MissThenHit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, err := eng.Scope("tl_1_a", "acct-1")
	require.NoError(t, err)

	fetcher := &countingFetcher{value: fakePayload{Amount: 100.5, Version: 1}}

	got, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, fakePayload{Amount: 100.5, Version: 1}, got)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	// Second call within TTL: served from cache, no fetch.
	got, err = eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, fakePayload{Amount: 100.5, Version: 1}, got)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestEngine_ExpiredEntryTriggersFreshFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")
	fetcher := &countingFetcher{value: fakePayload{Version: 1}}

	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	fetcher.value = fakePayload{Version: 2}

	got, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "expired payload must never be served")
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestEngine_ForceRefreshBypassesCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")
	fetcher := &countingFetcher{value: fakePayload{Version: 1}}

	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	fetcher.value = fakePayload{Version: 2}
	got, err := eng.Get(ctx, scope, true, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestEngine_StaleWhileRevalidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")
	fetcher := &countingFetcher{value: fakePayload{Version: 1}}

	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	// At 60% of TTL the entry is stale but not expired.
	clock.Advance(18 * time.Minute)
	fetcher.value = fakePayload{Version: 2}

	got, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version, "stale serve must return the cached payload synchronously")

	// Exactly one background refresh lands.
	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The refreshed entry is fresh again; no further fetches.
	got, err = eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestEngine_NoDuplicateBackgroundRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	blocking := func(ctx context.Context) (fakePayload, error) {
		if calls.Add(1) > 1 {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		return fakePayload{Version: int(calls.Load())}, nil
	}

	_, err := eng.Get(ctx, scope, false, blocking)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)

	// First stale read schedules a refresh that blocks in flight.
	_, err = eng.Get(ctx, scope, false, blocking)
	require.NoError(t, err)
	<-started

	// Repeated stale reads in the same window must not stack refreshes.
	for i := 0; i < 5; i++ {
		_, err = eng.Get(ctx, scope, false, blocking)
		require.NoError(t, err)
	}
	close(release)

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEngine_CrossUserIsolation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessA := session.Open("user-a")
	store := secstore.New(secstore.NewMemoryPrimitive(), secstore.NewMemoryPrimitive())
	engA := NewEngine[fakePayload]("balance", 30*time.Minute, 0.5, sessA, store, metrics.NewNoopRecorder(), clock)
	ctx := context.Background()

	scopeA, err := engA.Scope("tl_1_a", "acct-1")
	require.NoError(t, err)

	fetcher := &countingFetcher{value: fakePayload{Amount: 42}}
	_, err = engA.Get(ctx, scopeA, false, fetcher.fetch)
	require.NoError(t, err)

	// A different user's engine over the same durable store must never
	// see user A's data, even with a colliding scope key.
	sessB := session.Open("user-b")
	engB := NewEngine[fakePayload]("balance", 30*time.Minute, 0.5, sessB, store, metrics.NewNoopRecorder(), clock)

	fetcherB := &countingFetcher{value: fakePayload{Amount: 7}}
	got, err := engB.Get(ctx, scopeA, false, fetcherB.fetch)
	require.NoError(t, err)
	assert.Equal(t, float64(7), got.Amount, "must fetch fresh, never serve user A's entry")
	assert.Equal(t, int64(1), fetcherB.calls.Load())
}

func TestEngine_TransientFailureFallsBackToStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")
	fetcher := &countingFetcher{value: fakePayload{Version: 1}}

	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	// Past expiry, with the provider down, the last known payload is
	// served instead of an error.
	clock.Advance(40 * time.Minute)
	fetcher.failErr = apperr.New(apperr.KindTransient, "provider 503")

	got, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestEngine_NonTransientFailureSurfaces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope, _ := eng.Scope("tl_1_a", "acct-1")
	fetcher := &countingFetcher{value: fakePayload{Version: 1}}

	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	clock.Advance(40 * time.Minute)
	fetcher.failErr = apperr.New(apperr.KindNeedsReconnect, "refresh token revoked")

	_, err = eng.Get(ctx, scope, false, fetcher.fetch)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNeedsReconnect))
}

func TestEngine_InvalidateConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng, _ := newTestEngine(t, clock)
	ctx := context.Background()

	scope1, _ := eng.Scope("tl_1_a", "acct-1")
	scope2, _ := eng.Scope("tl_1_a", "acct-2")

	fetcher := &countingFetcher{value: fakePayload{Version: 1}}
	_, err := eng.Get(ctx, scope1, false, fetcher.fetch)
	require.NoError(t, err)
	_, err = eng.Get(ctx, scope2, false, fetcher.fetch)
	require.NoError(t, err)

	eng.InvalidateConnection(ctx, "tl_1_a")

	_, err = eng.Get(ctx, scope1, false, fetcher.fetch)
	require.NoError(t, err)
	_, err = eng.Get(ctx, scope2, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(4), fetcher.calls.Load(), "both scopes must refetch after invalidation")
}

func TestEngine_SurvivesRestartViaDurableTier(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess := session.Open("user-a")
	store := secstore.New(secstore.NewMemoryPrimitive(), secstore.NewMemoryPrimitive())
	ctx := context.Background()

	eng := NewEngine[fakePayload]("balance", 30*time.Minute, 0.5, sess, store, metrics.NewNoopRecorder(), clock)
	scope, _ := eng.Scope("tl_1_a", "acct-1")

	fetcher := &countingFetcher{value: fakePayload{Amount: 12.34}}
	_, err := eng.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)

	// A new engine instance over the same store (process restart).
	fresh := NewEngine[fakePayload]("balance", 30*time.Minute, 0.5, sess, store, metrics.NewNoopRecorder(), clock)
	got, err := fresh.Get(ctx, scope, false, fetcher.fetch)
	require.NoError(t, err)
	assert.Equal(t, 12.34, got.Amount)
	assert.Equal(t, int64(1), fetcher.calls.Load(), "durable tier must satisfy the read")
}
