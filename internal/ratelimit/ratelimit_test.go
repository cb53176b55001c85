package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewMemory(3, time.Hour, "server", "exchange", metrics.NewNoopRecorder())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "user-1"), "call %d should pass", i+1)
	}

	err := l.Allow(ctx, "user-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
}

func TestLimiter_WindowIsPerKey(t *testing.T) {
	l := NewMemory(1, time.Hour, "server", "refresh", metrics.NewNoopRecorder())
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-1"))
	require.Error(t, l.Allow(ctx, "user-1"))

	// A different user has an independent window.
	require.NoError(t, l.Allow(ctx, "user-2"))
}

func TestLimiter_EleventhRefreshInHourRejected(t *testing.T) {
	l := NewMemory(10, time.Hour, "server", "refresh", metrics.NewNoopRecorder())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, "user-1"))
	}

	err := l.Allow(ctx, "user-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
}

func TestLocalThrottles_PerEndpointWindows(t *testing.T) {
	cfg := config.Load()
	cfg.AccountsPerMinute = 2
	cfg.BalancePerMinute = 1

	throttles := NewLocalThrottles(cfg, metrics.NewNoopRecorder())
	ctx := context.Background()

	require.NoError(t, throttles.Allow(ctx, EndpointAccounts))
	require.NoError(t, throttles.Allow(ctx, EndpointAccounts))
	err := throttles.Allow(ctx, EndpointAccounts)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))

	// Balance window is independent of the accounts window.
	require.NoError(t, throttles.Allow(ctx, EndpointBalance))
	err = throttles.Allow(ctx, EndpointBalance)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
}

func TestLocalThrottles_UnknownEndpoint(t *testing.T) {
	throttles := NewLocalThrottles(config.Load(), metrics.NewNoopRecorder())

	err := throttles.Allow(context.Background(), "bogus")
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}
