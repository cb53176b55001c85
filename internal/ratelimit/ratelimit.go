// Package ratelimit wraps ulule/limiter with the apperr taxonomy.
// Two deployments share the same fixed-window algorithm: the local
// per-endpoint throttle that fails fast before any network call, and
// the broker's per-user throttle on exchange and refresh.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
)

// Limiter is one fixed-window counter with a fixed scope label.
type Limiter struct {
	instance *limiter.Limiter
	scope    string
	endpoint string
	metrics  metrics.Recorder
}

// NewMemory creates an in-process limiter (single instance).
func NewMemory(limit int, period time.Duration, scope, endpoint string, rec metrics.Recorder) *Limiter {
	instance := limiter.New(memory.NewStore(), limiter.Rate{
		Period: period,
		Limit:  int64(limit),
	})
	return &Limiter{instance: instance, scope: scope, endpoint: endpoint, metrics: rec}
}

// NewRedis creates a Redis-backed limiter for multi-instance broker
// deployments, so per-user windows hold across pods.
func NewRedis(
	client *redis.Client,
	limit int,
	period time.Duration,
	scope, endpoint string,
	rec metrics.Recorder,
) (*Limiter, error) {
	store, err := limiterRedis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:          "ratelimit:" + endpoint,
		CleanUpInterval: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis rate limit store: %w", err)
	}

	instance := limiter.New(store, limiter.Rate{
		Period: period,
		Limit:  int64(limit),
	})
	return &Limiter{instance: instance, scope: scope, endpoint: endpoint, metrics: rec}, nil
}

// Allow consumes one slot for key. Returns a RateLimited error once
// the window is exhausted; callers must not retry automatically.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	lctx, err := l.instance.Get(ctx, key)
	if err != nil {
		// A broken limiter store must not open the floodgates on
		// sensitive operations.
		return apperr.Wrap(apperr.KindStorageUnavailable, "rate limit store", err)
	}

	if lctx.Reached {
		l.metrics.RecordRateLimitRejection(l.scope, l.endpoint)
		return apperr.Newf(apperr.KindRateLimited,
			"%s limit reached, window resets at %s",
			l.endpoint, time.Unix(lctx.Reset, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

// LocalThrottles is the client-side throttle set, one fixed window per
// provider API method. Keys are constant: the throttle is per process,
// not per user.
type LocalThrottles struct {
	accounts     *Limiter
	balance      *Limiter
	transactions *Limiter
}

const localKey = "local"

// Endpoint names used by the local throttles.
const (
	EndpointAccounts     = "accounts"
	EndpointBalance      = "balance"
	EndpointTransactions = "transactions"
)

func NewLocalThrottles(cfg *config.Config, rec metrics.Recorder) *LocalThrottles {
	return &LocalThrottles{
		accounts:     NewMemory(cfg.AccountsPerMinute, time.Minute, "local", EndpointAccounts, rec),
		balance:      NewMemory(cfg.BalancePerMinute, time.Minute, "local", EndpointBalance, rec),
		transactions: NewMemory(cfg.TransactionsPerMinute, time.Minute, "local", EndpointTransactions, rec),
	}
}

// Allow fails fast before a network call when the endpoint's local
// window is exhausted.
func (t *LocalThrottles) Allow(ctx context.Context, endpoint string) error {
	switch endpoint {
	case EndpointAccounts:
		return t.accounts.Allow(ctx, localKey)
	case EndpointBalance:
		return t.balance.Allow(ctx, localKey)
	case EndpointTransactions:
		return t.transactions.Allow(ctx, localKey)
	default:
		return apperr.Newf(apperr.KindInvalidInput, "unknown endpoint %q", endpoint)
	}
}
