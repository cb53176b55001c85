package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// RueidisMarkerCache is a Redis-backed one-time-marker set for
// multi-instance broker deployments. SetNX gives the atomic
// "first writer wins" semantics the used-code guard needs; the
// database tier stays authoritative when Redis is down.
type RueidisMarkerCache struct {
	client    rueidis.Client
	keyPrefix string
}

// NewRueidisMarkerCache creates a marker cache against the given Redis.
func NewRueidisMarkerCache(addr, password string, db int, keyPrefix string) (*RueidisMarkerCache, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
		SelectDB:    db,
		// Markers are write-once; client-side caching buys nothing here.
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rueidis client: %w", err)
	}

	return &RueidisMarkerCache{client: client, keyPrefix: keyPrefix}, nil
}

// SetNX records a marker if and only if it does not already exist.
// Returns true when this caller planted the marker, false when another
// request got there first.
func (r *RueidisMarkerCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	fullKey := r.keyPrefix + key

	cmd := r.client.B().Set().Key(fullKey).Value(value).Nx().Ex(ttl).Build()
	resp := r.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			// NX condition failed: marker already present.
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return true, nil
}

// Exists reports whether a marker is present and unexpired.
func (r *RueidisMarkerCache) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := r.keyPrefix + key

	cmd := r.client.B().Exists().Key(fullKey).Build()
	n, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return n > 0, nil
}

// Delete removes a marker.
func (r *RueidisMarkerCache) Delete(ctx context.Context, key string) error {
	fullKey := r.keyPrefix + key

	cmd := r.client.B().Del().Key(fullKey).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RueidisMarkerCache) Close() error {
	r.client.Close()
	return nil
}

// Health checks if Redis is reachable.
func (r *RueidisMarkerCache) Health(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
