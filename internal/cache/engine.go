package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/secstore"
	"github.com/ramzidaher/Penny-sub000/internal/session"
)

// FetchFunc produces a fresh payload from the provider.
type FetchFunc[T any] func(ctx context.Context) (T, error)

const backgroundRefreshTimeout = 30 * time.Second

// Engine is the TTL + stale-while-revalidate cache for one data kind
// (balance or transaction list). The hot tier is an in-memory cache;
// the durable tier is the secure store's encrypted persistence.
// Expired entries are kept physically until overwritten so a transient
// fetch failure can fall back to the last known data.
type Engine[T any] struct {
	kind           string
	ttl            time.Duration
	staleThreshold float64

	sess    *session.Session
	store   *secstore.Store
	hot     *MemoryCache[models.CacheEntry]
	metrics metrics.Recorder
	clock   clockwork.Clock

	mu         sync.Mutex
	refreshing map[string]bool
	index      map[string]map[string]models.ScopeKey // connectionID -> scope set
}

// NewEngine creates a cache engine for one data kind.
func NewEngine[T any](
	kind string,
	ttl time.Duration,
	staleThreshold float64,
	sess *session.Session,
	store *secstore.Store,
	rec metrics.Recorder,
	clock clockwork.Clock,
) *Engine[T] {
	return &Engine[T]{
		kind:           kind,
		ttl:            ttl,
		staleThreshold: staleThreshold,
		sess:           sess,
		store:          store,
		hot:            NewMemoryCache[models.CacheEntry](),
		metrics:        rec,
		clock:          clock,
		refreshing:     make(map[string]bool),
		index:          make(map[string]map[string]models.ScopeKey),
	}
}

// Scope builds the scope key for an account under the active session.
func (e *Engine[T]) Scope(connectionID, accountID string) (models.ScopeKey, error) {
	userID, err := e.sess.UserID()
	if err != nil {
		return models.ScopeKey{}, err
	}
	return models.ScopeKey{
		UserID:       userID,
		ConnectionID: connectionID,
		AccountID:    accountID,
		Kind:         e.kind,
	}, nil
}

// Get serves the cached payload for scope, fetching when needed.
//
// forceRefresh bypasses the cache entirely. Otherwise: a missing or
// expired entry blocks on a fresh fetch; a fresh entry is returned
// immediately, and when its age passes the staleness threshold exactly
// one background revalidation is scheduled. Background failures are
// logged and swallowed, never surfaced to the original caller.
func (e *Engine[T]) Get(ctx context.Context, scope models.ScopeKey, forceRefresh bool, fetch FetchFunc[T]) (T, error) {
	var zero T

	if forceRefresh {
		return e.fetchAndStore(ctx, scope, fetch)
	}

	entry, ok, err := e.lookup(ctx, scope)
	if err != nil {
		return zero, err
	}

	now := e.clock.Now()
	if !ok || entry.IsExpired(now) {
		e.metrics.RecordCacheMiss(e.kind)
		value, err := e.fetchAndStore(ctx, scope, fetch)
		if err != nil && ok && apperr.Retryable(err) {
			// Transient failure with a physically-present expired
			// entry: serve the last known data instead.
			var stale T
			if decodeErr := json.Unmarshal(entry.Payload, &stale); decodeErr == nil {
				log.Printf("[Cache] %s fetch failed for %s, serving stale: %v", e.kind, scope.AccountID, err)
				e.metrics.RecordCacheStaleServe(e.kind)
				return stale, nil
			}
		}
		return value, err
	}

	e.metrics.RecordCacheHit(e.kind)

	var value T
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	if entry.IsStale(now, e.staleThreshold) {
		e.scheduleBackgroundRefresh(ctx, scope, fetch)
	}

	return value, nil
}

// lookup reads hot tier then durable tier, enforcing the cross-user
// ownership guard on every path.
func (e *Engine[T]) lookup(ctx context.Context, scope models.ScopeKey) (models.CacheEntry, bool, error) {
	key := scope.String()

	entry, err := e.hot.Get(ctx, key)
	if err == nil {
		if ok, err := e.checkOwner(ctx, entry); !ok || err != nil {
			return models.CacheEntry{}, false, err
		}
		return entry, true, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return models.CacheEntry{}, false, err
	}

	found, err := e.store.Get(ctx, key, &entry)
	if err != nil || !found {
		return models.CacheEntry{}, false, err
	}

	if ok, err := e.checkOwner(ctx, entry); !ok || err != nil {
		return models.CacheEntry{}, false, err
	}

	// Warm the hot tier; retention is generous because expiry is
	// decided from the entry's own timestamps.
	_ = e.hot.Set(ctx, key, entry, 2*e.ttl)
	return entry, true, nil
}

// checkOwner purges and reports false when the entry's recorded owner
// does not match the active session.
func (e *Engine[T]) checkOwner(ctx context.Context, entry models.CacheEntry) (bool, error) {
	userID, err := e.sess.UserID()
	if err != nil {
		return false, err
	}
	if entry.Scope.UserID != userID {
		log.Printf("[Cache] Owner mismatch on %s entry, purging", e.kind)
		e.metrics.RecordCacheOwnerMismatch(e.kind)
		e.removeEntry(ctx, entry.Scope)
		return false, nil
	}
	return true, nil
}

// fetchAndStore blocks on a fresh fetch and overwrites the entry.
func (e *Engine[T]) fetchAndStore(ctx context.Context, scope models.ScopeKey, fetch FetchFunc[T]) (T, error) {
	var zero T

	value, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("encoding %s payload: %w", e.kind, err)
	}

	now := e.clock.Now()
	entry := models.CacheEntry{
		Scope:     scope,
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(e.ttl),
	}

	key := scope.String()
	if err := e.hot.Set(ctx, key, entry, 2*e.ttl); err != nil {
		log.Printf("[Cache] Hot tier write failed for %s: %v", key, err)
	}
	if err := e.store.Set(ctx, key, entry); err != nil {
		// Durable tier failure is not fatal for the caller: the fetch
		// succeeded and the hot tier holds the result.
		log.Printf("[Cache] Durable tier write failed for %s: %v", key, err)
	}
	e.addToIndex(ctx, scope)

	return value, nil
}

// scheduleBackgroundRefresh starts at most one revalidation per scope
// key while a previous one is still in flight.
func (e *Engine[T]) scheduleBackgroundRefresh(ctx context.Context, scope models.ScopeKey, fetch FetchFunc[T]) {
	key := scope.String()

	e.mu.Lock()
	if e.refreshing[key] {
		e.mu.Unlock()
		return
	}
	e.refreshing[key] = true
	e.mu.Unlock()

	// Detached from the caller: the original Get has already returned
	// by the time this completes, and callers must not assume the
	// cache reflects the refresh immediately.
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundRefreshTimeout)

	go func() {
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.refreshing, key)
			e.mu.Unlock()
		}()

		_, err := e.fetchAndStore(bgCtx, scope, fetch)
		e.metrics.RecordCacheBackgroundRefresh(e.kind, err == nil)
		if err != nil {
			log.Printf("[Cache] Background %s refresh failed for %s: %v", e.kind, scope.AccountID, err)
		}
	}()
}

// Invalidate deletes the entry for one scope key.
func (e *Engine[T]) Invalidate(ctx context.Context, scope models.ScopeKey) {
	e.removeEntry(ctx, scope)
}

// InvalidateConnection deletes every entry cached under a connection.
// Called when the owning connection is removed.
func (e *Engine[T]) InvalidateConnection(ctx context.Context, connectionID string) {
	for _, scope := range e.loadIndex(ctx, connectionID) {
		e.removeEntry(ctx, scope)
	}

	e.mu.Lock()
	delete(e.index, connectionID)
	e.mu.Unlock()
	_ = e.store.DeletePlain(ctx, e.indexKey(connectionID))
}

// Purge drops every entry this engine knows about. Called on logout.
func (e *Engine[T]) Purge(ctx context.Context) {
	e.mu.Lock()
	connIDs := make([]string, 0, len(e.index))
	for id := range e.index {
		connIDs = append(connIDs, id)
	}
	e.mu.Unlock()

	for _, id := range connIDs {
		e.InvalidateConnection(ctx, id)
	}
	_ = e.hot.Close()
}

func (e *Engine[T]) removeEntry(ctx context.Context, scope models.ScopeKey) {
	key := scope.String()
	_ = e.hot.Delete(ctx, key)
	if err := e.store.Delete(ctx, key); err != nil {
		log.Printf("[Cache] Durable delete failed for %s: %v", key, err)
	}
}

func (e *Engine[T]) indexKey(connectionID string) string {
	return "cache:index:" + e.kind + ":" + connectionID
}

// addToIndex records the scope under its connection so disconnect can
// find every entry. The index lives in the plain tier: scope keys are
// identifiers, not secrets.
func (e *Engine[T]) addToIndex(ctx context.Context, scope models.ScopeKey) {
	e.mu.Lock()
	set, ok := e.index[scope.ConnectionID]
	if !ok {
		set = make(map[string]models.ScopeKey)
		e.index[scope.ConnectionID] = set
	}
	_, existed := set[scope.String()]
	set[scope.String()] = scope

	scopes := make([]models.ScopeKey, 0, len(set))
	for _, s := range set {
		scopes = append(scopes, s)
	}
	e.mu.Unlock()

	if !existed {
		_ = e.store.SetPlain(ctx, e.indexKey(scope.ConnectionID), scopes)
	}
}

func (e *Engine[T]) loadIndex(ctx context.Context, connectionID string) []models.ScopeKey {
	e.mu.Lock()
	set, ok := e.index[connectionID]
	if ok {
		scopes := make([]models.ScopeKey, 0, len(set))
		for _, s := range set {
			scopes = append(scopes, s)
		}
		e.mu.Unlock()
		return scopes
	}
	e.mu.Unlock()

	var scopes []models.ScopeKey
	if found, err := e.store.GetPlain(ctx, e.indexKey(connectionID), &scopes); err != nil || !found {
		return nil
	}
	return scopes
}
