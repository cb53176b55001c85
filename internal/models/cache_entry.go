package models

import (
	"fmt"
	"time"
)

// ScopeKey identifies one cached provider response. Entries are scoped
// by owner so a session switch can never serve another user's data.
type ScopeKey struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	AccountID    string `json:"account_id"`
	// Kind distinguishes data families sharing the same account scope
	// (e.g. "balance", "transactions").
	Kind string `json:"kind"`
}

// String renders the scope as a storage key.
func (k ScopeKey) String() string {
	return fmt.Sprintf("cache:%s:%s:%s:%s", k.Kind, k.UserID, k.ConnectionID, k.AccountID)
}

// CacheEntry is a memoized provider response with TTL metadata.
// The payload is stored as raw JSON so the entry survives encrypted
// persistence without knowing the concrete type.
type CacheEntry struct {
	Scope    ScopeKey  `json:"scope"`
	Payload  []byte    `json:"payload"`
	CachedAt time.Time `json:"cached_at"`
	// ExpiresAt is absolute; entries past it are treated as absent.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry must be treated as absent.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// IsStale reports whether the entry's age has passed the given
// fraction of its TTL and a background revalidation should be
// scheduled. threshold is in [0,1]; 0.5 means half the TTL.
func (e *CacheEntry) IsStale(now time.Time, threshold float64) bool {
	ttl := e.ExpiresAt.Sub(e.CachedAt)
	if ttl <= 0 {
		return true
	}
	age := now.Sub(e.CachedAt)
	return age.Seconds() >= ttl.Seconds()*threshold
}
