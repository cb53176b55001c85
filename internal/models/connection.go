package models

import "time"

// Connection represents one OAuth grant for one bank login.
// Everything except the token triple is immutable after creation; the
// triple (AccessToken, RefreshToken, ExpiresAt) is replaced atomically
// on refresh.
type Connection struct {
	ConnectionID string `json:"connection_id"`

	// AccessToken and RefreshToken are opaque bearer strings.
	// SENSITIVE: never logged; persisted only through the secure store.
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the absolute expiry of the access token in epoch
	// milliseconds, matching the provider's wire format.
	ExpiresAt int64 `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
}

// ExpiresAtTime returns the access token expiry as a time.Time.
func (c *Connection) ExpiresAtTime() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires before
// now+buffer. Used to refresh ahead of the edge so a token is never
// used mid-expiry during a multi-step call.
func (c *Connection) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(c.ExpiresAtTime())
}

// WithRotatedTokens returns a copy with the token triple replaced.
// The copy semantics keep the replacement atomic from the caller's
// point of view: the original value is never mutated in place.
func (c Connection) WithRotatedTokens(accessToken, refreshToken string, expiresAt int64) Connection {
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.ExpiresAt = expiresAt
	return c
}
