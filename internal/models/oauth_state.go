package models

import "time"

// OAuthStateTTL is how long a CSRF state value stays valid, mirroring
// the provider-side authorization session lifetime.
const OAuthStateTTL = 10 * time.Minute

// OAuthState is a one-time CSRF token bound to a single authorization
// attempt. It is consumed exactly once: the first validation attempt
// deletes it whether or not the comparison succeeds.
type OAuthState struct {
	// Value is a random string of at least 20 characters.
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *OAuthState) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// UsedCode marks an authorization code as already exchanged. A code
// present and unexpired in this set must never be exchanged again.
// TTL mirrors the provider-side code lifetime, so entries garbage
// collect naturally.
type UsedCode struct {
	Code      string    `json:"code"`
	UsedAt    time.Time `json:"used_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (u *UsedCode) IsExpired(now time.Time) bool {
	return now.After(u.ExpiresAt)
}
