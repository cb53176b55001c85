package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OAuthStateLength is the length of generated CSRF state values.
// 32 hex chars gives 128 bits of entropy.
const OAuthStateLength = 32

// CryptoRandomBytes generates cryptographically secure random bytes
func CryptoRandomBytes(length int64) ([]byte, error) {
	buf := make([]byte, length)
	_, err := rand.Read(buf)
	return buf, err
}

// CryptoRandomString generates a random hex string of the given length
func CryptoRandomString(length int) (string, error) {
	bytes, err := CryptoRandomBytes(int64((length + 1) / 2))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}

// NewOAuthState generates a fresh CSRF state value.
func NewOAuthState() (string, error) {
	return CryptoRandomString(OAuthStateLength)
}

// NewConnectionID generates a client-side connection identifier in the
// provider's tl_<timestamp>_<random> format.
func NewConnectionID(now time.Time) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("tl_%d_%s", now.UnixMilli(), suffix)
}

// SHA256Hex returns the SHA-256 hash of s as a lowercase hex string.
// Intended for audit correlation of high-entropy values (codes, tokens)
// that must never be logged or stored raw.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
