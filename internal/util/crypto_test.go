package util

import (
	"strings"
	"testing"
	"time"
)

func TestCryptoRandomString(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := CryptoRandomString(32)
		if err != nil {
			t.Fatalf("CryptoRandomString failed: %v", err)
		}
		if len(s) != 32 {
			t.Errorf("Expected length 32, got %d", len(s))
		}
		if seen[s] {
			t.Errorf("Duplicate random string generated: %s", s)
		}
		seen[s] = true
	}
}

func TestNewOAuthState_MeetsMinimumLength(t *testing.T) {
	state, err := NewOAuthState()
	if err != nil {
		t.Fatalf("NewOAuthState failed: %v", err)
	}
	if len(state) < 20 {
		t.Errorf("State too short for CSRF use: %d chars", len(state))
	}
}

func TestNewConnectionID_Format(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	id := NewConnectionID(now)

	if !strings.HasPrefix(id, "tl_1700000000000_") {
		t.Errorf("Unexpected connection ID format: %s", id)
	}
	if !IsValidConnectionID(id) {
		t.Errorf("Generated ID failed its own validation: %s", id)
	}
}

func TestIsValidAuthCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"ABCDEFGHIJKLMNOPQRSTUVWX", true},
		{"abc-123_456.789~xyz", true},
		{"short", false},
		{"has spaces not allowed!!", false},
		{"", false},
		{strings.Repeat("A", 600), false},
	}

	for _, tc := range cases {
		if got := IsValidAuthCode(tc.code); got != tc.want {
			t.Errorf("IsValidAuthCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestSHA256Hex_StableAndSafe(t *testing.T) {
	a := SHA256Hex("secret-token-value")
	b := SHA256Hex("secret-token-value")
	if a != b {
		t.Error("SHA256Hex not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if strings.Contains(a, "secret") {
		t.Error("Hash leaks input")
	}
}
