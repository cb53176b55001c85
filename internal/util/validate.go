package util

import "strings"

// Authorization code format bounds. Provider codes are opaque but
// bounded; anything outside these limits is rejected before any
// network call.
const (
	MinAuthCodeLength = 10
	MaxAuthCodeLength = 512
)

// IsValidAuthCode checks the length and charset of an authorization
// code. Codes are URL-safe: letters, digits, '-', '_', '.', '~'.
func IsValidAuthCode(code string) bool {
	if len(code) < MinAuthCodeLength || len(code) > MaxAuthCodeLength {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '~':
		default:
			return false
		}
	}
	return true
}

// IsValidConnectionID checks the tl_<timestamp>_<random> shape without
// being strict about the segment contents.
func IsValidConnectionID(id string) bool {
	if !strings.HasPrefix(id, "tl_") {
		return false
	}
	parts := strings.SplitN(id, "_", 3)
	return len(parts) == 3 && parts[1] != "" && parts[2] != ""
}
