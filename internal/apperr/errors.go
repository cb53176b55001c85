// Package apperr defines the error taxonomy shared by the client-side
// banking layer and the token broker. Every failure that crosses a
// component boundary is classified with a Kind so callers can decide
// between retrying, reconnecting, or surfacing the error as-is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and UI decisions.
type Kind string

const (
	// KindInvalidInput marks malformed codes, states, or identifiers.
	// Never retried and never sent over the network.
	KindInvalidInput Kind = "invalid_input"

	// KindCsrfFailure marks a missing, expired, or mismatched OAuth state.
	// Treated as a security event; the callback flow is aborted.
	KindCsrfFailure Kind = "csrf_failure"

	// KindReplayDetected marks a reused authorization code.
	KindReplayDetected Kind = "replay_detected"

	// KindRateLimited marks a local or server-side throttle rejection.
	// Caller-visible; must not be retried automatically.
	KindRateLimited Kind = "rate_limited"

	// KindNeedsReconnect marks a refresh token rejected by the provider.
	// The connection is gone; the UI must re-launch authorization.
	KindNeedsReconnect Kind = "needs_reconnect"

	// KindTransient marks network errors and provider 5xx responses.
	// Safe to retry with backoff.
	KindTransient Kind = "transient"

	// KindStorageUnavailable marks a missing secure persistence primitive.
	// Fatal for token operations; never degrades to unencrypted storage.
	KindStorageUnavailable Kind = "storage_unavailable"

	// KindCancelled marks a user-cancelled authorization session.
	// A terminal outcome, not a retryable error.
	KindCancelled Kind = "cancelled"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindTransient: an unknown failure is
// assumed retryable rather than destructive.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error is safe to retry with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
