// Package deeplink parses the OAuth callback deep link delivered to
// the app: <scheme>://<callback-host>?code=...&state=... or ?error=...
package deeplink

import (
	"net/url"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
)

// Callback is the parsed result of a bank-consent deep link.
type Callback struct {
	Code  string
	State string
	// Error carries the provider's error parameter verbatim. When set,
	// Code and State are empty.
	Error string
}

// Parse validates the raw deep-link URL against the scheme allow-list
// and the expected callback host, then extracts the OAuth parameters.
// Anything malformed is InvalidInput and aborts before any lookup.
func Parse(raw string, allowedSchemes []string, callbackHost string) (*Callback, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "malformed callback URL", err)
	}

	if !schemeAllowed(u.Scheme, allowedSchemes) {
		return nil, apperr.Newf(apperr.KindInvalidInput, "callback scheme %q not allowed", u.Scheme)
	}

	// Host must match exactly; a near-miss is an attack surface, not a typo.
	if u.Host != callbackHost {
		return nil, apperr.Newf(apperr.KindInvalidInput, "unexpected callback host %q", u.Host)
	}

	q := u.Query()
	cb := &Callback{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}

	if cb.Error == "" && (cb.Code == "" || cb.State == "") {
		return nil, apperr.New(apperr.KindInvalidInput, "callback missing code or state")
	}

	return cb, nil
}

func schemeAllowed(scheme string, allowed []string) bool {
	for _, s := range allowed {
		if scheme == s {
			return true
		}
	}
	return false
}
