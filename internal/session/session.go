// Package session provides the explicit session context passed to every
// client-side component. It replaces ambient globals (current user,
// sign-out flags) with a value whose lifecycle is Open/Close.
package session

import (
	"errors"
	"sync"
)

var ErrNoSession = errors.New("session: no active session")

// State enumerates the session lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
)

// Session identifies the signed-in user for the duration of one
// app session. Components hold a *Session and consult it per
// operation, so a sign-out is observed by in-flight work.
type Session struct {
	mu     sync.RWMutex
	state  State
	userID string
}

// Open starts a session for the given user.
func Open(userID string) *Session {
	return &Session{state: StateOpen, userID: userID}
}

// UserID returns the active user, or ErrNoSession after Close.
func (s *Session) UserID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateOpen {
		return "", ErrNoSession
	}
	return s.userID, nil
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateOpen
}

// Close ends the session. Further UserID calls fail; components treat
// that as "operate on nothing" rather than an error to surface.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.userID = ""
}
