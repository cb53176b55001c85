package token

import (
	"sync"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
)

// AuthPhase tracks the in-memory authorization flow. The durable OAuth
// state in the secure store is the source of truth across restarts; the
// phase only guards against overlapping flows inside one process.
type AuthPhase string

const (
	PhaseIdle        AuthPhase = "idle"
	PhaseAuthorizing AuthPhase = "authorizing"
	PhaseExchanging  AuthPhase = "exchanging"
)

// PhaseIdle -> PhaseExchanging is legal: a callback can arrive after a
// process restart, where only the persisted state survives.
var phaseTransitions = map[AuthPhase]map[AuthPhase]bool{
	PhaseIdle: {
		PhaseAuthorizing: true,
		PhaseExchanging:  true,
	},
	PhaseAuthorizing: {
		PhaseAuthorizing: true, // user re-launches consent; old state is replaced
		PhaseExchanging:  true,
		PhaseIdle:        true,
	},
	PhaseExchanging: {
		PhaseIdle: true,
	},
}

type authFlow struct {
	mu    sync.Mutex
	phase AuthPhase
}

func newAuthFlow() *authFlow {
	return &authFlow{phase: PhaseIdle}
}

func (f *authFlow) current() AuthPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// reset returns the flow to idle unconditionally. Used when an attempt
// terminates, successfully or not.
func (f *authFlow) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = PhaseIdle
}

// to performs a guarded transition. A rejected transition means the
// caller is attempting something the flow does not permit right now,
// for example a second callback while one is mid-exchange.
func (f *authFlow) to(next AuthPhase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !phaseTransitions[f.phase][next] {
		return apperr.Newf(apperr.KindInvalidInput,
			"authorization flow cannot move from %s to %s", f.phase, next)
	}
	f.phase = next
	return nil
}

// ConnState is the lifecycle of one established connection.
type ConnState string

const (
	ConnActive     ConnState = "active"
	ConnRefreshing ConnState = "refreshing"
	ConnRevoked    ConnState = "revoked"
)

var connTransitions = map[ConnState]map[ConnState]bool{
	ConnActive: {
		ConnRefreshing: true,
		ConnRevoked:    true,
	},
	ConnRefreshing: {
		ConnActive:  true,
		ConnRevoked: true,
	},
}

// connStates tracks per-connection lifecycle in memory. Connections
// loaded from the store start as Active.
type connStates struct {
	mu     sync.Mutex
	states map[string]ConnState
}

func newConnStates() *connStates {
	return &connStates{states: make(map[string]ConnState)}
}

func (c *connStates) get(connectionID string) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[connectionID]; ok {
		return s
	}
	return ConnActive
}

func (c *connStates) set(connectionID string, s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[connectionID] = s
}

func (c *connStates) to(connectionID string, next ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.states[connectionID]
	if !ok {
		cur = ConnActive
	}
	if !connTransitions[cur][next] {
		return apperr.Newf(apperr.KindInvalidInput,
			"connection %s cannot move from %s to %s", connectionID, cur, next)
	}
	c.states[connectionID] = next
	return nil
}

func (c *connStates) forget(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, connectionID)
}
