// Package token owns the OAuth connection lifecycle on the client side:
// launching consent, handling the deep-link callback, keeping access
// tokens fresh, and disconnecting. Tokens only ever live in the secure
// store; the provider client secret only ever lives in the broker.
package token

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/deeplink"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/secstore"
	"github.com/ramzidaher/Penny-sub000/internal/session"
	"github.com/ramzidaher/Penny-sub000/internal/util"
)

// usedCodeTTL mirrors the provider-side authorization code lifetime.
const usedCodeTTL = 10 * time.Minute

// Manager drives the connection lifecycle for the signed-in user.
type Manager struct {
	cfg     *config.Config
	sess    *session.Session
	store   *secstore.Store
	broker  Broker
	clock   clockwork.Clock
	metrics metrics.Recorder

	flow  *authFlow
	conns *connStates
	group singleflight.Group
}

func NewManager(
	cfg *config.Config,
	sess *session.Session,
	store *secstore.Store,
	broker Broker,
	rec metrics.Recorder,
	clock clockwork.Clock,
) *Manager {
	return &Manager{
		cfg:     cfg,
		sess:    sess,
		store:   store,
		broker:  broker,
		clock:   clock,
		metrics: rec,
		flow:    newAuthFlow(),
		conns:   newConnStates(),
	}
}

func connKey(userID, connectionID string) string {
	return "conn:" + userID + ":" + connectionID
}

func stateKey(userID string) string {
	return "oauth:state:" + userID
}

func usedCodesKey(userID string) string {
	return "oauth:used_codes:" + userID
}

func indexKey(userID string) string {
	return "connections:index:" + userID
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    m.cfg.ProviderClientID,
		RedirectURL: m.cfg.RedirectURI,
		Scopes:      m.cfg.ProviderScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: m.cfg.ProviderAuthURL,
		},
	}
}

// BuildAuthorizationRequest mints a fresh CSRF state, persists it, and
// returns the provider consent URL to open in the system browser.
// Calling it again before the callback replaces the pending state, so
// any callback for the earlier attempt fails CSRF validation.
func (m *Manager) BuildAuthorizationRequest(ctx context.Context) (string, error) {
	userID, err := m.sess.UserID()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, "no active session", err)
	}

	if err := m.flow.to(PhaseAuthorizing); err != nil {
		return "", err
	}

	value, err := util.NewOAuthState()
	if err != nil {
		m.flow.reset()
		return "", apperr.Wrap(apperr.KindStorageUnavailable, "generating state", err)
	}

	now := m.clock.Now()
	state := models.OAuthState{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(models.OAuthStateTTL),
	}
	if err := m.store.Set(ctx, stateKey(userID), state); err != nil {
		m.flow.reset()
		return "", err
	}

	return m.oauthConfig().AuthCodeURL(value), nil
}

// HandleCallback processes the deep link returned from the provider
// consent screen. Validation aborts before any network call: URL shape,
// code format, CSRF state, then the local replay set. Only a callback
// that passes all four reaches the broker.
func (m *Manager) HandleCallback(ctx context.Context, rawURL string) (*models.Connection, error) {
	userID, err := m.sess.UserID()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "no active session", err)
	}

	// 1. Parse and validate the deep link itself.
	cb, err := deeplink.Parse(rawURL, m.cfg.AllowedSchemes, m.cfg.CallbackHost)
	if err != nil {
		return nil, err
	}

	// 2. Provider-reported errors are terminal for this attempt. The
	// pending state is consumed so it cannot be replayed later.
	if cb.Error != "" {
		_ = m.store.Delete(ctx, stateKey(userID))
		m.flow.reset()
		return nil, classifyProviderError(cb.Error)
	}

	// 3. Code format gate, before any state is consumed.
	if !util.IsValidAuthCode(cb.Code) {
		return nil, apperr.New(apperr.KindInvalidInput, "authorization code failed format validation")
	}

	now := m.clock.Now()

	// 4. One-time CSRF state. The stored value is deleted on the first
	// validation attempt whether or not the comparison succeeds.
	var state models.OAuthState
	found, err := m.store.Get(ctx, stateKey(userID), &state)
	if err != nil {
		return nil, err
	}
	if found {
		if err := m.store.Delete(ctx, stateKey(userID)); err != nil {
			return nil, err
		}
	}
	if !found || state.IsExpired(now) ||
		subtle.ConstantTimeCompare([]byte(state.Value), []byte(cb.State)) != 1 {
		m.flow.reset()
		return nil, apperr.New(apperr.KindCsrfFailure, "state missing, expired, or mismatched")
	}

	// 5. Local replay set. A code seen before is never re-sent.
	used, err := m.loadUsedCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, u := range used {
		if !u.IsExpired(now) && u.Code == cb.Code {
			m.flow.reset()
			return nil, apperr.New(apperr.KindReplayDetected, "authorization code already exchanged")
		}
	}

	if err := m.flow.to(PhaseExchanging); err != nil {
		return nil, err
	}
	defer m.flow.reset()

	// 6. Exchange through the broker.
	start := m.clock.Now()
	grant, err := m.broker.Exchange(ctx, cb.Code)
	if err != nil {
		m.metrics.RecordExchange("failure", m.clock.Since(start))
		return nil, err
	}
	m.metrics.RecordExchange("success", m.clock.Since(start))

	// 7. Mark the code used before anything else can race a second
	// exchange. Tokens are already held, so a marker write failure
	// degrades replay detection but must not lose the connection.
	if err := m.markCodeUsed(ctx, userID, cb.Code, now); err != nil {
		log.Printf("[TokenManager] Failed to record used code: %v", err)
	}

	// 8. Persist the new connection. Fail closed: without durable
	// storage the tokens are dropped and the user reconnects.
	conn := models.Connection{
		ConnectionID: util.NewConnectionID(now),
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(grant.ExpiresIn) * time.Second).UnixMilli(),
		CreatedAt:    now,
	}
	if err := m.store.Set(ctx, connKey(userID, conn.ConnectionID), conn); err != nil {
		return nil, err
	}

	if err := m.addToIndex(ctx, userID, conn.ConnectionID); err != nil {
		log.Printf("[TokenManager] Failed to index connection %s: %v", conn.ConnectionID, err)
	}
	m.conns.set(conn.ConnectionID, ConnActive)

	log.Printf("[TokenManager] Connection %s established", conn.ConnectionID)
	return &conn, nil
}

func classifyProviderError(code string) error {
	switch code {
	case "server_error", "temporarily_unavailable":
		return apperr.Newf(apperr.KindTransient, "provider error: %s", code)
	default:
		return apperr.Newf(apperr.KindCancelled, "authorization ended: %s", code)
	}
}

// GetValidAccessToken returns an access token guaranteed to outlive the
// refresh buffer. When the stored token is near expiry, concurrent
// callers coalesce onto a single refresh.
func (m *Manager) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	userID, err := m.sess.UserID()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, "no active session", err)
	}
	if !util.IsValidConnectionID(connectionID) {
		return "", apperr.Newf(apperr.KindInvalidInput, "malformed connection id %q", connectionID)
	}

	conn, found, err := m.loadConnection(ctx, userID, connectionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperr.Newf(apperr.KindNeedsReconnect, "connection %s not found", connectionID)
	}

	if !conn.ExpiresWithin(m.clock.Now(), m.cfg.RefreshBuffer) {
		return conn.AccessToken, nil
	}

	rotated, err := m.refresh(ctx, userID, connectionID)
	if err != nil {
		return "", err
	}
	return rotated.AccessToken, nil
}

// refresh rotates the token triple for one connection. singleflight
// keys on the connection ID, so a stampede of expired-token callers
// produces exactly one broker call.
func (m *Manager) refresh(ctx context.Context, userID, connectionID string) (models.Connection, error) {
	v, err, _ := m.group.Do(connectionID, func() (any, error) {
		conn, found, err := m.loadConnection(ctx, userID, connectionID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apperr.Newf(apperr.KindNeedsReconnect, "connection %s not found", connectionID)
		}

		now := m.clock.Now()
		// A flight that finished just before we joined already rotated.
		if !conn.ExpiresWithin(now, m.cfg.RefreshBuffer) {
			return conn, nil
		}

		if err := m.conns.to(connectionID, ConnRefreshing); err != nil {
			return nil, err
		}

		start := m.clock.Now()
		grant, err := m.broker.Refresh(ctx, conn.RefreshToken)
		if err != nil {
			if apperr.Is(err, apperr.KindNeedsReconnect) {
				// The grant is gone on the provider side. Drop local
				// credentials so every caller converges on reconnect.
				m.metrics.RecordRefresh("needs_reconnect", m.clock.Since(start))
				_ = m.conns.to(connectionID, ConnRevoked)
				m.removeConnection(ctx, userID, connectionID)
				return nil, err
			}
			// Transient and rate-limit failures keep the old triple.
			m.metrics.RecordRefresh("failure", m.clock.Since(start))
			_ = m.conns.to(connectionID, ConnActive)
			return nil, err
		}

		rotated := conn.WithRotatedTokens(
			grant.AccessToken,
			grant.RefreshToken,
			now.Add(time.Duration(grant.ExpiresIn)*time.Second).UnixMilli(),
		)
		if err := m.store.Set(ctx, connKey(userID, connectionID), rotated); err != nil {
			_ = m.conns.to(connectionID, ConnActive)
			return nil, err
		}

		_ = m.conns.to(connectionID, ConnActive)
		m.metrics.RecordRefresh("success", m.clock.Since(start))
		return rotated, nil
	})
	if err != nil {
		return models.Connection{}, err
	}
	return v.(models.Connection), nil
}

// Disconnect removes a connection's credentials and index entry.
// Idempotent: disconnecting an unknown connection is a no-op.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	userID, err := m.sess.UserID()
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "no active session", err)
	}
	m.removeConnection(ctx, userID, connectionID)
	m.conns.forget(connectionID)
	log.Printf("[TokenManager] Connection %s disconnected", connectionID)
	return nil
}

// ConnectionState reports the in-memory lifecycle state of a connection.
func (m *Manager) ConnectionState(connectionID string) ConnState {
	return m.conns.get(connectionID)
}

// ListConnections returns the IDs of the user's stored connections.
func (m *Manager) ListConnections(ctx context.Context) ([]string, error) {
	userID, err := m.sess.UserID()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "no active session", err)
	}
	return m.loadIndex(ctx, userID)
}

// CleanupExpired drops expired one-time values: the pending state (if
// past its TTL) and aged-out used-code markers.
func (m *Manager) CleanupExpired(ctx context.Context) error {
	userID, err := m.sess.UserID()
	if err != nil {
		return nil
	}
	now := m.clock.Now()

	var state models.OAuthState
	if found, err := m.store.Get(ctx, stateKey(userID), &state); err == nil && found {
		if state.IsExpired(now) {
			_ = m.store.Delete(ctx, stateKey(userID))
		}
	}

	used, err := m.loadUsedCodes(ctx, userID)
	if err != nil {
		return err
	}
	kept := used[:0]
	for _, u := range used {
		if !u.IsExpired(now) {
			kept = append(kept, u)
		}
	}
	if len(kept) != len(used) {
		return m.store.Set(ctx, usedCodesKey(userID), kept)
	}
	return nil
}

func (m *Manager) loadConnection(ctx context.Context, userID, connectionID string) (models.Connection, bool, error) {
	var conn models.Connection
	found, err := m.store.Get(ctx, connKey(userID, connectionID), &conn)
	return conn, found, err
}

func (m *Manager) removeConnection(ctx context.Context, userID, connectionID string) {
	if err := m.store.Delete(ctx, connKey(userID, connectionID)); err != nil {
		log.Printf("[TokenManager] Failed to delete connection %s: %v", connectionID, err)
	}
	ids, err := m.loadIndex(ctx, userID)
	if err != nil {
		return
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != connectionID {
			kept = append(kept, id)
		}
	}
	_ = m.store.SetPlain(ctx, indexKey(userID), kept)
}

func (m *Manager) loadUsedCodes(ctx context.Context, userID string) ([]models.UsedCode, error) {
	var used []models.UsedCode
	if _, err := m.store.Get(ctx, usedCodesKey(userID), &used); err != nil {
		return nil, err
	}
	return used, nil
}

func (m *Manager) markCodeUsed(ctx context.Context, userID, code string, now time.Time) error {
	used, err := m.loadUsedCodes(ctx, userID)
	if err != nil {
		return err
	}
	kept := used[:0]
	for _, u := range used {
		if !u.IsExpired(now) {
			kept = append(kept, u)
		}
	}
	kept = append(kept, models.UsedCode{
		Code:      code,
		UsedAt:    now,
		ExpiresAt: now.Add(usedCodeTTL),
	})
	return m.store.Set(ctx, usedCodesKey(userID), kept)
}

func (m *Manager) loadIndex(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	if _, err := m.store.GetPlain(ctx, indexKey(userID), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) addToIndex(ctx context.Context, userID, connectionID string) error {
	ids, err := m.loadIndex(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == connectionID {
			return nil
		}
	}
	return m.store.SetPlain(ctx, indexKey(userID), append(ids, connectionID))
}
