// Package provider is the read-only client for the bank data API:
// accounts, balances, and transactions. Every call goes through the
// local throttle first and authenticates with a token obtained from
// the lifecycle manager at call time, never from a cached copy.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	retry "github.com/appleboy/go-httpretry"
	"github.com/jonboulle/clockwork"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/ratelimit"
)

// TokenSource yields a currently-valid access token for a connection.
// Satisfied by the token lifecycle manager.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (string, error)
}

// Client fetches banking data over HTTPS with retries on transport
// failures. Throttle and auth rejections are never retried here.
type Client struct {
	cfg         *config.Config
	retryClient *retry.Client
	throttles   *ratelimit.LocalThrottles
	tokens      TokenSource
	clock       clockwork.Clock
	metrics     metrics.Recorder
}

type authTokenKey struct{}

// authTransport injects the per-request bearer token carried in the
// request context. The token varies per connection, so a fixed header
// on the client would be wrong.
type authTransport struct {
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if tok, ok := req.Context().Value(authTokenKey{}).(string); ok && tok != "" {
		clone := req.Clone(req.Context())
		clone.Header.Set("Authorization", "Bearer "+tok)
		return t.base.RoundTrip(clone)
	}
	return t.base.RoundTrip(req)
}

func NewClient(
	cfg *config.Config,
	tokens TokenSource,
	throttles *ratelimit.LocalThrottles,
	rec metrics.Recorder,
	clock clockwork.Clock,
) (*Client, error) {
	httpClient := &http.Client{
		Timeout:   cfg.ProviderTimeout,
		Transport: &authTransport{base: http.DefaultTransport},
	}

	retryClient, err := retry.NewRealtimeClient(
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(cfg.ProviderMaxRetries),
		retry.WithInitialRetryDelay(cfg.ProviderRetryDelay),
		retry.WithMaxRetryDelay(cfg.ProviderMaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &Client{
		cfg:         cfg,
		retryClient: retryClient,
		throttles:   throttles,
		tokens:      tokens,
		clock:       clock,
		metrics:     rec,
	}, nil
}

type resultsEnvelope[T any] struct {
	Results []T `json:"results"`
}

// Accounts lists the accounts reachable through one connection.
func (c *Client) Accounts(ctx context.Context, connectionID string) ([]models.Account, error) {
	var env resultsEnvelope[models.Account]
	if err := c.get(ctx, connectionID, ratelimit.EndpointAccounts, "/accounts", &env); err != nil {
		return nil, err
	}
	return env.Results, nil
}

// Balance fetches the current balance of one account.
func (c *Client) Balance(ctx context.Context, connectionID, accountID string) (*models.Balance, error) {
	path := "/accounts/" + accountID + "/balance"
	var env resultsEnvelope[models.Balance]
	if err := c.get(ctx, connectionID, ratelimit.EndpointBalance, path, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 {
		return nil, apperr.Newf(apperr.KindTransient, "empty balance response for %s", accountID)
	}
	balance := env.Results[0]
	balance.AccountID = accountID
	return &balance, nil
}

// Transactions fetches the confirmed and pending feeds for one account
// and merges them. Confirmed entries win on ID collision, since a
// settling transaction appears in both feeds briefly.
func (c *Client) Transactions(ctx context.Context, connectionID, accountID string) (*models.TransactionList, error) {
	base := "/accounts/" + accountID + "/transactions"

	var confirmed resultsEnvelope[models.Transaction]
	if err := c.get(ctx, connectionID, ratelimit.EndpointTransactions, base, &confirmed); err != nil {
		return nil, err
	}

	// A degraded pending feed must not take the confirmed feed with it.
	var pending resultsEnvelope[models.Transaction]
	if err := c.get(ctx, connectionID, ratelimit.EndpointTransactions, base+"/pending", &pending); err != nil {
		if !apperr.Retryable(err) && !apperr.Is(err, apperr.KindRateLimited) {
			return nil, err
		}
		log.Printf("[Provider] Pending feed unavailable for %s: %v", accountID, err)
		pending.Results = nil
	}

	seen := make(map[string]bool, len(confirmed.Results))
	merged := make([]models.Transaction, 0, len(confirmed.Results)+len(pending.Results))
	for _, tx := range confirmed.Results {
		tx.AccountID = accountID
		tx.Pending = false
		seen[tx.TransactionID] = true
		merged = append(merged, tx)
	}
	for _, tx := range pending.Results {
		if seen[tx.TransactionID] {
			continue
		}
		tx.AccountID = accountID
		tx.Pending = true
		merged = append(merged, tx)
	}

	return &models.TransactionList{
		AccountID:    accountID,
		Transactions: merged,
		FetchedAt:    c.clock.Now(),
	}, nil
}

func (c *Client) get(ctx context.Context, connectionID, endpoint, path string, out any) error {
	// 1. Local throttle, before token work or network traffic.
	if err := c.throttles.Allow(ctx, endpoint); err != nil {
		return err
	}

	// 2. A token valid past the refresh buffer.
	token, err := c.tokens.GetValidAccessToken(ctx, connectionID)
	if err != nil {
		return err
	}

	// 3. The call itself.
	start := c.clock.Now()
	resp, err := c.retryClient.Get(
		context.WithValue(ctx, authTokenKey{}, token),
		c.cfg.ProviderAPIURL+path,
	)
	if err != nil {
		c.metrics.RecordProviderCall(endpoint, "failure", c.clock.Since(start))
		return apperr.Wrap(apperr.KindTransient, "provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordProviderCall(endpoint, "failure", c.clock.Since(start))
		return apperr.Wrap(apperr.KindTransient, "reading provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := classifyProviderStatus(resp.StatusCode, endpoint)
		c.metrics.RecordProviderCall(endpoint, string(apperr.KindOf(err)), c.clock.Since(start))
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.metrics.RecordProviderCall(endpoint, "failure", c.clock.Since(start))
		return apperr.Wrap(apperr.KindTransient, "decoding provider response", err)
	}

	c.metrics.RecordProviderCall(endpoint, "success", c.clock.Since(start))
	return nil
}

func classifyProviderStatus(status int, endpoint string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Newf(apperr.KindNeedsReconnect, "provider rejected credentials on %s (HTTP %d)", endpoint, status)
	case status == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "provider throttled %s (HTTP %d)", endpoint, status)
	case status >= 500:
		return apperr.Newf(apperr.KindTransient, "provider error on %s (HTTP %d)", endpoint, status)
	default:
		return apperr.Newf(apperr.KindInvalidInput, "provider rejected %s request (HTTP %d)", endpoint, status)
	}
}
