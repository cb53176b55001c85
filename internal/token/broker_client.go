package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	retry "github.com/appleboy/go-httpretry"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/config"
)

// TokenGrant is a successful token issuance from the broker.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// Broker exchanges and refreshes provider tokens on the app's behalf.
// The provider client secret never leaves the broker.
type Broker interface {
	Exchange(ctx context.Context, code string) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type brokerErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPBroker talks to the token broker over HTTPS with retries on
// transient failures. Rate-limit and replay rejections are never
// retried: the retry layer only re-sends on transport-level errors.
type HTTPBroker struct {
	cfg         *config.Config
	retryClient *retry.Client
}

// bearerTransport injects the caller's app credential on every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// NewHTTPBroker creates the broker client. callerToken is the app's
// credential for the broker, not a bank token.
func NewHTTPBroker(cfg *config.Config, callerToken string) (*HTTPBroker, error) {
	httpClient := &http.Client{
		Timeout: cfg.BrokerTimeout,
		Transport: &bearerTransport{
			token: callerToken,
			base:  http.DefaultTransport,
		},
	}

	retryClient, err := retry.NewRealtimeClient(
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(cfg.BrokerMaxRetries),
		retry.WithInitialRetryDelay(cfg.BrokerRetryDelay),
		retry.WithMaxRetryDelay(cfg.BrokerMaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &HTTPBroker{cfg: cfg, retryClient: retryClient}, nil
}

// Exchange trades a one-time authorization code for a token grant.
func (b *HTTPBroker) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	return b.post(ctx, "/broker/token/exchange", exchangeRequest{
		Code:        code,
		RedirectURI: b.cfg.RedirectURI,
	})
}

// Refresh rotates the token triple using the stored refresh token.
func (b *HTTPBroker) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	return b.post(ctx, "/broker/token/refresh", refreshRequest{
		RefreshToken: refreshToken,
	})
}

func (b *HTTPBroker) post(ctx context.Context, endpoint string, reqBody any) (*TokenGrant, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := b.retryClient.Post(
		ctx,
		b.cfg.BrokerURL+endpoint,
		retry.WithBody("application/json", bytes.NewBuffer(jsonData)),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "broker unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "reading broker response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyBrokerError(resp.StatusCode, body)
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "decoding broker response", err)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		return nil, apperr.New(apperr.KindTransient, "broker returned incomplete grant")
	}
	return &grant, nil
}

// classifyBrokerError maps a broker rejection onto the error taxonomy.
// The structured error code in the body wins over the HTTP status.
func classifyBrokerError(status int, body []byte) error {
	var e brokerErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		switch apperr.Kind(e.Error) {
		case apperr.KindInvalidInput,
			apperr.KindReplayDetected,
			apperr.KindRateLimited,
			apperr.KindNeedsReconnect,
			apperr.KindTransient:
			return apperr.New(apperr.Kind(e.Error), e.Message)
		}
	}

	switch {
	case status == http.StatusConflict:
		return apperr.Newf(apperr.KindReplayDetected, "broker rejected reused code (HTTP %d)", status)
	case status == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "broker throttled the caller (HTTP %d)", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Newf(apperr.KindInvalidInput, "broker rejected caller credentials (HTTP %d)", status)
	case status >= 400 && status < 500:
		return apperr.Newf(apperr.KindInvalidInput, "broker rejected request (HTTP %d)", status)
	default:
		return apperr.Newf(apperr.KindTransient, "broker error (HTTP %d)", status)
	}
}
