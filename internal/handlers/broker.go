// Package handlers implements the broker's HTTP surface: the token
// exchange and refresh endpoints plus health reporting. The broker is
// the only place the provider client secret is ever used.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/audit"
	"github.com/ramzidaher/Penny-sub000/internal/cache"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/middleware"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/store"
	"github.com/ramzidaher/Penny-sub000/internal/util"
)

// usedCodeTTL mirrors the provider-side authorization code lifetime.
const usedCodeTTL = 10 * time.Minute

// Broker handles token endpoint requests.
type Broker struct {
	cfg         *config.Config
	store       *store.Store
	markers     *cache.RueidisMarkerCache // nil in single-instance deployments
	audit       *audit.Service
	metrics     metrics.Recorder
	clock       clockwork.Clock
	retryClient *retry.Client
}

func NewBroker(
	cfg *config.Config,
	st *store.Store,
	markers *cache.RueidisMarkerCache,
	auditSvc *audit.Service,
	rec metrics.Recorder,
	clock clockwork.Clock,
) (*Broker, error) {
	retryClient, err := retry.NewRealtimeClient(
		retry.WithHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout}),
		retry.WithMaxRetries(cfg.ProviderMaxRetries),
		retry.WithInitialRetryDelay(cfg.ProviderRetryDelay),
		retry.WithMaxRetryDelay(cfg.ProviderMaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &Broker{
		cfg:         cfg,
		store:       st,
		markers:     markers,
		audit:       auditSvc,
		metrics:     rec,
		clock:       clock,
		retryClient: retryClient,
	}, nil
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type grantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// providerTokenResponse is the provider's token endpoint wire format.
type providerTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// Exchange trades an authorization code for tokens. Every attempt,
// accepted or rejected, lands in the audit trail with the code hash.
func (b *Broker) Exchange(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	start := b.clock.Now()

	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		b.rejectExchange(c, userID, "", http.StatusBadRequest,
			apperr.KindInvalidInput, "malformed request body")
		return
	}
	codeHash := util.SHA256Hex(req.Code)

	// 1. Shape validation before any state changes.
	if !util.IsValidAuthCode(req.Code) {
		b.rejectExchange(c, userID, codeHash, http.StatusBadRequest,
			apperr.KindInvalidInput, "authorization code failed format validation")
		return
	}
	if req.RedirectURI != b.cfg.RedirectURI {
		b.rejectExchange(c, userID, codeHash, http.StatusBadRequest,
			apperr.KindInvalidInput, "redirect URI not in allow list")
		return
	}

	// 2. One-time consumption. The Redis marker answers fast across
	// instances; the database row is the authoritative claim.
	if err := b.claimCode(c, userID, codeHash); err != nil {
		if apperr.Is(err, apperr.KindReplayDetected) {
			_ = b.audit.LogSync(c, audit.Entry{
				EventType:    models.EventExchangeReplay,
				Severity:     models.SeverityCritical,
				UserID:       userID,
				Action:       "exchange",
				Details:      models.AuditDetails{"code_hash": codeHash},
				ErrorMessage: err.Error(),
			})
			b.metrics.RecordExchange("replay", b.clock.Since(start))
			c.JSON(http.StatusConflict, gin.H{
				"error":   string(apperr.KindReplayDetected),
				"message": "authorization code already used",
			})
			return
		}
		b.rejectExchange(c, userID, codeHash, http.StatusServiceUnavailable,
			apperr.KindTransient, "used-code store unavailable")
		return
	}

	// 3. Forward to the provider with the broker-held client secret.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {b.cfg.ProviderClientID},
		"client_secret": {b.cfg.ProviderClientSecret},
		"redirect_uri":  {req.RedirectURI},
		"code":          {req.Code},
	}
	grant, err := b.providerToken(c.Request.Context(), form)
	if err != nil {
		b.metrics.RecordExchange(string(apperr.KindOf(err)), b.clock.Since(start))
		b.auditProviderFailure(c, userID, "exchange",
			models.AuditDetails{"code_hash": codeHash}, err)
		writeError(c, err)
		return
	}

	b.metrics.RecordExchange("success", b.clock.Since(start))
	b.audit.Log(c, audit.Entry{
		EventType: models.EventExchangeSucceeded,
		Severity:  models.SeverityInfo,
		UserID:    userID,
		Action:    "exchange",
		Details:   models.AuditDetails{"code_hash": codeHash},
		Success:   true,
	})

	// 4. Sanitized response: the token triple and nothing else from
	// the provider's payload.
	c.JSON(http.StatusOK, grantResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
	})
}

// Refresh rotates a token triple from a refresh token.
func (b *Broker) Refresh(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	start := b.clock.Now()

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		b.metrics.RecordRefresh(string(apperr.KindInvalidInput), b.clock.Since(start))
		b.audit.Log(c, audit.Entry{
			EventType:    models.EventInvalidCallerRequest,
			Severity:     models.SeverityWarning,
			UserID:       userID,
			Action:       "refresh",
			ErrorMessage: "missing refresh token",
		})
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(apperr.KindInvalidInput),
			"message": "missing refresh token",
		})
		return
	}
	tokenHash := util.SHA256Hex(req.RefreshToken)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {b.cfg.ProviderClientID},
		"client_secret": {b.cfg.ProviderClientSecret},
		"refresh_token": {req.RefreshToken},
	}
	grant, err := b.providerToken(c.Request.Context(), form)
	if err != nil {
		b.metrics.RecordRefresh(string(apperr.KindOf(err)), b.clock.Since(start))
		if apperr.Is(err, apperr.KindNeedsReconnect) {
			b.audit.Log(c, audit.Entry{
				EventType:    models.EventRefreshRejected,
				Severity:     models.SeverityWarning,
				UserID:       userID,
				Action:       "refresh",
				Details:      models.AuditDetails{"refresh_token_hash": tokenHash},
				ErrorMessage: err.Error(),
			})
		} else {
			b.auditProviderFailure(c, userID, "refresh",
				models.AuditDetails{"refresh_token_hash": tokenHash}, err)
		}
		writeError(c, err)
		return
	}

	b.metrics.RecordRefresh("success", b.clock.Since(start))
	b.audit.Log(c, audit.Entry{
		EventType: models.EventRefreshSucceeded,
		Severity:  models.SeverityInfo,
		UserID:    userID,
		Action:    "refresh",
		Details:   models.AuditDetails{"refresh_token_hash": tokenHash},
		Success:   true,
	})

	c.JSON(http.StatusOK, grantResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
	})
}

// Healthz reports liveness plus marker-cache reachability.
func (b *Broker) Healthz(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if b.markers != nil {
		if err := b.markers.Health(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["marker_cache"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
	}
	c.JSON(http.StatusOK, status)
}

// claimCode enforces one-time code consumption. Returns ReplayDetected
// when the code has been seen, StorageUnavailable when the claim cannot
// be made at all. Fail closed: no claim, no exchange.
func (b *Broker) claimCode(ctx context.Context, userID, codeHash string) error {
	if b.markers != nil {
		fresh, err := b.markers.SetNX(ctx, "used_code:"+codeHash, userID, usedCodeTTL)
		if err == nil && !fresh {
			return apperr.New(apperr.KindReplayDetected, "code marker already present")
		}
		// Marker cache errors fall through to the database claim.
	}

	claimed, err := b.store.MarkCodeUsed(codeHash, userID, b.clock.Now(), usedCodeTTL)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "claiming code", err)
	}
	if !claimed {
		return apperr.New(apperr.KindReplayDetected, "code already claimed")
	}
	return nil
}

// providerToken calls the provider's token endpoint and classifies the
// outcome. invalid_grant on a refresh means the grant is gone, which is
// the caller's signal to re-run authorization.
func (b *Broker) providerToken(ctx context.Context, form url.Values) (*providerTokenResponse, error) {
	resp, err := b.retryClient.Post(
		ctx,
		b.cfg.ProviderTokenURL,
		retry.WithBody("application/x-www-form-urlencoded", strings.NewReader(form.Encode())),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "reading provider response", err)
	}

	var tok providerTokenResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "decoding provider response", err)
		}
		if tok.AccessToken == "" || tok.RefreshToken == "" {
			return nil, apperr.New(apperr.KindTransient, "provider returned incomplete grant")
		}
		return &tok, nil
	}

	_ = json.Unmarshal(body, &tok)
	switch {
	case resp.StatusCode >= 500:
		return nil, apperr.Newf(apperr.KindTransient, "provider error (HTTP %d)", resp.StatusCode)
	case tok.Error == "invalid_grant" && form.Get("grant_type") == "refresh_token":
		return nil, apperr.New(apperr.KindNeedsReconnect, "provider rejected refresh token")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.New(apperr.KindRateLimited, "provider throttled the broker")
	default:
		return nil, apperr.Newf(apperr.KindInvalidInput, "provider rejected grant: %s", tok.Error)
	}
}

func (b *Broker) rejectExchange(
	c *gin.Context,
	userID, codeHash string,
	status int,
	kind apperr.Kind,
	message string,
) {
	details := models.AuditDetails{}
	if codeHash != "" {
		details["code_hash"] = codeHash
	}
	b.audit.Log(c, audit.Entry{
		EventType:    models.EventExchangeRejected,
		Severity:     models.SeverityWarning,
		UserID:       userID,
		Action:       "exchange",
		Details:      details,
		ErrorMessage: message,
	})
	b.metrics.RecordExchange(string(kind), 0)
	c.JSON(status, gin.H{"error": string(kind), "message": message})
}

func (b *Broker) auditProviderFailure(
	c *gin.Context,
	userID, action string,
	details models.AuditDetails,
	err error,
) {
	eventType := models.EventExchangeRejected
	severity := models.SeverityWarning
	if apperr.Retryable(err) {
		eventType = models.EventProviderUnavailable
		severity = models.SeverityError
	} else if action == "refresh" {
		eventType = models.EventRefreshRejected
	}
	b.audit.Log(c, audit.Entry{
		EventType:    eventType,
		Severity:     severity,
		UserID:       userID,
		Action:       action,
		Details:      details,
		ErrorMessage: err.Error(),
	})
}

// writeError maps a classified error onto the broker's wire format.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusBadGateway
	switch kind {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindReplayDetected:
		status = http.StatusConflict
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	case apperr.KindNeedsReconnect:
		status = http.StatusUnprocessableEntity
	case apperr.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": string(kind), "message": err.Error()})
}
