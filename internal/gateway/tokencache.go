package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
	"github.com/punchamoorthee/loanpay/internal/models"
)

// DefaultSafetyMargin is subtracted from the gateway's ttl so a credential is
// never handed out just before it expires.
const DefaultSafetyMargin = 60 * time.Second

// TokenCache holds the gateway bearer credential and refreshes it on demand.
// Concurrent callers that find the credential stale share one exchange.
type TokenCache struct {
	http         *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	margin       time.Duration
	timeout      time.Duration
	logger       *slog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu    sync.RWMutex
	cred  domain.Credential
	group singleflight.Group
}

func NewTokenCache(baseURL, clientID, clientSecret string, margin, timeout time.Duration, httpClient *http.Client, logger *slog.Logger) *TokenCache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		http:         httpClient,
		tokenURL:     strings.TrimRight(baseURL, "/") + "/oauth/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		margin:       margin,
		timeout:      timeout,
		logger:       logger.With("module", "gateway"),
		Now:          time.Now,
	}
}

// GetToken returns a fresh credential, exchanging client credentials only
// when the cached one is missing or inside its safety margin.
func (c *TokenCache) GetToken(ctx context.Context) (domain.Credential, error) {
	if cred, ok := c.cached(); ok {
		return cred, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		return c.refresh(ctx)
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, &AuthError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

// Invalidate drops the cached credential, e.g. after the gateway rejected it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = domain.Credential{}
	c.mu.Unlock()
}

func (c *TokenCache) cached() (domain.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred.FreshAt(c.Now()) {
		return c.cred, true
	}
	return domain.Credential{}, false
}

// refresh runs detached from the first caller's cancellation; the callers
// sharing this flight still get a result even if that caller gives up.
func (c *TokenCache) refresh(parent context.Context) (domain.Credential, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	issued := c.Now()
	tok, err := c.exchange(ctx)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		c.logger.ErrorContext(parent, "token exchange failed",
			"operation", "refresh_token",
			"outcome", "error",
			"error", err)
		return domain.Credential{}, err
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	margin := c.margin
	if ttl <= 2*margin {
		margin = ttl / 2
	}
	cred := domain.Credential{
		Token:     tok.AccessToken,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl - margin),
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	c.logger.InfoContext(parent, "gateway token refreshed",
		"operation", "refresh_token",
		"outcome", "ok",
		"expires_at", cred.ExpiresAt)
	return cred, nil
}

func (c *TokenCache) exchange(ctx context.Context) (models.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.TokenResponse{}, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.TokenResponse{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.TokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.TokenResponse{}, &AuthError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("token endpoint: %s", truncate(string(body), 256)),
		}
	}

	var tok models.TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return models.TokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return models.TokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Err: errors.New("empty access_token")}
	}
	if tok.ExpiresIn <= 0 {
		return models.TokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid expires_in %d", tok.ExpiresIn)}
	}
	return tok, nil
}
