// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend is the HTTP client for the authentication REST API.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/sessionkeeper/internal/offline"
	"github.com/jeranaias/sessionkeeper/internal/util"
)

// Configuration defaults.
const (
	// DefaultTimeout bounds every request, including rate-limit waits.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries applies to GET /auth/me only.
	DefaultMaxRetries = 2

	// DefaultRequestsPerSecond and DefaultBurst pace outgoing calls.
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 5

	// MaxResponseSize caps how much of a response body is read.
	MaxResponseSize = 1 << 20

	// maxMessageRunes caps server messages surfaced to users.
	maxMessageRunes = 200

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second

	// RequestIDHeader carries a per-request UUID for server-side correlation.
	RequestIDHeader = "X-Request-ID"
)

// API paths.
const (
	PathLogin   = "/auth/login"
	PathLogout  = "/auth/logout"
	PathRefresh = "/auth/refresh"
	PathMe      = "/auth/me"
)

// Config holds client settings.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	UserAgent         string
}

// Client talks to the authentication backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	userAgent  string
	backoff    time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	guard      *offline.Guard
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithGuard attaches the offline guard checked before every request.
func WithGuard(g *offline.Guard) Option {
	return func(c *Client) {
		c.guard = g
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l.With().Str("component", "backend").Logger()
	}
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	if err := offline.ValidateEndpoint(base); err != nil {
		return nil, fmt.Errorf("invalid backend base URL %q: %w", base, err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sessionkeeper"
	}

	c := &Client{
		baseURL:    base,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		userAgent:  cfg.UserAgent,
		backoff:    retryBaseDelay,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// AUTH OPERATIONS
// =============================================================================

// Login exchanges credentials for a user snapshot and token pair.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, PathLogin, "", loginRequest{Identifier: identifier, Secret: secret}, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil || resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: login response missing user or access token", ErrInvalidResponse)
	}
	return &LoginResult{
		User: *resp.User,
		Tokens: TokenPair{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresIn:    seconds(resp.ExpiresIn),
		},
	}, nil
}

// Logout revokes accessToken on the server.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, PathLogout, accessToken, nil, nil)
}

// Refresh exchanges a refresh token for a new token pair. Never retried.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var resp refreshResponse
	if err := c.do(ctx, http.MethodPost, PathRefresh, "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access token", ErrInvalidResponse)
	}
	return &TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    seconds(resp.ExpiresIn),
	}, nil
}

// CurrentUser fetches the user owning accessToken. Transient failures are
// retried with exponential backoff up to the configured limit.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		var resp meResponse
		err := c.do(ctx, http.MethodGet, PathMe, accessToken, nil, &resp)
		if err == nil {
			if resp.User == nil || resp.User.ID == "" {
				return nil, fmt.Errorf("%w: /auth/me response missing user", ErrInvalidResponse)
			}
			return resp.User, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying current user lookup")
	}
	return nil, lastErr
}

// calculateBackoff returns the delay before retry number attempt (1-based).
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.backoff * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	target := c.baseURL + path
	if err := c.guard.CheckNetworkAllowed(target); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", ErrNetworkUnavailable, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		c.logger.Debug().Str("method", method).Str("path", path).Str("request_id", requestID).
			Err(err).Msg("backend request failed")
		return fmt.Errorf("%w: %s %s: %w", ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	c.logger.Debug().Str("method", method).Str("path", path).Str("request_id", requestID).
		Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("backend request")
	if err != nil {
		if errors.Is(err, ErrInvalidResponse) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data, requestID)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return fmt.Errorf("%w: empty body from %s", ErrInvalidResponse, path)
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// readResponse reads at most MaxResponseSize bytes of the body.
func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("%w: response exceeded %d bytes", ErrInvalidResponse, MaxResponseSize)
	}
	return data, nil
}

// newAPIError builds an APIError with a message that is safe to show.
func newAPIError(status int, body []byte, requestID string) *APIError {
	var eb errorBody
	msg := ""
	if json.Unmarshal(body, &eb) == nil {
		msg = eb.Message
		if msg == "" {
			msg = eb.Error
		}
	}
	msg = util.TruncateRunes(strings.TrimSpace(util.StripControl(msg)), maxMessageRunes)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg, RequestID: requestID}
}

func seconds(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
