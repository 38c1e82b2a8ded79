// Package portal is the HTTP client for the main portal's auth backend.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"hubbridge/internal/auth"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
)

// Client calls the portal's login/verify/refresh endpoints. Backend response
// shapes are adapted here; callers only see tokens, claims, and fault kinds.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	maxRetries int
	breaker    *Breaker
	logger     *slog.Logger
}

// New creates a portal client from configuration.
func New(cfg config.PortalConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		breaker:    NewBreaker(cfg.FailureThreshold, cfg.FailureWindow, cfg.Cooldown),
		logger:     logger,
	}
}

// Available reports whether the circuit currently admits calls.
func (c *Client) Available() bool {
	return !c.breaker.Open()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type claimsResponse struct {
	Subject  string   `json:"subject"`
	Roles    []string `json:"roles"`
	Issuer   string   `json:"issuer"`
	IssuedAt int64    `json:"issued_at"`
	NotAfter int64    `json:"not_after"`
}

// Login exchanges credentials for a token. Never retried: a retry against a
// portal with account lockout counts as another failed attempt.
func (c *Client) Login(ctx context.Context, user, pass string) (string, error) {
	body, _ := json.Marshal(loginRequest{Username: user, Password: pass})

	var resp tokenResponse
	status, err := c.doOnce(ctx, http.MethodPost, "/api/auth/login", body, &resp)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK:
		return resp.Token, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", fault.New(fault.Unauthenticated, "portal rejected credentials")
	case status >= 500:
		return "", fault.Newf(fault.BackendUnavailable, "portal login returned %d", status)
	default:
		return "", fault.Newf(fault.Internal, "unexpected portal status %d", status)
	}
}

// Verify asks the portal to validate a token and return its claims.
// Idempotent, so connection errors and 5xx responses are retried.
func (c *Client) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	body, _ := json.Marshal(tokenResponse{Token: token})

	var resp claimsResponse
	status, err := c.doRetry(ctx, http.MethodPost, "/api/auth/verify", body, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		if resp.Subject == "" || resp.NotAfter == 0 {
			return nil, fault.New(fault.Internal, "portal verify response missing fields")
		}
		return &auth.Claims{
			Subject:  resp.Subject,
			Roles:    resp.Roles,
			Issuer:   resp.Issuer,
			IssuedAt: time.Unix(resp.IssuedAt, 0),
			NotAfter: time.Unix(resp.NotAfter, 0),
		}, nil
	case http.StatusUnauthorized:
		return nil, fault.New(fault.Expired, "portal reports token invalid")
	default:
		return nil, fault.Newf(fault.Internal, "unexpected portal status %d", status)
	}
}

// Refresh exchanges a token for a newer one. Idempotent on the portal side,
// so it shares Verify's retry policy.
func (c *Client) Refresh(ctx context.Context, token string) (string, error) {
	body, _ := json.Marshal(tokenResponse{Token: token})

	var resp tokenResponse
	status, err := c.doRetry(ctx, http.MethodPost, "/api/auth/refresh", body, &resp)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		if resp.Token == "" {
			return "", fault.New(fault.Internal, "portal refresh response missing token")
		}
		return resp.Token, nil
	case http.StatusUnauthorized:
		return "", fault.New(fault.Expired, "portal refused to refresh token")
	default:
		return "", fault.Newf(fault.Internal, "unexpected portal status %d", status)
	}
}

// doRetry performs the call with up to maxRetries retries on connection
// errors and 5xx responses, using exponential backoff with jitter.
func (c *Client) doRetry(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return 0, fault.Wrap(fault.Timeout, "portal call aborted", ctx.Err())
			case <-time.After(backoff):
			}
		}

		status, err := c.doOnce(ctx, method, path, body, out)
		if err != nil {
			lastErr = err
			if errors.Is(err, errCircuitOpen) {
				// An open circuit fails every attempt until the cooldown
				// elapses; retrying would only burn the backoff.
				return 0, err
			}
			if fault.Is(err, fault.BackendUnavailable) || fault.Is(err, fault.Timeout) {
				continue
			}
			return 0, err
		}
		if status >= 500 {
			lastErr = fault.Newf(fault.BackendUnavailable, "portal returned %d", status)
			continue
		}
		return status, nil
	}
	return 0, lastErr
}

// errCircuitOpen marks a short-circuited call so the retry loop stops
// instead of waiting out the cooldown.
var errCircuitOpen = errors.New("portal circuit open")

// doOnce performs a single HTTP exchange, recording breaker outcomes.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	if !c.breaker.Allow() {
		return 0, fault.Wrap(fault.BackendUnavailable, "portal circuit open", errCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fault.Wrap(fault.Internal, "build portal request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiToken))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return 0, fault.Wrap(fault.Timeout, "portal call aborted", ctx.Err())
		}
		return 0, fault.Wrap(fault.BackendUnavailable, "portal unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if out != nil && resp.StatusCode == http.StatusOK {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return 0, fault.Wrap(fault.BackendUnavailable, "read portal response", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return 0, fault.Wrap(fault.Internal, "parse portal response", err)
		}
	}
	return resp.StatusCode, nil
}
