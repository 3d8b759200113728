// Package taskservice is a thin REST client for the remote task/board
// service (§4.B, §6.1): the orchestrator's only consumer-side integration
// point, treated per spec.md as an external collaborator whose interface
// (not internals) is specified.
package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/resilience"
)

// Client talks to the task service over JSON/HTTP, per §4.B/§6.1.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string

	breaker *resilience.CircuitBreaker

	cacheMu     sync.RWMutex
	cachedTasks []model.Task
}

// New constructs a Client. The http.Client embeds the teacher's
// HTTPPlugin connection-pooling settings (bounded idle connections, 30s
// client timeout) since the task service client is this orchestrator's
// closest analogue to that plugin's outbound HTTP calls.
func New(baseURL, userID string) *Client {
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 2),
	}
}

// SetTokens installs the current access/refresh token pair, e.g. after an
// out-of-band login.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

func (c *Client) currentAccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// maybeProactiveRefresh parses (without verifying signature — the client
// has no signing key) the access token's exp claim and refreshes ahead of
// expiry, backstopping the mandated reactive 401-refresh-retry.
func (c *Client) maybeProactiveRefresh(ctx context.Context) {
	token := c.currentAccessToken()
	if token == "" {
		return
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if time.Until(exp.Time) > 30*time.Second {
		return
	}
	if err := c.refresh(ctx); err != nil {
		slog.Warn("proactive token refresh failed", "error", err)
	}
}

// doJSON performs one request, decoding the response into out (if
// non-nil). On a 401 it attempts exactly one refresh then one retry;
// any non-2xx after that surfaces as *TaskServiceError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	c.maybeProactiveRefresh(ctx)

	if !c.breaker.Allow() {
		return fmt.Errorf("task service circuit open")
	}

	// A non-5xx response ends the retry loop at once: only transport errors
	// and 5xx responses are retried.
	var terminal error
	_, err := resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
		status, respBody, rerr := c.attempt(ctx, method, path, body)
		if rerr != nil {
			return struct{}{}, rerr
		}
		if status == http.StatusUnauthorized {
			if refreshErr := c.refresh(ctx); refreshErr == nil {
				status, respBody, rerr = c.attempt(ctx, method, path, body)
				if rerr != nil {
					return struct{}{}, rerr
				}
			}
		}
		if status < 200 || status >= 300 {
			if status < 500 {
				terminal = newTaskServiceError(status, respBody)
				return struct{}{}, nil
			}
			return struct{}{}, newTaskServiceError(status, respBody)
		}
		if out != nil && len(respBody) > 0 {
			if jerr := json.Unmarshal(respBody, out); jerr != nil {
				return struct{}{}, jerr
			}
		}
		return struct{}{}, nil
	})
	if err == nil {
		err = terminal
	}
	c.breaker.RecordResult(err == nil)
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-user-id", c.userID)
	if tok := c.currentAccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func newTaskServiceError(status int, body []byte) *TaskServiceError {
	msg := string(body)
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &TaskServiceError{StatusCode: status, Message: msg}
}

// refresh exchanges the current refresh token for a new access/refresh
// pair against POST /api/auth/refresh.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.RLock()
	rt := c.refreshToken
	c.mu.RUnlock()
	if rt == "" {
		return fmt.Errorf("no refresh token available")
	}

	status, body, err := c.attempt(ctx, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": rt})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return newTaskServiceError(status, body)
	}
	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.accessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		c.refreshToken = payload.RefreshToken
	}
	c.mu.Unlock()
	return nil
}
