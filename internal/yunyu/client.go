// Package yunyu implements a client for the YunYu prepaid-energy billing
// portal.
//
// The portal authenticates with an access token carried in a SESSION cookie.
// Access tokens expire; a long-lived refresh token obtains new ones without
// a password login. Both tokens are persisted in the cache directory so
// restarts don't burn logins.
package yunyu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/touchfish/dailytask/internal/resilience"
)

// ErrUnauthorized indicates the portal rejected the session token. The
// client refreshes its token before returning it, so a retry usually
// succeeds.
var ErrUnauthorized = errors.New("yunyu: unauthorized")

// envelope is the portal's uniform response shape.
type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// unauthorizedCode is the envelope code the portal uses for expired sessions.
const unauthorizedCode = -5

// Bill is one prepaid-energy settlement entry.
type Bill struct {
	ConsumeDate json.Number `json:"consumeDate"` // unix millis
	AvgUsing    json.Number `json:"avgUsing"`    // kWh
	UnitPrice   json.Number `json:"unitPrice"`
	Rate        json.Number `json:"rate"`
	Fee         json.Number `json:"fee"`
}

// BillPage is one page of settlement entries, newest first.
type BillPage struct {
	Content []Bill `json:"content"`
}

// Client is a YunYu portal client. Safe for concurrent use.
type Client struct {
	baseURL  string
	account  string
	password string
	cacheDir string

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	http    *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// New creates a YunYu client, loading any tokens persisted in cacheDir.
func New(baseURL, account, password, cacheDir string, retry resilience.RetryConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retry.RetryIf = func(err error) bool {
		return errors.Is(err, ErrUnauthorized) || resilience.IsTimeout(err)
	}

	c := &Client{
		baseURL:  baseURL,
		account:  account,
		password: password,
		cacheDir: cacheDir,
		http:     &http.Client{Timeout: 24 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "yunyu",
			Timeout: 24 * time.Second,
		}),
		retry:  retry,
		logger: logger.With("component", "yunyu"),
	}
	c.loadTokens()
	return c
}

// FetchEnergyBills retrieves one page of prepaid-energy settlement entries.
func (c *Client) FetchEnergyBills(ctx context.Context, page int) (*BillPage, error) {
	if page < 1 {
		page = 1
	}

	var bills BillPage
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodPost, "/smart/prepayEnergyList/page", map[string]any{"pageNo": page})
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &bills)
	}, c.retry)
	if err != nil {
		return nil, err
	}
	return &bills, nil
}

// FetchBalance retrieves the current prepaid balance.
func (c *Client) FetchBalance(ctx context.Context) (json.Number, error) {
	var balance json.Number
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodGet, "/user/prepayBalance", nil)
		if err != nil {
			return err
		}
		var result struct {
			Balance json.Number `json:"balance"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("failed to decode balance: %w", err)
		}
		balance = result.Balance
		return nil
	}, c.retry)
	if err != nil {
		return "", err
	}
	return balance, nil
}

// do performs an authenticated portal call and returns the envelope data.
// Expired sessions refresh the access token and surface ErrUnauthorized so
// the retry layer re-runs the call with the new token.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var result envelope
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Cookie", "SESSION="+c.currentAccessToken())

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Code == unauthorizedCode {
		if err := c.refreshAccessToken(ctx); err != nil {
			c.logger.Error("failed to refresh access token", "error", err)
		}
		return nil, ErrUnauthorized
	}
	if !result.Success {
		return nil, fmt.Errorf("yunyu: %s %s failed: %s", method, path, result.Msg)
	}
	return result.Data, nil
}

// refreshAccessToken exchanges the refresh token for a new access token,
// falling back to a password login when the refresh token itself is dead.
func (c *Client) refreshAccessToken(ctx context.Context) error {
	result, err := c.plainPost(ctx, "/user/login/loginByToken", map[string]any{"token": c.currentRefreshToken()})
	if err != nil {
		return err
	}
	if result.Code != 0 {
		c.logger.Warn("refresh token rejected, falling back to login", "msg", result.Msg)
		return c.login(ctx)
	}

	token, err := accessTokenFromData(result.Data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
	c.saveToken("access_token", token)
	c.logger.Info("access token refreshed")
	return nil
}

// login performs a password login, then applies for a long-lived refresh
// token bound to the new session.
func (c *Client) login(ctx context.Context) error {
	result, err := c.plainPost(ctx, "/user/login", map[string]any{
		"account":  c.account,
		"password": c.password,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("yunyu: login failed: %s", result.Msg)
	}

	token, err := accessTokenFromData(result.Data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
	c.saveToken("access_token", token)
	c.logger.Info("login succeeded")

	return c.applyRefreshToken(ctx)
}

// applyRefreshToken fetches a long-lived refresh token for the current
// session.
func (c *Client) applyRefreshToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/user/login/applyToken", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Cookie", "SESSION="+c.currentAccessToken())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result envelope
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("yunyu: apply token failed: %s", result.Msg)
	}

	var token string
	if err := json.Unmarshal(result.Data, &token); err != nil {
		return fmt.Errorf("failed to decode refresh token: %w", err)
	}

	c.mu.Lock()
	c.refreshToken = token
	c.mu.Unlock()
	c.saveToken("refresh_token", token)
	c.logger.Info("refresh token applied")
	return nil
}

// plainPost performs an unauthenticated JSON POST against the portal.
func (c *Client) plainPost(ctx context.Context, path string, body map[string]any) (*envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result envelope
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

func accessTokenFromData(data json.RawMessage) (string, error) {
	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("failed to decode access token: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("yunyu: empty access token in response")
	}
	return payload.AccessToken, nil
}

func (c *Client) currentAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) currentRefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken
}

// loadTokens restores persisted tokens from the cache directory.
func (c *Client) loadTokens() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data, err := os.ReadFile(filepath.Join(c.cacheDir, "access_token")); err == nil {
		c.accessToken = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(c.cacheDir, "refresh_token")); err == nil {
		c.refreshToken = string(data)
	}
}

// saveToken persists a token to the cache directory.
func (c *Client) saveToken(name, value string) {
	if err := os.MkdirAll(c.cacheDir, 0o700); err != nil {
		c.logger.Error("failed to create cache dir", "path", c.cacheDir, "error", err)
		return
	}
	path := filepath.Join(c.cacheDir, name)
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		c.logger.Error("failed to persist token", "path", path, "error", err)
	}
}
