// Package redsea implements a client for the RedSea attendance portal.
//
// Authentication is SSO: a signed createtoken call yields a one-shot token,
// oauthLogin exchanges it for session cookies. The portal signals an expired
// session with a 302 redirect to its index page or a JSON body whose state
// is "Nosession"; the client re-logs-in and surfaces ErrUnauthorized so the
// retry layer re-runs the call.
package redsea

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/touchfish/dailytask/internal/resilience"
)

// ErrUnauthorized indicates the portal session expired. The client logs in
// again before returning it, so a retry usually succeeds.
var ErrUnauthorized = errors.New("redsea: unauthorized")

const (
	ssoPath       = "/RedseaPlatform/vwork/third/api/sso.mob"
	userInfoPath  = "/RedseaPlatform/PtUsers.mc"
	punchPath     = "/RedseaPlatform/kqCommonDaka.mc"
	dayStatePath  = "/RedseaPlatform/dingDingKqInteface.mc"
	indexLocation = "/RedseaPlatform/index"
	loginIDType   = "EXTERNALUSE"
)

// User identifies the portal account behind the session.
type User struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	StaffID  string `json:"staffId"`
}

// PunchResult is the portal's answer to a punch call.
type PunchResult struct {
	Msg string `json:"msg"`
}

// DayCount summarizes the day's punches. The portal spreads punch times and
// statuses over three numbered column sets depending on the shift plan.
type DayCount struct {
	SbDkTime      string `json:"sbDkTime"`
	SbDkTime2     string `json:"sbDkTime2"`
	SbDkTime3     string `json:"sbDkTime3"`
	SbStatusName  string `json:"sbStatusName"`
	SbStatusName2 string `json:"sbStatusName2"`
	SbStatusName3 string `json:"sbStatusName3"`
	XbDkTime      string `json:"xbDkTime"`
	XbDkTime2     string `json:"xbDkTime2"`
	XbDkTime3     string `json:"xbDkTime3"`
	XbStatusName  string `json:"xbStatusName"`
	XbStatusName2 string `json:"xbStatusName2"`
	XbStatusName3 string `json:"xbStatusName3"`
}

// StartTime returns the first recorded clock-in time.
func (d *DayCount) StartTime() string {
	return firstNonEmpty(d.SbDkTime, d.SbDkTime2, d.SbDkTime3)
}

// StartStatus returns the clock-in status, defaulting to 正常.
func (d *DayCount) StartStatus() string {
	return firstNonEmpty(d.SbStatusName, d.SbStatusName2, d.SbStatusName3, "正常")
}

// EndTime returns the first recorded clock-out time, empty when the day is
// still open.
func (d *DayCount) EndTime() string {
	return firstNonEmpty(d.XbDkTime, d.XbDkTime2, d.XbDkTime3)
}

// EndStatus returns the clock-out status, defaulting to 正常.
func (d *DayCount) EndStatus() string {
	return firstNonEmpty(d.XbStatusName, d.XbStatusName2, d.XbStatusName3, "正常")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ssoResult is the envelope for sso.mob and punch endpoints.
type ssoResult struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result"`
	Meg    string          `json:"meg"`
	TipMsg string          `json:"tipMsg"`
}

// Client is a RedSea portal client. Safe for concurrent use.
type Client struct {
	baseURL   string
	hostname  string
	userAgent string
	appSecret string
	loginID   string
	agentID   string
	longitude []string
	latitude  []string
	address   string

	// session does not follow redirects so expired sessions (302 to the
	// index page) stay observable; loginHTTP shares the cookie jar and
	// follows the SSO redirect chain.
	session   *http.Client
	loginHTTP *http.Client

	mu   sync.Mutex
	user *User

	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	rnd     *rand.Rand
	logger  *slog.Logger
}

// Options carries the portal account settings.
type Options struct {
	BaseURL   string
	UserAgent string
	AppSecret string
	LoginID   string
	AgentID   string
	Longitude []string
	Latitude  []string
	Address   string
}

// New creates a RedSea client.
func New(opts Options, retry resilience.RetryConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parsed, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redsea base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	retry.RetryIf = func(err error) bool {
		return errors.Is(err, ErrUnauthorized) || resilience.IsTimeout(err)
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		hostname:  parsed.Hostname(),
		userAgent: opts.UserAgent,
		appSecret: opts.AppSecret,
		loginID:   opts.LoginID,
		agentID:   opts.AgentID,
		longitude: opts.Longitude,
		latitude:  opts.Latitude,
		address:   opts.Address,
		session: &http.Client{
			Timeout: 24 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		loginHTTP: &http.Client{Timeout: 24 * time.Second, Jar: jar},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "redsea",
			Timeout: 24 * time.Second,
		}),
		retry:  retry,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With("component", "redsea"),
	}, nil
}

// PunchCard performs an attendance punch with a randomly picked coordinate
// from the configured lists.
func (c *Client) PunchCard(ctx context.Context) (*PunchResult, error) {
	var punch PunchResult
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		if _, err := c.ensureUser(ctx); err != nil {
			return err
		}

		longitude := c.pick(c.longitude)
		latitude := c.pick(c.latitude)
		form := url.Values{
			"longitude":          {longitude},
			"latitude":           {latitude},
			"address":            {c.address},
			"actualAddress":      {longitude + "," + latitude},
			"agentId":            {c.agentID},
			"imei":               {""},
			"ssid":               {""},
			"faceUrl":            {""},
			"isLeave":            {"false"},
			"clientType":         {"1"},
			"mockGpsProbability": {""},
		}

		data, err := c.postForm(ctx, punchPath, url.Values{"method": {"daka"}}, form)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &punch)
	}, c.retry)
	if err != nil {
		return nil, err
	}
	return &punch, nil
}

// DayState queries the day's punch summary for the current user.
func (c *Client) DayState(ctx context.Context) (*DayCount, error) {
	var day DayCount
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		user, err := c.ensureUser(ctx)
		if err != nil {
			return err
		}

		data, err := c.postForm(ctx, dayStatePath, url.Values{
			"method": {"getDayTeam"},
			"userId": {user.UserID},
		}, nil)
		if err != nil {
			return err
		}

		var result struct {
			KqCountSimple DayCount `json:"kqCountSimple"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("failed to decode day state: %w", err)
		}
		day = result.KqCountSimple
		return nil
	}, c.retry)
	if err != nil {
		return nil, err
	}
	return &day, nil
}

// ensureUser lazily establishes the session and returns the current user.
// The caller gets its own reference; a concurrent invalidateSession only
// clears the cached pointer.
func (c *Client) ensureUser(ctx context.Context) (*User, error) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()
	if user != nil {
		return user, nil
	}

	if err := c.login(ctx); err != nil {
		return nil, err
	}

	user, err := c.fetchUserInfo(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	c.logger.Info("session established", "user_name", user.UserName, "staff_id", user.StaffID)
	return user, nil
}

// createToken requests a one-shot SSO token. The sign is
// md5(appSecret&loginId&timestampMillis).
func (c *Client) createToken(ctx context.Context) (string, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	params := url.Values{
		"method":      {"createtoken"},
		"loginId":     {c.loginID},
		"loginIdType": {loginIDType},
		"timestamp":   {timestamp},
		"sign":        {md5Hex(strings.Join([]string{c.appSecret, c.loginID, timestamp}, "&"))},
	}

	result, err := c.getSSO(ctx, params)
	if err != nil {
		return "", err
	}
	if result.State != "1" {
		return "", fmt.Errorf("redsea: create token failed: %s", result.Meg)
	}

	var token string
	if err := json.Unmarshal(result.Result, &token); err != nil {
		return "", fmt.Errorf("failed to decode sso token: %w", err)
	}
	return token, nil
}

// getSSO performs an unauthenticated GET against the SSO endpoint.
func (c *Client) getSSO(ctx context.Context, params url.Values) (*ssoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ssoPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.decorate(req)

	resp, err := c.session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sso request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ssoResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sso response: %w", err)
	}
	return &result, nil
}

// login exchanges an SSO token for session cookies.
func (c *Client) login(ctx context.Context) error {
	token, err := c.createToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{
		"method": {"oauthLogin"},
		"client": {"app"},
		"action": {"login"},
		"token":  {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ssoPath+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.decorate(req)

	// Follows the SSO redirect chain; session cookies land in the shared jar.
	resp, err := c.loginHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ssoResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.State != "1" {
		return fmt.Errorf("redsea: login failed: %s", result.TipMsg)
	}

	c.logger.Info("login succeeded")
	return nil
}

// fetchUserInfo resolves the account behind the current session.
func (c *Client) fetchUserInfo(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+userInfoPath+"?"+url.Values{"method": {"getCurUserInfo"}}.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.decorate(req)

	resp, err := c.session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info: %w", err)
	}
	// An empty body means the session was never established.
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrUnauthorized
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &user, nil
}

// postForm performs an authenticated form POST and returns the envelope
// result, translating session expiry into ErrUnauthorized after re-login.
func (c *Client) postForm(ctx context.Context, path string, params, form url.Values) (json.RawMessage, error) {
	var result ssoResult
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+params.Encode(), body)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		c.decorate(req)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("Referer", fmt.Sprintf(
			"https://%s/RedseaPlatform/jsp/kqUni/punchCard/punchCard.jsp?agentId=%s=&isQywx=1",
			c.hostname, c.agentID))

		resp, err := c.session.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		// Redirect to the index page means the session is gone.
		if resp.StatusCode == http.StatusFound && resp.Header.Get("Location") == indexLocation {
			c.invalidateSession()
			return ErrUnauthorized
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if result.State == "Nosession" {
			c.invalidateSession()
			return ErrUnauthorized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.State != "1" {
		return nil, fmt.Errorf("redsea: %s failed: %s", path, result.Meg)
	}
	return result.Result, nil
}

// invalidateSession drops the cached user so the next attempt logs in again.
func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
}

// decorate applies the headers the portal's gateway expects.
func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", "https://"+c.hostname)
	req.Host = c.hostname
}

func (c *Client) pick(values []string) string {
	if len(values) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return values[c.rnd.Intn(len(values))]
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}
