// Package ntfy implements a client for the ntfy push notification service.
package ntfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/touchfish/dailytask/internal/resilience"
)

// Priority is the ntfy message priority, 1 (min) through 5 (max).
type Priority int

const (
	PriorityMin     Priority = 1
	PriorityLow     Priority = 2
	PriorityDefault Priority = 3
	PriorityHigh    Priority = 4
	PriorityMax     Priority = 5
)

// Attachment references a file attached to a message. URL is required;
// ntfy fetches it server-side.
type Attachment struct {
	Filename string
	URL      string
}

// Message is a single ntfy publication.
type Message struct {
	Topic      string
	Message    string
	Title      string
	Priority   Priority
	Tags       []string
	Click      string
	Icon       string
	Markdown   bool
	Delay      string
	Email      string
	Attachment *Attachment
}

// payload is the JSON body of the publish call. Fields mirror the ntfy
// publish-as-JSON API.
type payload struct {
	Topic    string   `json:"topic"`
	Message  string   `json:"message"`
	Title    string   `json:"title,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Click    string   `json:"click,omitempty"`
	Icon     string   `json:"icon,omitempty"`
	Markdown bool     `json:"markdown,omitempty"`
	Delay    string   `json:"delay,omitempty"`
	Email    string   `json:"email,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Attach   string   `json:"attach,omitempty"`
}

type publishResult struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Client publishes messages to an ntfy server.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	retry    resilience.RetryConfig
}

// New creates an ntfy client. Username and password are optional; when both
// are set requests use HTTP basic auth.
func New(baseURL, username, password string, retry resilience.RetryConfig) *Client {
	retry.RetryIf = resilience.IsTimeout
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 24 * time.Second},
		retry:    retry,
	}
}

// Send publishes a message, retrying on timeouts.
func (c *Client) Send(ctx context.Context, msg Message) error {
	body := payload{
		Topic:    msg.Topic,
		Message:  msg.Message,
		Title:    msg.Title,
		Priority: int(msg.Priority),
		Tags:     msg.Tags,
		Click:    msg.Click,
		Icon:     msg.Icon,
		Markdown: msg.Markdown,
		Delay:    msg.Delay,
		Email:    msg.Email,
	}
	if msg.Attachment != nil {
		body.Filename = msg.Attachment.Filename
		body.Attach = msg.Attachment.URL
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode ntfy message: %w", err)
	}

	return resilience.WithRetry(ctx, func(ctx context.Context) error {
		return c.publish(ctx, data)
	}, c.retry)
}

func (c *Client) publish(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy request failed: %w", err)
	}
	defer resp.Body.Close()

	var result publishResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode ntfy response: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("ntfy publish rejected: %s (code %d)", result.Error, result.Code)
	}
	return nil
}
