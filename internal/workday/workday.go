// Package workday queries the workday calendar service that gates scheduled
// check-ins.
package workday

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the workday calendar service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a workday calendar client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 24 * time.Second},
	}
}

// IsWorkday reports whether today is a workday according to the calendar
// service.
func (c *Client) IsWorkday(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/workday/today", nil)
	if err != nil {
		return false, fmt.Errorf("failed to build workday request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("workday request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			IsWorkday bool `json:"isWorkday"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode workday response: %w", err)
	}
	if !result.Success {
		return false, fmt.Errorf("workday service returned failure")
	}
	return result.Data.IsWorkday, nil
}
