// Package sheet delivers merged delay notifications to the spreadsheet
// webhook. Delivery is best effort: a failed or skipped delivery is logged
// and never fails the reconciliation pass that produced it.
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Payload is one spreadsheet row. DelayDuration is nil when either end of
// the span is unknown, which the sheet renders as an empty cell.
type Payload struct {
	TaskGID       string `json:"task_gid"`
	TaskName      string `json:"task_name"`
	DelayCount    int    `json:"delay_count"`
	NewReason     string `json:"new_reason"`
	FirstDueOn    string `json:"first_due_on"`
	LatestDueOn   string `json:"latest_due_on"`
	DelayDuration *int   `json:"delay_duration"`
	UpdatedAt     string `json:"updated_at"`
	UpdatedBy     string `json:"updated_by"`
	ChangeType    string `json:"change_type"`
}

// DurationDays computes the whole-day span between two due dates, nil when
// either is unset or unparsable.
func DurationDays(firstDueOn, latestDueOn string) *int {
	if firstDueOn == "" || latestDueOn == "" {
		return nil
	}
	first, err := time.Parse("2006-01-02", firstDueOn)
	if err != nil {
		return nil
	}
	latest, err := time.Parse("2006-01-02", latestDueOn)
	if err != nil {
		return nil
	}
	days := int(latest.Sub(first).Hours() / 24)
	return &days
}

type Client struct {
	webhookURL string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Client) {
		s.httpClient = c
	}
}

// NewClient builds a sheet client. An empty webhookURL disables delivery.
func NewClient(webhookURL string, opts ...Option) *Client {
	c := &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts one row to the webhook. Returns nil and logs at debug level
// when no webhook is configured.
func (c *Client) Deliver(ctx context.Context, p *Payload) error {
	if c.webhookURL == "" {
		slog.DebugContext(ctx, "sheet webhook not configured, skipping delivery",
			slog.String("task_gid", p.TaskGID))
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal sheet payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build sheet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver sheet notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sheet webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
