// Package client is a small Go client for the remindd HTTP API. It is what
// the surrounding invoicing application uses to schedule and cancel
// reminders when invoices are created, updated or settled.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kivohq/remindd/internal/reminder"
)

// Client talks to one remindd server on behalf of one tenant.
type Client struct {
	baseURL  string
	tenantID string
	apiKey   string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the X-Api-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client for the given server base URL and tenant.
func New(baseURL, tenantID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tenantID: tenantID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessResult mirrors the server's process summary.
type ProcessResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Schedule creates or replaces the reminder set for an invoice and returns
// the number of jobs scheduled.
func (c *Client) Schedule(ctx context.Context, invoiceID string, dueDate time.Time) (int, error) {
	var out struct {
		Scheduled int `json:"scheduled"`
	}
	body := map[string]any{
		"invoice_id": invoiceID,
		"due_date":   dueDate.UTC().Format(time.RFC3339),
	}
	if err := c.post(ctx, "/reminders/schedule", body, &out); err != nil {
		return 0, err
	}
	return out.Scheduled, nil
}

// Cancel permanently cancels all reminders for an invoice. Cancelling an
// unknown invoice succeeds.
func (c *Client) Cancel(ctx context.Context, invoiceID string) error {
	return c.post(ctx, "/reminders/cancel", map[string]any{"invoice_id": invoiceID}, nil)
}

// Process triggers a manual process pass for the tenant.
func (c *Client) Process(ctx context.Context) (ProcessResult, error) {
	var out ProcessResult
	err := c.post(ctx, "/reminders/process", map[string]any{}, &out)
	return out, err
}

// InvoiceStatus returns the tracked schedule for one invoice, or nil when
// the invoice is not tracked.
func (c *Client) InvoiceStatus(ctx context.Context, invoiceID string) (*reminder.Schedule, error) {
	var out *reminder.Schedule
	path := "/reminders/status?invoice_id=" + url.QueryEscape(invoiceID)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the tenant's full tracked state.
func (c *Client) Status(ctx context.Context) (*reminder.State, error) {
	out := reminder.NewState()
	if err := c.get(ctx, "/reminders/status", out); err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Transport plumbing ──────────────────────────────────────────────────────

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/tenants/%s%s", c.baseURL, url.PathEscape(c.tenantID), path)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("client: %s %s: %d: %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("client: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
