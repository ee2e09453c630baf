// Package client is a signed HTTP client for the outbox API used by producers,
// edge agents and the admin CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"command-outbox/internal/signature"
)

// Client talks to one outbox server as one agent.
type Client struct {
	baseURL     string
	agentID     string
	secret      string
	timestamped bool
	http        *http.Client
	now         func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithTimestamp binds signatures to the send time.
func WithTimestamp() Option { return func(c *Client) { c.timestamped = true } }

// New builds a client. An empty secret sends unsigned requests.
func New(baseURL, agentID, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AgentID returns the identity sent on every call.
func (c *Client) AgentID() string { return c.agentID }

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string { return fmt.Sprintf("outbox api %d: %s", e.Status, e.Msg) }

// Command is a leased command as returned by pull.
type Command struct {
	ID             string          `json:"id"`
	TS             int64           `json:"ts"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LeaseExpiresAt int64           `json:"lease_expires_at"`
}

// EnqueueResult mirrors the enqueue response.
type EnqueueResult struct {
	OK        bool   `json:"ok"`
	Enqueued  bool   `json:"enqueued"`
	Duplicate bool   `json:"duplicate"`
	ID        string `json:"id"`
}

// Enqueue submits an envelope as-is.
func (c *Client) Enqueue(ctx context.Context, envelope any) (EnqueueResult, error) {
	var out EnqueueResult
	err := c.post(ctx, "/ops/enqueue", envelope, &out)
	return out, err
}

// Pull leases up to limit commands.
func (c *Client) Pull(ctx context.Context, limit int, lease time.Duration) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	body := map[string]any{"limit": limit}
	if lease > 0 {
		body["lease_s"] = lease.Seconds()
	}
	if err := c.post(ctx, "/api/commands/pull", body, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// Renew extends a held lease; false means it was lost.
func (c *Client) Renew(ctx context.Context, id string, lease time.Duration) (bool, error) {
	var out struct {
		Renewed bool `json:"renewed"`
	}
	err := c.post(ctx, "/api/commands/renew", map[string]any{"id": id, "lease_s": lease.Seconds()}, &out)
	return out.Renewed, err
}

// Receipt is the detail sent with an ack.
type Receipt struct {
	Status  string          `json:"status,omitempty"`
	TxID    string          `json:"txid,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// AckResult mirrors the single-ack response.
type AckResult struct {
	Status       string `json:"status"`
	Transitioned bool   `json:"transitioned"`
}

// Heartbeat reports this agent as alive along with its latest round-trip latency.
func (c *Client) Heartbeat(ctx context.Context, latency time.Duration) error {
	ms := float64(latency) / float64(time.Millisecond)
	return c.post(ctx, "/api/heartbeat", map[string]any{"agent": c.agentID, "latency_ms": ms}, nil)
}

// Ack reports an outcome (DONE, ERROR or HELD) for a command.
func (c *Client) Ack(ctx context.Context, id, status string, rc Receipt) (AckResult, error) {
	var out AckResult
	err := c.post(ctx, "/api/commands/ack", map[string]any{"id": id, "status": status, "receipt": rc}, &out)
	return out, err
}

// Get fetches a JSON document, unsigned.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}
	if c.secret != "" {
		if c.timestamped {
			sig, ts := signature.SignTimestamped(c.secret, body, c.now())
			req.Header.Set(signature.Headers[0], sig)
			req.Header.Set(signature.TimestampHeader, ts)
		} else {
			req.Header.Set(signature.Headers[0], signature.Sign(c.secret, body))
		}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Err string `json:"err"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Err == "" {
			e.Err = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Msg: e.Err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
