// Package loadgen drives a running sessiond with simulated users and reports
// client latencies alongside the server's own Prometheus metrics.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Operation names used as latency buckets.
const (
	OpCreate     = "create"
	OpRead       = "read"
	OpWrite      = "write"
	OpRenew      = "renew"
	OpInvalidate = "invalidate"
)

// View is the session as returned by the session API.
type View struct {
	ID                 string         `json:"id"`
	NodeID             string         `json:"node_id"`
	New                bool           `json:"new"`
	MaxInactiveSeconds int64          `json:"max_inactive_seconds"`
	Attributes         map[string]any `json:"attributes"`
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// Client is one simulated user bound to a session context, e.g.
// "http://localhost:8080/app". It carries the session cookie between calls.
// A Client is not safe for concurrent use.
type Client struct {
	base       string
	cookieName string
	http       *http.Client
	cookie     *http.Cookie
	stats      *Collector
}

// NewClient creates a client for the context at baseURL. stats may be nil.
func NewClient(baseURL, cookieName string, hc *http.Client, stats *Collector) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		http:       hc,
		stats:      stats,
	}
}

// SessionID returns the cookie value, i.e. the node-qualified session id.
func (c *Client) SessionID() string {
	if c.cookie == nil {
		return ""
	}
	return c.cookie.Value
}

// Open creates the session, or loads it when the client already holds one.
func (c *Client) Open(ctx context.Context) (View, error) {
	op := OpRead
	if c.cookie == nil {
		op = OpCreate
	}
	var v View
	err := c.do(ctx, op, http.MethodGet, "/session", nil, http.StatusOK, &v)
	return v, err
}

// SetAttribute stores value under name.
func (c *Client) SetAttribute(ctx context.Context, name string, value any) (View, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return View{}, err
	}
	var v View
	err = c.do(ctx, OpWrite, http.MethodPut, "/session/attributes/"+name, body, http.StatusOK, &v)
	return v, err
}

// Renew moves the session to a new id.
func (c *Client) Renew(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, OpRenew, http.MethodPost, "/session/renew", nil, http.StatusOK, &v)
	return v, err
}

// Invalidate ends the session and forgets the cookie.
func (c *Client) Invalidate(ctx context.Context) error {
	err := c.do(ctx, OpInvalidate, http.MethodPost, "/session/invalidate", nil, http.StatusNoContent, nil)
	if err == nil {
		c.cookie = nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.stats.AddError(op)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.stats.AddLatency(op, time.Since(start))
	c.stats.AddStatus(resp.StatusCode)

	for _, ck := range resp.Cookies() {
		if ck.Name != c.cookieName {
			continue
		}
		if ck.MaxAge < 0 {
			c.cookie = nil
		} else {
			c.cookie = ck
		}
	}

	if resp.StatusCode != want {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.stats.AddError(op)
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.stats.AddError(op)
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
