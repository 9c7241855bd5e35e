// Package gateway owns the local leg of the bridge: a persistent SSE
// connection to the MCP server for inbound traffic and authenticated POSTs to
// the per-message endpoints it announces. The leg supervises itself: losing
// the remote peer never tears down the gateway session, and vice versa.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/xiaozhi-bridge/core/backoff"
	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/endpoint"
)

// ErrSessionExpired is returned when every candidate endpoint rejected a post
// with a not-found status; the session-scoped addresses are stale.
var ErrSessionExpired = errors.New("mcp server session expired")

// Client connects to the local MCP server.
type Client struct {
	base     *url.URL
	token    string
	hc       *http.Client
	resolver *endpoint.Resolver
	inbound  chan []byte
	policy   backoff.Policy

	mu        sync.Mutex
	connected bool
}

// New builds a client for the MCP server SSE URL.
func New(mcpServerURL, token string, policy backoff.Policy) (*Client, error) {
	u, err := url.Parse(mcpServerURL)
	if err != nil {
		return nil, fmt.Errorf("mcp server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mcp server url %q: scheme must be http or https", mcpServerURL)
	}
	return &Client{
		base:     u,
		token:    token,
		hc:       &http.Client{},
		resolver: endpoint.NewResolver(u.Path),
		inbound:  make(chan []byte, 32),
		policy:   policy,
	}, nil
}

// Resolver exposes the endpoint resolver, mainly for tests.
func (c *Client) Resolver() *endpoint.Resolver { return c.resolver }

// Receive returns the inbound message queue fed by the event stream.
func (c *Client) Receive() <-chan []byte { return c.inbound }

// Connected reports whether the event stream is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run supervises the gateway session: connect, read the event stream, and on
// drop back off and retry until the context ends. The loop retries
// indefinitely; only context cancellation stops it. A session that reached
// the stream resets the attempt counter, so an established connection always
// redials at the initial delay.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.session(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			attempt = 0
		}
		attempt++
		delay := c.policy.Delay(attempt)
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("mcp server stream dropped; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session opens the event stream and reads it until it drops, reporting
// whether the stream was established. A fresh session invalidates previously
// announced endpoints; they belong to the old stream.
func (c *Client) session(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect mcp server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("connect mcp server: status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	c.resolver.Invalidate()
	c.setConnected(true)
	logx.Log.Info().Str("url", c.base.String()).Msg("connected to mcp server stream")
	return true, readEventStream(ctx, resp.Body, c.resolver, c.inbound)
}

// Send posts a payload to the MCP server, walking the endpoint ladder for its
// correlation id: per-id endpoint, latest announced endpoint, generic
// messages path, base service path. A not-found response marks the session
// expired (stale endpoints are cleared once) and the ladder advances; any
// other failure is terminal.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	id := correlationID(payload)
	candidates := c.resolver.Candidates(id)
	invalidated := false
	for _, ep := range candidates {
		u := endpoint.JoinURL(c.base, ep)
		status, err := c.post(ctx, u, payload)
		if err != nil {
			return fmt.Errorf("post %s: %w", u, err)
		}
		switch {
		case status >= 200 && status < 300:
			c.resolver.Forget(id)
			logx.Log.Debug().Str("url", u).Msg("delivered message to mcp server")
			return nil
		case status == http.StatusNotFound || status == http.StatusGone:
			logx.Log.Warn().Str("url", u).Int("status", status).Msg("mcp endpoint rejected post; trying next candidate")
			if !invalidated {
				c.resolver.Invalidate()
				invalidated = true
			}
		default:
			return fmt.Errorf("post %s: status %d", u, status)
		}
	}
	return fmt.Errorf("%w: all %d endpoints rejected the post", ErrSessionExpired, len(candidates))
}

func (c *Client) post(ctx context.Context, url string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Probe verifies the MCP server answers the SSE endpoint with an event
// stream. Used as a pre-flight check before the first connect.
func (c *Client) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("probe mcp server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe mcp server: status %s", resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/event-stream") && !strings.Contains(ct, "text/plain") {
		return fmt.Errorf("probe mcp server: unexpected content type %q", ct)
	}
	return nil
}

// correlationID extracts the JSON-RPC id as a string, or "" when the payload
// is not a parseable envelope. Numeric ids stringify the way they appear in
// announced endpoint paths.
func correlationID(payload []byte) string {
	var env struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(payload, &env) != nil || env.ID == nil {
		return ""
	}
	switch v := env.ID.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
