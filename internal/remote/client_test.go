package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestNewRejectsBadScheme(t *testing.T) {
	for _, ep := range []string{"http://example.com/mcp", "example.com", "://bad"} {
		if _, err := New(ep, time.Second, time.Second); err == nil {
			t.Errorf("%q: expected scheme error", ep)
		}
	}
	if _, err := New("wss://api.xiaozhi.me/mcp/?token=x", time.Second, time.Second); err != nil {
		t.Errorf("valid endpoint rejected: %v", err)
	}
}

func TestDialSendReceive(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	c, err := New(wsURL(ts), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := c.Send(ctx, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo mismatch: %q", got)
	}
}

func TestPing(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	c, err := New(wsURL(ts), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// Pings need a concurrent reader to surface the pong, same as the relay
	// pump does in production.
	go func() { _, _ = c.Receive(ctx) }()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOperationsWithoutConnection(t *testing.T) {
	c, err := New("ws://127.0.0.1:1/mcp", time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.Send(ctx, []byte("x")); err != ErrNotConnected {
		t.Fatalf("send: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Receive(ctx); err != ErrNotConnected {
		t.Fatalf("receive: expected ErrNotConnected, got %v", err)
	}
	if err := c.Ping(ctx); err != ErrNotConnected {
		t.Fatalf("ping: expected ErrNotConnected, got %v", err)
	}
	c.Close()
}

func TestDialRefused(t *testing.T) {
	c, err := New("ws://127.0.0.1:1/mcp", time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Dial(ctx); err == nil {
		t.Fatal("expected dial failure")
	}
}
