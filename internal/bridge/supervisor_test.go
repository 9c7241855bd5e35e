package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/xiaozhi-bridge/core/backoff"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/config"
)

var fastPolicy = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func testConfig(wsEndpoint, mcpServerURL string) config.BridgeConfig {
	return config.BridgeConfig{
		XiaozhiEndpoint: wsEndpoint,
		AccessToken:     "testtoken123",
		MCPServerURL:    mcpServerURL,
		BridgeName:      "test-bridge",
		PollInterval:    time.Hour, // liveness not under test unless overridden
		PingTimeout:     time.Second,
		CloseTimeout:    time.Second,
		MaxReconnects:   0,
	}
}

// sseGateway serves a blocking event stream plus configurable POST handling.
func sseGateway(t *testing.T, stream []string, onPost func(path string) int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/mcp_server/sse":
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			fl.Flush()
			for _, line := range stream {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			fl.Flush()
			<-r.Context().Done()
		case r.Method == http.MethodPost:
			status := http.StatusNotFound
			if onPost != nil {
				status = onPost(r.URL.Path)
			}
			w.WriteHeader(status)
		default:
			http.NotFound(w, r)
		}
	}))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBridgeRoundTrip(t *testing.T) {
	posted := make(chan string, 8)
	var genericPosts atomic.Int64
	gw := sseGateway(t,
		[]string{
			"/mcp_server/messages/7",
			`{"jsonrpc":"2.0","id":"7","result":{"pong":true}}`,
		},
		func(path string) int {
			if path == "/mcp_server/messages/7" {
				posted <- path
				return http.StatusOK
			}
			genericPosts.Add(1)
			return http.StatusNotFound
		},
	)
	defer gw.Close()

	endpointKnown := make(chan struct{})
	wsGot := make(chan string, 1)
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		// Hold the request until the bridge has learned the announced
		// endpoint, so the forwarded reply cannot race the announcement.
		select {
		case <-endpointKnown:
		case <-r.Context().Done():
			return
		}
		if err := conn.Write(r.Context(), websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":"7","method":"ping"}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			select {
			case wsGot <- string(data):
			default:
			}
		}
	}))
	defer ws.Close()

	cfg := testConfig("ws"+strings.TrimPrefix(ws.URL, "http"), gw.URL+"/mcp_server/sse")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.policy = fastPolicy

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	waitFor(t, 5*time.Second, "endpoint announcement", func() bool {
		return s.Gateway().Resolver().Resolve("7") == "/mcp_server/messages/7"
	})
	close(endpointKnown)

	// Remote → local: the request must land on exactly the announced
	// endpoint, with no fallback to the generic one.
	select {
	case path := <-posted:
		if path != "/mcp_server/messages/7" {
			t.Fatalf("posted to %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never posted to mcp server")
	}
	if n := genericPosts.Load(); n != 0 {
		t.Fatalf("send ladder fell back to a generic endpoint %d times", n)
	}

	// Local → remote: the queued event stream reply reaches the websocket.
	select {
	case got := <-wsGot:
		if got != `{"jsonrpc":"2.0","id":"7","result":{"pong":true}}` {
			t.Fatalf("unexpected payload at remote: %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reply never reached the xiaozhi endpoint")
	}

	waitFor(t, 2*time.Second, "connected state", func() bool { return s.State() == StateConnected })
	st := s.Status()
	if !st.Connected || st.MessageCount == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLivenessEscalatesOnceAtThreshold(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("ws://127.0.0.1:1/mcp", gw.URL+"/mcp_server/sse")
	cfg.PollInterval = 20 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Pretend the session is established; pings fail (no connection), so the
	// monitor must escalate exactly once after the third consecutive failure.
	s.setState(StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	var restarts atomic.Int64
	start := time.Now()
	restart := func() {
		restarts.Add(1)
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.monitor(ctx, restart)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("monitor did not escalate")
	}
	if n := restarts.Load(); n != 1 {
		t.Fatalf("expected exactly one restart, got %d", n)
	}
	if elapsed := time.Since(start); elapsed < 3*cfg.PollInterval {
		t.Fatalf("escalated after %v, before the third tick", elapsed)
	}
}

func TestLivenessSkipsWhileNotConnected(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("ws://127.0.0.1:1/mcp", gw.URL+"/mcp_server/sse")
	cfg.PollInterval = 10 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var restarts atomic.Int64
	s.monitor(ctx, func() { restarts.Add(1) })
	if n := restarts.Load(); n != 0 {
		t.Fatalf("monitor must no-op while connecting, got %d restarts", n)
	}
}

func TestAttemptsExhaustedStopsBridge(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("ws://127.0.0.1:1/mcp", gw.URL+"/mcp_server/sse")
	cfg.MaxReconnects = 3
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.policy = fastPolicy

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "stopped state", func() bool { return s.State() == StateStopped })

	st := s.Status()
	if !strings.Contains(st.LastError, "exhausted") {
		t.Fatalf("expected attempts-exhausted status, got %q", st.LastError)
	}
	if st.ReconnectCount < 3 {
		t.Fatalf("expected at least 3 reconnect attempts, got %d", st.ReconnectCount)
	}
	if err := s.SendMessage([]byte("{}")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected from stopped bridge, got %v", err)
	}

	// An explicit reconnect clears Stopped and starts fresh.
	s.Reconnect()
	waitFor(t, 5*time.Second, "restart after stop", func() bool {
		st := s.State()
		return st == StateConnecting || st == StateStopped
	})
	s.Disconnect()
	if s.State() != StateStopped {
		t.Fatalf("expected stopped after disconnect, got %v", s.State())
	}
}

func TestRemoteFailureLeavesGatewayConnected(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("ws://127.0.0.1:1/mcp", gw.URL+"/mcp_server/sse")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.policy = fastPolicy

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	// The gateway session establishes and stays up while the remote leg
	// keeps failing; the legs reconnect independently.
	waitFor(t, 5*time.Second, "gateway session", func() bool { return s.Gateway().Connected() })
	time.Sleep(50 * time.Millisecond)
	if !s.Gateway().Connected() {
		t.Fatal("gateway session dropped because of remote leg failures")
	}
	if st := s.State(); st == StateConnected {
		t.Fatalf("remote leg cannot be connected, state %v", st)
	}

	// Reconnect while a connect attempt is in flight is a no-op.
	for i := 0; i < 5; i++ {
		s.Reconnect()
	}
	if !s.Gateway().Connected() {
		t.Fatal("reconnect burst disturbed the gateway session")
	}
}

func TestReconnectInterruptsBackoffWait(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()

	// The first websocket connection drops immediately; later ones stay up.
	var conns atomic.Int64
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			_ = conn.Close(websocket.StatusNormalClosure, "going away")
			return
		}
		defer func() { _ = conn.CloseNow() }()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	cfg := testConfig("ws"+strings.TrimPrefix(ws.URL, "http"), gw.URL+"/mcp_server/sse")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// A long delay the explicit reconnect must not sit out.
	s.policy = backoff.Policy{Initial: 30 * time.Second, Max: 60 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	waitFor(t, 5*time.Second, "degraded state", func() bool { return s.State() == StateDegraded })
	s.Reconnect()
	waitFor(t, 3*time.Second, "redial after explicit reconnect", func() bool { return s.State() == StateConnected })
}

func TestSendMessageRequiresConnection(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("ws://127.0.0.1:1/mcp", gw.URL+"/mcp_server/sse")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendMessage([]byte(`{"method":"ping"}`)); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	gw := sseGateway(t, nil, nil)
	defer gw.Close()
	cfg := testConfig("wss://example.com/mcp", gw.URL+"/mcp_server/sse")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.State != "idle" || st.Connected || st.Connecting {
		t.Fatalf("fresh bridge status: %+v", st)
	}
	if st.LastSeen != nil {
		t.Fatalf("expected no last-seen before first connect, got %v", st.LastSeen)
	}
	if st.BridgeName != "test-bridge" {
		t.Fatalf("bridge name missing: %+v", st)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stats.recordReceived()
			s.stats.touch()
		}()
	}
	wg.Wait()
	st = s.Status()
	if st.MessageCount != 4 {
		t.Fatalf("expected 4 messages counted, got %d", st.MessageCount)
	}
	if st.LastSeen == nil {
		t.Fatal("expected last-seen after activity")
	}
}
