// Package bridge supervises the two transport legs and relays JSON-RPC
// envelopes between them. The supervisor owns the aggregate connection state
// machine; each leg reconnects independently so a Xiaozhi network blip never
// tears down the MCP server session and a session expiry never drops the
// websocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/xiaozhi-bridge/core/backoff"
	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/config"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/gateway"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/remote"
)

var (
	// ErrAttemptsExhausted is surfaced when the reconnect cap is reached;
	// the bridge stays Stopped until Reconnect is called explicitly.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned by SendMessage while the remote leg is down.
	ErrNotConnected = errors.New("bridge is not connected")
)

// Supervisor coordinates the gateway session loop, the remote reconnect loop,
// the relay pumps and the liveness monitor for one bridge instance.
type Supervisor struct {
	cfg    config.BridgeConfig
	gw     *gateway.Client
	remote *remote.Client
	policy backoff.Policy
	stats  stats
	wake   chan struct{}

	mu            sync.Mutex
	state         ConnectionState
	lastErr       string
	attempts      int
	running       bool
	parent        context.Context
	cancelRun     context.CancelFunc
	cancelSession context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a supervisor from validated configuration.
func New(cfg config.BridgeConfig) (*Supervisor, error) {
	policy := backoff.Default
	gw, err := gateway.New(cfg.MCPServerURL, cfg.AccessToken, policy)
	if err != nil {
		return nil, err
	}
	rc, err := remote.New(cfg.XiaozhiEndpoint, cfg.PingTimeout, cfg.CloseTimeout)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, gw: gw, remote: rc, policy: policy, state: StateIdle, wake: make(chan struct{}, 1)}, nil
}

// Gateway exposes the local-leg client, mainly for tests.
func (s *Supervisor) Gateway() *gateway.Client { return s.gw }

// State returns the aggregate connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if st == StateConnected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

// Start moves Idle/Stopped to Connecting and launches the two leg loops.
// Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.parent = ctx
	s.cancelRun = cancel
	s.running = true
	s.attempts = 0
	s.state = StateConnecting
	s.mu.Unlock()

	logx.Log.Info().Str("bridge", s.cfg.BridgeName).Str("endpoint", s.cfg.XiaozhiEndpoint).Msg("starting bridge")
	s.probeGateway(runCtx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.gw.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runRemote(runCtx)
	}()
	return nil
}

// probeGateway checks the MCP server answers before the first connect. It
// retries a few times with doubling delay and never fails the start; the
// gateway loop will keep trying regardless.
func (s *Supervisor) probeGateway(ctx context.Context) {
	delay := 2 * time.Second
	const maxRetries = 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := s.gw.Probe(ctx)
		if err == nil {
			logx.Log.Info().Msg("mcp server reachable")
			return
		}
		logx.Log.Debug().Int("attempt", attempt).Err(err).Msg("mcp server probe failed")
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	logx.Log.Warn().Msg("mcp server unreachable after pre-flight checks; continuing anyway")
}

// runRemote is the remote leg reconnect loop: dial, run the relay session,
// and on failure back off and retry until the context ends or the attempt
// cap is exhausted.
func (s *Supervisor) runRemote(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		if err := s.remote.Dial(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats.recordError()
			s.setLastError(err)
			logx.Log.Warn().Err(err).Msg("failed to connect to xiaozhi endpoint")
			if s.backoffOrStop(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.setLastError(nil)
		s.setState(StateConnected)
		s.stats.touch()
		logx.Log.Info().Str("endpoint", s.cfg.XiaozhiEndpoint).Msg("connected to xiaozhi endpoint")

		err := s.session(ctx)
		s.remote.Close()
		if ctx.Err() != nil {
			return
		}
		s.setState(StateDegraded)
		s.setLastError(err)
		s.stats.recordError()
		logx.Log.Warn().Err(err).Msg("bridge session ended; reconnecting")
		if s.backoffOrStop(ctx) {
			return
		}
	}
}

// session runs the relay pumps and the liveness monitor until either pump
// fails, the monitor escalates, or the context ends.
func (s *Supervisor) session(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelSession = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelSession = nil
		s.mu.Unlock()
	}()

	go s.monitor(sessCtx, cancel)
	r := &relay{remote: s.remote, local: s.gw, stats: &s.stats, logWire: s.cfg.LogWire}
	return r.run(sessCtx)
}

// backoffOrStop counts a reconnect attempt, waits the backoff delay, and
// reports whether the loop should stop (context done or cap exhausted).
func (s *Supervisor) backoffOrStop(ctx context.Context) bool {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()
	s.stats.recordReconnect()

	if s.cfg.MaxReconnects > 0 && n > s.cfg.MaxReconnects {
		logx.Log.Error().Int("attempts", n-1).Msg("max reconnection attempts reached, giving up")
		s.setLastError(ErrAttemptsExhausted)
		s.stop()
		return true
	}
	delay := s.policy.Delay(n)
	logx.Log.Info().Dur("backoff", delay).Int("attempt", n).Msg("waiting before reconnection attempt")
	select {
	case <-ctx.Done():
		return true
	case <-s.wake:
		// Explicit reconnect request; skip the remaining wait.
		return false
	case <-time.After(delay):
		return false
	}
}

// stop cancels all tasks and marks the bridge Stopped. The gateway session
// loop is torn down as well; only an explicit Reconnect revives the bridge.
func (s *Supervisor) stop() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.running = false
	s.state = StateStopped
	s.mu.Unlock()
	connectedGauge.Set(0)
	if cancel != nil {
		cancel()
	}
}

// Reconnect restarts the remote leg. It is idempotent while a connect
// attempt is already in flight; from Stopped it clears the attempt counter
// and starts fresh. A live session is cancelled, and a loop sleeping in its
// backoff wait is woken so the explicit request acts promptly.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	if s.running && s.state == StateConnecting {
		// A connect attempt is already in flight; never start a second one.
		s.mu.Unlock()
		return
	}
	if !s.running {
		parent := s.parent
		s.attempts = 0
		s.mu.Unlock()
		if parent == nil {
			return
		}
		logx.Log.Info().Msg("restarting stopped bridge")
		_ = s.Start(parent)
		return
	}
	s.attempts = 0
	cancel := s.cancelSession
	s.mu.Unlock()
	if cancel != nil {
		logx.Log.Info().Msg("forcing remote leg reconnection")
		cancel()
	}
	// The buffered token carries over when the loop is not sleeping yet and
	// skips at most one later wait.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Disconnect moves the bridge to Stopped immediately, closing both legs and
// awaiting task termination before releasing the transports.
func (s *Supervisor) Disconnect() {
	s.stop()
	s.wg.Wait()
	s.remote.Close()
	logx.Log.Info().Msg("bridge stopped")
}

// SendMessage forwards a payload to the Xiaozhi endpoint. It fails unless
// the bridge is Connected.
func (s *Supervisor) SendMessage(payload []byte) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.remote.Send(ctx, payload); err != nil {
		s.stats.recordError()
		return fmt.Errorf("send message: %w", err)
	}
	s.stats.recordSent()
	return nil
}

// Status returns the snapshot exposed to the status surface.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := s.state
	lastErr := s.lastErr
	s.mu.Unlock()
	return Status{
		BridgeName:       s.cfg.BridgeName,
		State:            st.String(),
		Connected:        st == StateConnected,
		Connecting:       st == StateConnecting,
		GatewayConnected: s.gw.Connected(),
		LastSeen:         s.stats.lastSeenTime(),
		ReconnectCount:   s.stats.reconnects.Load(),
		MessageCount:     s.stats.sent.Load() + s.stats.received.Load(),
		ErrorCount:       s.stats.errors.Load(),
		LastError:        lastErr,
	}
}
