package bridge

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/gateway"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/remote"
)

// relay runs the two pumps of a connected bridge. A failure in either pump
// cancels the other and is returned to the supervisor, which treats the
// session as degraded and restarts the remote leg.
type relay struct {
	remote  *remote.Client
	local   *gateway.Client
	stats   *stats
	logWire bool
}

func (r *relay) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- r.pumpRemoteToLocal(ctx) }()
	go func() { errCh <- r.pumpLocalToRemote(ctx) }()
	err := <-errCh
	cancel()
	<-errCh
	return err
}

// pumpRemoteToLocal forwards Xiaozhi traffic to the MCP server. Read errors
// terminate the pump; forwarding errors are logged and counted but do not
// stop the flow.
func (r *relay) pumpRemoteToLocal(ctx context.Context) error {
	for {
		data, err := r.remote.Receive(ctx)
		if err != nil {
			return err
		}
		r.stats.recordReceived()
		r.stats.touch()
		r.logPayload("xiaozhi->mcp", data)
		if err := r.local.Send(ctx, data); err != nil {
			r.stats.recordError()
			logx.Log.Error().Err(err).Msg("failed to forward message to mcp server")
		}
	}
}

// pumpLocalToRemote forwards MCP server replies back to Xiaozhi. A websocket
// send failure terminates the pump so the supervisor redials.
func (r *relay) pumpLocalToRemote(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.local.Receive():
			r.logPayload("mcp->xiaozhi", msg)
			if err := r.remote.Send(ctx, msg); err != nil {
				r.stats.recordError()
				return err
			}
			r.stats.recordSent()
		}
	}
}

// logPayload emits a debug preview when wire logging is enabled. The parse is
// for logging only; payloads that are not JSON-RPC envelopes are still
// forwarded untouched.
func (r *relay) logPayload(direction string, payload []byte) {
	if !r.logWire {
		return
	}
	ev := logx.Log.Debug().Str("dir", direction).Str("payload", preview(payload))
	var env struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if json.Unmarshal(payload, &env) == nil && env.Method != "" {
		ev = ev.Str("method", env.Method).Interface("id", env.ID)
	} else if !json.Valid(payload) {
		logx.Log.Warn().Str("dir", direction).Str("payload", preview(payload)).Msg("non-JSON payload; forwarding as-is")
	}
	ev.Msg("relay")
}

func preview(b []byte) string {
	const n = 200
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
