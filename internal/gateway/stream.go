package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
	"github.com/gaspardpetit/xiaozhi-bridge/internal/endpoint"
)

// maxEventSize bounds a single SSE record; the MCP server emits either short
// endpoint paths or JSON-RPC envelopes.
const maxEventSize = 4 * 1024 * 1024

// readEventStream consumes the server-push stream line by line, feeding
// endpoint announcements to the resolver and message payloads to the inbound
// queue. It returns when the stream ends or the context is cancelled; the
// caller treats any return as a dropped leg.
func readEventStream(ctx context.Context, body io.Reader, resolver *endpoint.Resolver, inbound chan<- []byte) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxEventSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:/id:/retry: fields carry no payload for this protocol.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		dispatchRecord(ctx, data, resolver, inbound)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// dispatchRecord classifies a single data record. Endpoint announcements are
// recorded and never queued; valid JSON is queued as a message; anything else
// is queued as-is with a warning so no payload is dropped silently.
func dispatchRecord(ctx context.Context, data string, resolver *endpoint.Resolver, inbound chan<- []byte) {
	if id, ok := resolver.ClassifyAnnouncement(data); ok {
		resolver.Record(data, id)
		logx.Log.Debug().Str("endpoint", data).Str("id", id).Msg("stored message endpoint")
		return
	}
	if json.Valid([]byte(data)) {
		queue(ctx, inbound, []byte(data))
		return
	}
	if strings.HasPrefix(data, "/") {
		// A path outside the known prefixes; remember it as the latest
		// endpoint rather than forwarding it as a message.
		resolver.Record(data, "")
		logx.Log.Debug().Str("endpoint", data).Msg("stored endpoint from unrecognized path")
		return
	}
	logx.Log.Warn().Str("data", truncate(data, 100)).Msg("unknown event stream record; forwarding as-is")
	queue(ctx, inbound, []byte(data))
}

func queue(ctx context.Context, ch chan<- []byte, payload []byte) {
	select {
	case ch <- payload:
	case <-ctx.Done():
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
