// Package endpoint tracks the reply-submission endpoints announced by the
// MCP server over its event stream. The server rotates a per-message POST
// endpoint for every in-flight request; replies posted to a stale endpoint
// are rejected, so the resolver keeps a per-id map plus the most recently
// announced endpoint and falls back through a fixed ladder when neither is
// known.
package endpoint

import (
	"net/url"
	"strings"
	"sync"
)

// Paths used by the Home Assistant MCP server integration.
const (
	DefaultSSEPath      = "/mcp_server/sse"
	DefaultMessagesPath = "/mcp_server/messages"
	DefaultServicePath  = "/mcp_server"
)

// Resolver maps JSON-RPC correlation ids to announced endpoints.
// Recorded from the event-stream reader goroutine and read from the send
// path, so all access is mutex-guarded.
type Resolver struct {
	mu     sync.Mutex
	byID   map[string]string
	latest string

	messagesPath string
	servicePath  string
}

// NewResolver derives the fallback paths from the configured SSE path.
// For the stock "/mcp_server/sse" this yields "/mcp_server/messages" and
// "/mcp_server".
func NewResolver(ssePath string) *Resolver {
	service := DefaultServicePath
	messages := DefaultMessagesPath
	if p := strings.TrimSuffix(ssePath, "/sse"); p != ssePath && p != "" {
		service = p
		messages = p + "/messages"
	}
	return &Resolver{
		byID:         map[string]string{},
		messagesPath: messages,
		servicePath:  service,
	}
}

// Record stores an announced endpoint. When id is empty only the latest
// endpoint is updated; otherwise the per-id mapping is stored as well.
func (r *Resolver) Record(path, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = path
	if id != "" {
		r.byID[id] = path
	}
}

// Resolve returns the endpoint for the given correlation id: the per-id
// mapping when known, else the latest announced endpoint, else the generic
// messages path. It never returns an empty string so a send can always be
// attempted.
func (r *Resolver) Resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if p, ok := r.byID[id]; ok {
			return p
		}
	}
	if r.latest != "" {
		return r.latest
	}
	return r.messagesPath
}

// Candidates returns the send ladder for the given correlation id: per-id
// endpoint, latest endpoint, generic messages path, base service path.
// Duplicates are removed while preserving order; the result is never empty.
// The exact ordering is a policy knob, not a protocol guarantee.
func (r *Resolver) Candidates(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, 4)
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if id != "" {
		add(r.byID[id])
	}
	add(r.latest)
	add(r.messagesPath)
	add(r.servicePath)
	return out
}

// Forget drops the per-id mapping once its reply has been delivered.
func (r *Resolver) Forget(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// Invalidate clears all mappings. Called when the server reports the session
// as expired (a not-found response to a post); every announced endpoint is
// assumed stale at that point.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.byID = map[string]string{}
	r.latest = ""
	r.mu.Unlock()
}

// ClassifyAnnouncement reports whether an event-stream record is an endpoint
// announcement and, for per-message endpoints, the correlation id embedded in
// the path. Recognized forms, in order:
//   - /mcp_server/messages/<id> and /mcp_server/message/<id>
//   - any other /mcp_server/... path (announcement without an id)
func (r *Resolver) ClassifyAnnouncement(data string) (id string, ok bool) {
	for _, prefix := range []string{r.messagesPath + "/", strings.TrimSuffix(r.messagesPath, "s") + "/"} {
		if strings.HasPrefix(data, prefix) {
			path := data
			if i := strings.IndexByte(path, '?'); i >= 0 {
				path = path[:i]
			}
			parts := strings.Split(strings.TrimRight(path, "/"), "/")
			return parts[len(parts)-1], true
		}
	}
	if strings.HasPrefix(data, r.servicePath+"/") {
		return "", true
	}
	return "", false
}

// JoinURL resolves an announced endpoint against the MCP server base URL.
// Absolute paths replace the base path; relative paths are appended.
func JoinURL(base *url.URL, endpoint string) string {
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	if strings.HasPrefix(endpoint, "/") {
		if ref, err := url.Parse(endpoint); err == nil {
			u.Path = ref.Path
			u.RawQuery = ref.RawQuery
			return u.String()
		}
		u.Path = endpoint
		return u.String()
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + endpoint
	return u.String()
}
