package bridge

import (
	"sync/atomic"
	"time"
)

// ConnectionState is the supervisor's aggregate state.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is the snapshot polled by collaborators.
type Status struct {
	BridgeName       string     `json:"bridge_name"`
	State            string     `json:"state"`
	Connected        bool       `json:"connected"`
	Connecting       bool       `json:"connecting"`
	GatewayConnected bool       `json:"gateway_connected"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	ReconnectCount   uint64     `json:"reconnect_count"`
	MessageCount     uint64     `json:"message_count"`
	ErrorCount       uint64     `json:"error_count"`
	LastError        string     `json:"last_error,omitempty"`
}

// stats holds the monotonic counters and the last-seen timestamp. Counters
// are incremented from the relay pumps and the supervisor and mirrored to
// Prometheus; reads are lock-free.
type stats struct {
	sent       atomic.Uint64
	received   atomic.Uint64
	errors     atomic.Uint64
	reconnects atomic.Uint64
	lastSeen   atomic.Int64 // unix nanos; 0 = never
}

func (s *stats) recordSent() {
	s.sent.Add(1)
	messagesSentTotal.Inc()
}

func (s *stats) recordReceived() {
	s.received.Add(1)
	messagesReceivedTotal.Inc()
}

func (s *stats) recordError() {
	s.errors.Add(1)
	errorsTotal.Inc()
}

func (s *stats) recordReconnect() {
	s.reconnects.Add(1)
	reconnectsTotal.Inc()
}

func (s *stats) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *stats) lastSeenTime() *time.Time {
	n := s.lastSeen.Load()
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
