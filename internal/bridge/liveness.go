package bridge

import (
	"context"
	"time"

	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
)

// maxConsecutiveFailures is the number of failed health checks before the
// remote leg is declared stale and restarted.
const maxConsecutiveFailures = 3

// monitor pings the remote leg on the poll interval while the session lives.
// It no-ops unless the supervisor reports Connected, so it never races an
// active reconnect attempt. Reaching the failure threshold requests exactly
// one restart (by cancelling the session) and resets the counter.
func (s *Supervisor) monitor(ctx context.Context, restart context.CancelFunc) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.State() != StateConnected {
			continue
		}
		if err := s.remote.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.stats.recordError()
			logx.Log.Warn().Int("failures", failures).Int("threshold", maxConsecutiveFailures).Err(err).Msg("connection health check failed")
			if failures >= maxConsecutiveFailures {
				logx.Log.Warn().Int("failures", failures).Msg("connection appears stale; restarting remote leg")
				failures = 0
				restart()
			}
			continue
		}
		if failures > 0 {
			logx.Log.Debug().Msg("health check recovered; resetting failure count")
		}
		failures = 0
		s.stats.touch()
	}
}
