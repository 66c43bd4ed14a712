// Package retention purges agent sessions that have been idle for longer
// than the configured TTL.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultIdleTTL is how long a session may sit unused before it is purged.
const DefaultIdleTTL = 24 * time.Hour

// SessionPurger deletes sessions last updated before a cutoff and reports
// how many were removed.
// Implementation: internal/sessions.MemorySessionStore
type SessionPurger interface {
	PurgeIdle(ctx context.Context, before time.Time) (int, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	SessionsPurged int
	Err            error
}

// Janitor periodically purges idle sessions.
type Janitor struct {
	sessions SessionPurger
	idleTTL  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(s SessionPurger, idleTTL, interval time.Duration) *Janitor {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if interval < time.Second {
		interval = 10 * time.Minute
	}
	return &Janitor{sessions: s, idleTTL: idleTTL, interval: interval, now: time.Now}
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("idle_ttl", j.idleTTL).
		Msg("Session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	n, err := j.sessions.PurgeIdle(ctx, j.now().Add(-j.idleTTL))
	stats := CycleStats{SessionsPurged: n, Err: err}
	if err != nil {
		log.Warn().Err(err).Msg("Session janitor: purge failed")
		return stats
	}
	if n > 0 {
		log.Info().
			Int("purged", n).
			Dur("duration", time.Since(start)).
			Msg("Session janitor cycle complete")
	}
	return stats
}
