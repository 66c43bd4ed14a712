// Package ledger tracks tool-call executions by signature so that the same
// call is never running twice at once and a model stuck repeating one
// action is cut off.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// Scope selects how ledger keys are partitioned.
type Scope string

const (
	// ScopeGlobal shares one signature space across all sessions.
	ScopeGlobal Scope = "global"
	// ScopeSession partitions signatures by session id.
	ScopeSession Scope = "session"
)

// Key builds the ledger key of a signature under scope.
func Key(scope Scope, sessionID, signature string) string {
	if scope == ScopeSession && sessionID != "" {
		return sessionID + "/" + signature
	}
	return signature
}

// Config holds the ledger's thresholds and clocks.
type Config struct {
	// LoopThreshold is the number of proposals of one signature allowed
	// within LoopWindow; the next one is rejected.
	LoopThreshold int
	LoopWindow    time.Duration

	// Retention is how long a completed entry is remembered after it was
	// last seen. InFlightTTL bounds how long an entry may stay in flight
	// before it is treated as abandoned.
	Retention   time.Duration
	InFlightTTL time.Duration

	SweepInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults: 3 proposals per 30s, 5m retention.
func DefaultConfig() Config {
	return Config{
		LoopThreshold: 3,
		LoopWindow:    30 * time.Second,
		Retention:     5 * time.Minute,
		InFlightTTL:   2 * time.Minute,
		SweepInterval: time.Minute,
		Now:           time.Now,
	}
}

type entry struct {
	state       models.EntryState
	firstSeen   time.Time
	lastSeen    time.Time
	admittedAt  time.Time
	occurrences int
	recent      []time.Time // proposal times within LoopWindow
}

// Ledger is safe for concurrent use. A single mutex guards the map, which
// makes Admit atomic with respect to every other Admit.
type Ledger struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	stats   models.DuplicationStats

	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ contracts.Ledger = (*Ledger)(nil)

// New creates a Ledger. Zero fields of cfg take their defaults.
func New(cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = def.LoopThreshold
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = def.LoopWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = def.InFlightTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		cfg:     cfg,
		entries: make(map[string]*entry),
		doneCh:  make(chan struct{}),
	}
}

// Admit decides whether the call identified by key may execute now.
// An Admit verdict transfers ownership of the key to the caller, who must
// call Complete when execution ends.
func (l *Ledger) Admit(key string) contracts.Verdict {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if ok && l.expired(e, now) {
		delete(l.entries, key)
		l.stats.Evicted++
		ok = false
	}

	if !ok {
		l.entries[key] = &entry{
			state:       models.EntryInFlight,
			firstSeen:   now,
			lastSeen:    now,
			admittedAt:  now,
			occurrences: 1,
			recent:      []time.Time{now},
		}
		l.stats.UniqueByContent++
		l.stats.TotalExecuted++
		return contracts.Verdict{Decision: contracts.Admit, OccurrenceCount: 1}
	}

	e.occurrences++
	e.lastSeen = now
	l.stats.DuplicateAttempts++

	if e.state == models.EntryInFlight {
		log.Debug().Str("key", shortKey(key)).Int("occurrences", e.occurrences).Msg("Duplicate call while in flight")
		return contracts.Verdict{Decision: contracts.RejectDuplicateInFlight, OccurrenceCount: e.occurrences}
	}

	cutoff := now.Add(-l.cfg.LoopWindow)
	kept := e.recent[:0]
	for _, t := range e.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recent = append(kept, now)

	if len(e.recent) > l.cfg.LoopThreshold {
		l.stats.LoopRejections++
		log.Warn().
			Str("key", shortKey(key)).
			Int("occurrences", e.occurrences).
			Int("in_window", len(e.recent)).
			Str("window", l.cfg.LoopWindow.String()).
			Msg("Loop breaker rejected repeated call")
		return contracts.Verdict{Decision: contracts.RejectRecentlyCompleted, OccurrenceCount: e.occurrences}
	}

	e.state = models.EntryInFlight
	e.admittedAt = now
	l.stats.TotalExecuted++
	return contracts.Verdict{Decision: contracts.Admit, OccurrenceCount: e.occurrences}
}

// Complete records the end of an admitted execution. Completing a key that
// is not in flight is a no-op.
func (l *Ledger) Complete(key string, outcome contracts.Outcome) {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.state != models.EntryInFlight {
		return
	}
	e.state = models.EntryCompleted
	if outcome == contracts.OutcomeFailed {
		e.state = models.EntryFailed
	}
	e.lastSeen = now
}

// Stats returns a snapshot of the ledger counters.
func (l *Ledger) Stats() models.DuplicationStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats
	for _, e := range l.entries {
		if e.state == models.EntryInFlight {
			s.ActiveInFlight++
		}
	}
	return s
}

// Reset drops every entry and zeroes the counters.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
	l.stats = models.DuplicationStats{}
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) expired(e *entry, now time.Time) bool {
	if e.state == models.EntryInFlight {
		return now.Sub(e.admittedAt) > l.cfg.InFlightTTL
	}
	return now.Sub(e.lastSeen) > l.cfg.Retention
}

// Sweep evicts expired entries and returns how many were removed.
func (l *Ledger) Sweep() int {
	now := l.cfg.Now()

	l.mu.Lock()
	var evicted, abandoned int
	for key, e := range l.entries {
		if !l.expired(e, now) {
			continue
		}
		if e.state == models.EntryInFlight {
			abandoned++
		}
		delete(l.entries, key)
		evicted++
	}
	l.stats.Evicted += int64(evicted)
	l.mu.Unlock()

	if evicted > 0 {
		log.Info().
			Int("evicted", evicted).
			Int("abandoned_in_flight", abandoned).
			Str("retention", l.cfg.Retention.String()).
			Msg("Evicted expired ledger entries")
	}
	return evicted
}

// Start runs the background sweeper until ctx is done or Close is called.
func (l *Ledger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.doneCh:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Close stops the sweeper and waits for it to exit. Safe to call twice.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { close(l.doneCh) })
	l.wg.Wait()
	return nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[len(key)-12:]
	}
	return key
}
