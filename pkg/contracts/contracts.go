// Package contracts defines the collaborator interfaces of the agent core.
//
// The orchestrator, executor and note tools depend only on these
// interfaces, so swapping the in-memory store for PostgreSQL or the
// OpenAI-compatible model client for a test double is a single line change
// in the wiring code (pkg/server).
package contracts

import (
	"context"

	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/models"
)

// DocumentStore is a type alias for the internal document store interface.
type DocumentStore = store.DocumentStore

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ErrConflict is returned by WriteContent when the expected etag is stale.
var ErrConflict = store.ErrConflict

// ── Model Client ────────────────────────────────────────────

// ModelClient sends the conversation and tool specs to a model and
// returns its reply.
// Implementation: internal/router.ModelClient
type ModelClient interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
}

// ModelClientFunc adapts a function to ModelClient.
type ModelClientFunc func(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)

// Complete calls f.
func (f ModelClientFunc) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	return f(ctx, req)
}

// ── Live Sink ───────────────────────────────────────────────

// LiveSink forwards applied edits to clients watching a document.
// Implementation: internal/livestream.Forwarder
type LiveSink interface {
	HasViewers(ref string) bool
	Publish(event models.StreamEvent) error
}

// ── Ledger ──────────────────────────────────────────────────

// Decision is the ledger's answer to a proposed call.
type Decision int

const (
	// Admit means the caller now owns execution of the key.
	Admit Decision = iota
	// RejectDuplicateInFlight means an identical call is still running.
	RejectDuplicateInFlight
	// RejectRecentlyCompleted means the loop breaker tripped.
	RejectRecentlyCompleted
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectDuplicateInFlight:
		return "reject_duplicate_in_flight"
	case RejectRecentlyCompleted:
		return "reject_recently_completed"
	default:
		return "unknown"
	}
}

// Verdict is returned by Ledger.Admit.
type Verdict struct {
	Decision        Decision
	OccurrenceCount int
}

// Outcome is reported back to the ledger when an admitted call finishes.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
)

// Ledger tracks executions by signature for de-duplication.
// Implementation: internal/ledger.Ledger
type Ledger interface {
	Admit(key string) Verdict
	Complete(key string, outcome Outcome)
	Stats() models.DuplicationStats
	Reset()
}
