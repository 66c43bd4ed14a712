// Package store provides document persistence for the agent core.
// The in-memory store backs tests and single-node deployments; the
// PostgreSQL store backs production.
package store

import (
	"context"
	"errors"

	"github.com/scrivia/agentcore/pkg/models"
)

// Store is the primary storage interface.
// All handler code depends on this interface, making it easy to swap
// between in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	DocumentStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Document Store ──────────────────────────────────────────

// DocumentStore reads and writes notes with optimistic concurrency.
type DocumentStore interface {
	GetDocument(ctx context.Context, ref string) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error

	// WriteContent replaces the content of ref if its current etag equals
	// expectedEtag (an empty expectedEtag writes unconditionally) and
	// returns the stored document. A stale etag yields ErrConflict.
	WriteContent(ctx context.Context, ref, content, expectedEtag string) (*models.Document, error)

	DeleteDocument(ctx context.Context, ref string) error
}

// ErrConflict is returned by WriteContent when the stored etag differs
// from the expected one.
var ErrConflict = errors.New("etag mismatch")

// ErrAlreadyExists is returned when creating a document whose ref is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
