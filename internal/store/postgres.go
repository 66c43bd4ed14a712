package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/contentapply"
	"github.com/scrivia/agentcore/pkg/models"
)

// PostgresStore implements Store on PostgreSQL. Optimistic concurrency is
// enforced by the UPDATE itself, which only matches the expected etag.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and verifies the connection.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Info().Str("host", cfg.ConnConfig.Host).Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS documents (
			ref        TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			etag       TEXT NOT NULL,
			owner_id   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (owner_id, updated_at DESC);
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

const documentColumns = `ref, title, content, etag, owner_id, created_at, updated_at`

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	if err := row.Scan(&d.Ref, &d.Title, &d.Content, &d.Etag, &d.OwnerID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, ref string) (*models.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "document", Key: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", ref, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE $1 = '' OR owner_id = $1
		 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.Ref == "" {
		doc.Ref = uuid.NewString()
	}
	doc.Etag = contentapply.Etag(doc.Content)

	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (ref, title, content, etag, owner_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		doc.Ref, doc.Title, doc.Content, doc.Etag, doc.OwnerID,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("document %s: %w", doc.Ref, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteContent(ctx context.Context, ref, content, expectedEtag string) (*models.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`UPDATE documents SET content = $2, etag = $3, updated_at = NOW()
		 WHERE ref = $1 AND ($4 = '' OR etag = $4)
		 RETURNING `+documentColumns,
		ref, content, contentapply.Etag(content), expectedEtag))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("write document %s: %w", ref, err)
	}

	// No row matched: either the document is gone or its etag moved on.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT etag FROM documents WHERE ref = $1`, ref).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "document", Key: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("write document %s: %w", ref, err)
	}
	return nil, fmt.Errorf("document %s is at etag %s: %w", ref, current, ErrConflict)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, ref string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE ref = $1`, ref)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "document", Key: ref}
	}
	return nil
}
