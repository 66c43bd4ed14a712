package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/models"
)

// newPostgresStore connects to SCRIVIA_TEST_DATABASE_URL or skips.
func newPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	url := os.Getenv("SCRIVIA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SCRIVIA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := store.NewPostgresStore(ctx, url, 4)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_WriteContent(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	doc := &models.Document{Ref: "test-" + uuid.NewString(), Title: "pg", Content: "v1"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	t.Cleanup(func() { _ = s.DeleteDocument(context.Background(), doc.Ref) })

	assert.ErrorIs(t, s.CreateDocument(ctx, &models.Document{Ref: doc.Ref}), store.ErrAlreadyExists)

	updated, err := s.WriteContent(ctx, doc.Ref, "v2", doc.Etag)
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Content)

	_, err = s.WriteContent(ctx, doc.Ref, "v3", doc.Etag)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.WriteContent(ctx, "missing-"+uuid.NewString(), "x", "")
	assert.True(t, store.IsNotFound(err))

	got, err := s.GetDocument(ctx, doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, updated.Etag, got.Etag)
}
