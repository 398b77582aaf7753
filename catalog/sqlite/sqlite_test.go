package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var applied int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 2, applied)
	assert.Equal(t, path, s.Path())
}

func TestDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutDocument(ctx, core.Document{
		ID: "a", Filename: "a.txt", Status: core.DocumentPending, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, s.PutDocument(ctx, core.Document{
		ID: "b", Filename: "b.txt", TotalChunks: 3, Status: core.DocumentCompleted,
		CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute),
	}))

	got, err := s.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Filename)
	assert.Equal(t, core.DocumentPending, got.Status)
	assert.True(t, t0.Equal(got.CreatedAt))

	// Upsert.
	got.Status = core.DocumentFailed
	got.Error = "embedding provider unavailable"
	require.NoError(t, s.PutDocument(ctx, got))
	got, err = s.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, core.DocumentFailed, got.Status)
	assert.Equal(t, "embedding provider unavailable", got.Error)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, 3, docs[0].TotalChunks)

	ids, err := s.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	require.NoError(t, s.DeleteDocument(ctx, "a"))
	_, err = s.GetDocument(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "a"), core.ErrNotFound)
}

func TestSessionNames(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	names, err := s.SessionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, s.SetSessionName(ctx, "s1", "Trip planning"))
	require.NoError(t, s.SetSessionName(ctx, "s1", "Trip to Lisbon"))
	require.NoError(t, s.SetSessionName(ctx, "s2", "Recipes"))

	names, err = s.SessionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "Trip to Lisbon", "s2": "Recipes"}, names)

	require.NoError(t, s.DeleteSessionName(ctx, "s1"))
	require.NoError(t, s.DeleteSessionName(ctx, "unknown"))
	names, err = s.SessionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s2": "Recipes"}, names)
}
