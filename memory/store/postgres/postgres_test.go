package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

// Set NIM_MEMORY_TEST_DATABASE_URL to a database with pgvector installed to
// run these tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NIM_MEMORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NIM_MEMORY_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	table := fmt.Sprintf("memory_records_test_%d", time.Now().UnixNano())
	s, err := Open(ctx, url, 3, WithTable(table))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize())
		_ = s.Close()
	})
	return s
}

func docRecord(doc string, idx int, emb []float32) core.MemoryRecord {
	return core.NewDocumentRecord(core.Chunk{
		DocumentID: doc,
		Index:      idx,
		Content:    fmt.Sprintf("%s chunk %d", doc, idx),
		Strategy:   "paragraph",
	}, emb, time.Now())
}

func TestOpen_RejectsZeroDimensions(t *testing.T) {
	_, err := Open(context.Background(), "postgres://unused", 0)
	assert.Error(t, err)
}

func TestStore_PutGetNearest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, docRecord("doc", 1, []float32{0, 1, 0})))
	require.NoError(t, s.Put(ctx, docRecord("doc", 0, []float32{1, 0, 0})))
	conv := core.NewConversationRecord("s1", core.RoleUser, "hello", []float32{1, 1, 0}, time.Now())
	require.NoError(t, s.Put(ctx, conv))

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, core.RoleUser, got.Role)
	assert.InDeltaSlice(t, []float32{1, 1, 0}, got.Embedding, 1e-6)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	hits, err := s.Nearest(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, core.DocumentRecordID("doc", 0), hits[0].Record.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, conv.ID, hits[1].Record.ID)

	chunks, err := s.ScanByDocument(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "paragraph", chunks[0].Metadata[core.MetaStrategy])

	turns, err := s.ScanBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestStore_ZeroVectorNotIndexed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := core.NewConversationRecord("s1", core.RoleUser, "...", []float32{0, 0, 0}, time.Now())
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, got.Embedding)

	hits, err := s.Nearest(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_DeleteDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, docRecord("a", 0, []float32{1, 0, 0})))
	require.NoError(t, s.Put(ctx, docRecord("b", 0, []float32{1, 0, 0})))
	require.NoError(t, s.DeleteDocument(ctx, "a"))

	a, err := s.ScanByDocument(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, a)
	b, err := s.ScanByDocument(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestStore_DimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), docRecord("a", 0, []float32{1, 0}))
	assert.ErrorIs(t, err, core.ErrValidation)
}
