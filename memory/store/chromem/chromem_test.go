package chromem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func conv(id, session, content string, emb []float32, at time.Time) core.MemoryRecord {
	return core.MemoryRecord{
		ID:         id,
		Content:    content,
		Embedding:  emb,
		SourceType: core.SourceConversation,
		SessionID:  session,
		Role:       core.RoleUser,
		CreatedAt:  at,
	}
}

func chunk(doc string, idx int, content string, emb []float32) core.MemoryRecord {
	return core.NewDocumentRecord(core.Chunk{DocumentID: doc, Index: idx, Content: content, Strategy: "sentence"}, emb, time.Now())
}

func TestStore_PutGetNearest(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Put(ctx, conv("a", "s1", "alpha", []float32{1, 0, 0}, now)))
	require.NoError(t, s.Put(ctx, conv("b", "s1", "beta", []float32{0, 1, 0}, now)))
	require.NoError(t, s.Put(ctx, chunk("doc", 0, "gamma", []float32{0.9, 0.1, 0})))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Content)
	assert.Equal(t, "s1", got.SessionID)

	res, err := s.Nearest(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, res, 3, "k is clamped to the collection size")
	assert.Equal(t, "a", res[0].Record.ID)
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-5)
	assert.Equal(t, "doc#0", res[1].Record.ID)
	assert.Equal(t, core.SourceDocument, res[1].Record.SourceType)
	assert.Equal(t, "b", res[2].Record.ID)
}

func TestStore_GetMissing(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestStore_PutRejectsInvalid(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	err = s.Put(context.Background(), core.MemoryRecord{ID: "x", Embedding: []float32{1}, SourceType: core.SourceConversation})
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestStore_VisibilityDelay(t *testing.T) {
	ctx := context.Background()
	s, err := New(WithVisibilityDelay(50 * time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, conv("a", "s1", "alpha", []float32{1, 0}, time.Now())))

	// Point lookups and scans see the write immediately.
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	scanned, err := s.ScanBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, scanned, 1)
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool {
		res, err := s.Nearest(ctx, []float32{1, 0}, 5)
		return err == nil && len(res) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestStore_ZeroNormNotIndexed(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, conv("z", "s1", "", []float32{0, 0, 0}, time.Now())))
	require.NoError(t, s.Put(ctx, conv("a", "s1", "alpha", []float32{1, 0, 0}, time.Now())))

	res, err := s.Nearest(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].Record.ID)

	_, err = s.Get(ctx, "z")
	assert.NoError(t, err)

	res, err = s.Nearest(ctx, []float32{0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestStore_ReplaceWithZeroNormRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, conv("a", "s1", "alpha", []float32{1, 0}, time.Now())))
	require.NoError(t, s.Put(ctx, conv("a", "s1", "", []float32{0, 0}, time.Now())))

	res, err := s.Nearest(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestStore_Scans(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, s.Put(ctx, chunk("doc", 2, "two", []float32{1, 1})))
	require.NoError(t, s.Put(ctx, chunk("doc", 0, "zero", []float32{1, 0})))
	require.NoError(t, s.Put(ctx, chunk("doc", 1, "one", []float32{0, 1})))
	require.NoError(t, s.Put(ctx, chunk("other", 0, "x", []float32{0, 1})))
	require.NoError(t, s.Put(ctx, conv("m2", "s1", "second", []float32{1, 0}, base.Add(time.Second))))
	require.NoError(t, s.Put(ctx, conv("m1", "s1", "first", []float32{1, 0}, base)))
	require.NoError(t, s.Put(ctx, conv("m3", "s2", "elsewhere", []float32{1, 0}, base)))

	chunks, err := s.ScanByDocument(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}

	msgs, err := s.ScanBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)

	none, err := s.ScanByDocument(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, chunk("doc", 0, "zero", []float32{1, 0})))
	require.NoError(t, s.Put(ctx, chunk("doc", 1, "one", []float32{0, 1})))
	require.NoError(t, s.Put(ctx, chunk("keep", 0, "kept", []float32{1, 1})))

	require.NoError(t, s.DeleteDocument(ctx, "doc"))

	chunks, err := s.ScanByDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	res, err := s.Nearest(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "keep#0", res[0].Record.ID)
	assert.Equal(t, 1, s.Count())
}

func TestStore_DeleteCancelsPendingPromotion(t *testing.T) {
	ctx := context.Background()
	s, err := New(WithVisibilityDelay(20 * time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, chunk("doc", 0, "zero", []float32{1, 0})))
	require.NoError(t, s.DeleteDocument(ctx, "doc"))
	assert.Equal(t, 0, s.Pending())

	time.Sleep(60 * time.Millisecond)
	res, err := s.Nearest(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put(ctx, conv("a", "s1", "alpha", []float32{1}, time.Now()))
	assert.True(t, errors.Is(err, core.ErrSemanticUnavailable))
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = s.Nearest(ctx, []float32{1}, 1)
	assert.True(t, errors.Is(err, core.ErrSemanticUnavailable))
	_, err = s.ScanBySession(ctx, "s1")
	assert.True(t, errors.Is(err, core.ErrSemanticUnavailable))
}
