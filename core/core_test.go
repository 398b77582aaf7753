package core_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func TestMemoryRecord_Validate(t *testing.T) {
	now := time.Now()
	emb := []float32{1, 0}

	t.Run("conversation record", func(t *testing.T) {
		r := core.NewConversationRecord("s1", core.RoleUser, "hi", emb, now)
		require.NoError(t, r.Validate())
		assert.Equal(t, core.SourceConversation, r.SourceType)
		assert.NotEmpty(t, r.ID)
	})

	t.Run("conversation without session", func(t *testing.T) {
		r := core.NewConversationRecord("", core.RoleUser, "hi", emb, now)
		err := r.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("document record never carries a session", func(t *testing.T) {
		r := core.NewDocumentRecord(core.Chunk{DocumentID: "d1", Index: 2, Content: "text"}, emb, now)
		require.NoError(t, r.Validate())
		assert.Equal(t, "d1#2", r.ID)

		r.SessionID = "s1"
		assert.ErrorIs(t, r.Validate(), core.ErrValidation)
	})

	t.Run("missing embedding", func(t *testing.T) {
		r := core.NewConversationRecord("s1", core.RoleUser, "hi", nil, now)
		assert.ErrorIs(t, r.Validate(), core.ErrValidation)
	})
}

func TestMemoryRecord_MetadataRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := core.NewDocumentRecord(core.Chunk{
		DocumentID:    "doc",
		Index:         3,
		Content:       "body ",
		LinkedContext: "next",
		Strategy:      "sentence",
	}, []float32{1}, created)

	got := core.RecordFromMetadata(r.ID, r.Content, r.Embedding, r.StringMetadata())

	assert.Equal(t, r.DocumentID, got.DocumentID)
	assert.Equal(t, 3, got.ChunkIndex)
	assert.Equal(t, core.SourceDocument, got.SourceType)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, "next", got.Metadata[core.MetaLinkedContext])
	assert.Equal(t, "body", got.Content)
}

func TestChunk_EmbeddingText(t *testing.T) {
	after := core.Chunk{Content: "First. ", LinkedContext: "Second."}
	assert.Equal(t, "First. Second.", after.EmbeddingText())

	before := core.Chunk{Content: "world", LinkedContext: "hello", LinkedBefore: true}
	assert.Equal(t, "hello world", before.EmbeddingText())

	plain := core.Chunk{Content: " only "}
	assert.Equal(t, "only", plain.EmbeddingText())
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("append: %w", core.Unavailable(core.ErrRecencyUnavailable, "pebble set", cause))

	assert.ErrorIs(t, err, core.ErrRecencyUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, core.IsRetryable(err))
	assert.False(t, core.IsRetryable(&core.ValidationError{Field: "x", Reason: "y"}))

	var ue *core.UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "pebble set", ue.Op)
}

func TestParseRole(t *testing.T) {
	r, err := core.ParseRole(" User ")
	require.NoError(t, err)
	assert.Equal(t, core.RoleUser, r)

	_, err = core.ParseRole("system")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMessage_Before(t *testing.T) {
	ts := time.Now()
	a := core.Message{Timestamp: ts, Seq: 1}
	b := core.Message{Timestamp: ts, Seq: 2}
	c := core.Message{Timestamp: ts.Add(-time.Second), Seq: 3}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, core.Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, core.Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, core.Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, core.Cosine([]float32{1}, []float32{1, 1}))
}
