package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	m := New()
	a, err := m.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimensions)
	assert.InDelta(t, 1.0, core.Norm(a), 1e-6)
}

func TestMockEmbedder_LexicalOverlap(t *testing.T) {
	m := New()
	ctx := context.Background()

	intro, err := m.Embed(ctx, "My name is Zephyr1234")
	require.NoError(t, err)
	question, err := m.Embed(ctx, "What is my name?")
	require.NoError(t, err)
	unrelated, err := m.Embed(ctx, "Bananas grow in tropical climates")
	require.NoError(t, err)

	assert.Greater(t, core.Cosine(intro, question), 0.5)
	assert.Greater(t, core.Cosine(intro, question), core.Cosine(intro, unrelated))
}

func TestMockEmbedder_CaseAndPunctuation(t *testing.T) {
	m := New()
	a, _ := m.Embed(context.Background(), "Hello, World!")
	b, _ := m.Embed(context.Background(), "hello world")
	assert.InDelta(t, 1.0, core.Cosine(a, b), 1e-6)
}

func TestMockEmbedder_EmptyText(t *testing.T) {
	m := New(WithDimensions(8))
	v, err := m.Embed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
	assert.Equal(t, 8, m.Dimensions())
}

func TestMockEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Embed(ctx, "text")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEmbeddingUnavailable))
}

func TestMockEmbedder_Observer(t *testing.T) {
	var seen []string
	m := New(WithObserver(func(text string) { seen = append(seen, text) }))
	_, _ = m.Embed(context.Background(), "one")
	_, _ = m.Embed(context.Background(), "two")
	assert.Equal(t, []string{"one", "two"}, seen)
}
