// Package mock provides a deterministic lexical embedder for tests and
// offline runs.
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// MockEmbedder hashes each lowercase word of the text into one of its
// dimensions and normalizes the counts. Texts sharing words get a positive
// cosine similarity, which is enough to exercise retrieval without a model.
type MockEmbedder struct {
	dimensions int
	calls      func(text string)
}

// Option configures a MockEmbedder.
type Option func(*MockEmbedder)

// WithDimensions sets the vector size.
func WithDimensions(n int) Option {
	return func(m *MockEmbedder) {
		if n > 0 {
			m.dimensions = n
		}
	}
}

// WithObserver calls fn with every embedded text.
func WithObserver(fn func(text string)) Option {
	return func(m *MockEmbedder) { m.calls = fn }
}

// New creates a new mock embedder.
func New(opts ...Option) *MockEmbedder {
	m := &MockEmbedder{dimensions: DefaultDimensions}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Embed returns the normalized bag-of-words vector of text. Text without
// words embeds to the zero vector.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.Unavailable(core.ErrEmbeddingUnavailable, "mock embed", err)
	}
	if m.calls != nil {
		m.calls(text)
	}

	embedding := make([]float32, m.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		embedding[h.Sum32()%uint32(m.dimensions)]++
	}
	return core.Normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}
