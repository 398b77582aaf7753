// Package cache wraps an embedder with a ristretto cache keyed by text.
package cache

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultMaxBytes bounds the cached vectors. 64 MiB holds about 43k
// 384-dimension embeddings.
const DefaultMaxBytes = 64 << 20

// Embedder caches the vectors of an inner embedder. Errors are not cached.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Embedder)(nil)

// New wraps inner. maxBytes <= 0 uses DefaultMaxBytes.
func New(inner memory.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	perItem := int64(inner.Dimensions()) * 4
	if perItem <= 0 {
		perItem = 4
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(100, 10*maxBytes/perItem),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: c}, nil
}

// Embed returns the cached vector for text or computes and caches it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return slices.Clone(v.([]float32)), nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, slices.Clone(v), int64(len(v))*4)
	return v, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close stops the cache's goroutines.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}
