package memory

import (
	"fmt"
	"time"

	"github.com/becomeliminal/nim-memory/core"
)

// Config holds Orchestrator configuration.
type Config struct {
	ShortTerm ShortTermConfig `yaml:"short_term"`
	LongTerm  LongTermConfig  `yaml:"long_term"`
}

// ShortTermConfig configures the recency tier.
type ShortTermConfig struct {
	// MaxMessages is the default number of recent turns returned.
	// Default: 5
	MaxMessages int `yaml:"max_messages"`

	// TTL is the lifetime of each recency entry, counted from its own write.
	// Default: 1h
	TTL time.Duration `yaml:"-"`
}

// LongTermConfig configures semantic retrieval.
type LongTermConfig struct {
	// TopK caps conversation recalls. Default: 4
	TopK int `yaml:"top_k"`

	// DocTopK caps document recalls. Default: 6
	DocTopK int `yaml:"doc_top_k"`

	// SimilarityThreshold drops conversation candidates below it. Default: 0.3
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// DocSimilarityThreshold drops document candidates below it. Default: 0.0
	DocSimilarityThreshold float64 `yaml:"doc_similarity_threshold"`

	// OverfetchFactor multiplies TopK for the nearest-neighbour query, since
	// session filtering happens after the query. Default: 4
	OverfetchFactor int `yaml:"overfetch_factor"`

	// MinCandidates is the floor of the nearest-neighbour query size.
	// Default: 20
	MinCandidates int `yaml:"min_candidates"`

	// SurroundingChunks expands each document hit with this many chunks on
	// each side. Default: 2
	SurroundingChunks int `yaml:"surrounding_chunks"`

	// EchoThreshold is the normalized edit-distance ratio at or above which
	// a candidate counts as a restatement of the query. Default: 0.9
	EchoThreshold float64 `yaml:"echo_threshold"`

	// ScanFallback scans the session (and known documents) when the
	// nearest-neighbour query returns nothing. Default: true
	ScanFallback bool `yaml:"scan_fallback"`

	// EmbedTimeout bounds each embedding call. Default: 10s
	EmbedTimeout time.Duration `yaml:"-"`

	// SearchTimeout bounds each nearest-neighbour query. Default: 5s
	SearchTimeout time.Duration `yaml:"-"`

	Rerank RerankWeights `yaml:"rerank"`
}

// RerankWeights blend vector similarity with lexical overlap.
// score = Similarity*sim*100 + Keyword*matchedTerms + Phrase*containsQuery + Document*isDocument
type RerankWeights struct {
	Similarity float64 `yaml:"similarity"`
	Keyword    float64 `yaml:"keyword"`
	Phrase     float64 `yaml:"phrase"`
	Document   float64 `yaml:"document"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		ShortTerm: ShortTermConfig{
			MaxMessages: 5,
			TTL:         time.Hour,
		},
		LongTerm: LongTermConfig{
			TopK:                   4,
			DocTopK:                6,
			SimilarityThreshold:    0.3,
			DocSimilarityThreshold: 0.0,
			OverfetchFactor:        4,
			MinCandidates:          20,
			SurroundingChunks:      2,
			EchoThreshold:          0.9,
			ScanFallback:           true,
			EmbedTimeout:           10 * time.Second,
			SearchTimeout:          5 * time.Second,
			Rerank: RerankWeights{
				Similarity: 1,
				Keyword:    10,
				Phrase:     100,
				Document:   20,
			},
		},
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	switch {
	case c.ShortTerm.MaxMessages <= 0:
		return &core.ValidationError{Field: "short_term.max_messages", Reason: "must be > 0"}
	case c.ShortTerm.TTL <= 0:
		return &core.ValidationError{Field: "short_term.ttl_seconds", Reason: "must be > 0"}
	case c.LongTerm.TopK < 0:
		return &core.ValidationError{Field: "long_term.top_k", Reason: "must be >= 0"}
	case c.LongTerm.DocTopK < 0:
		return &core.ValidationError{Field: "long_term.doc_top_k", Reason: "must be >= 0"}
	case c.LongTerm.OverfetchFactor < 1:
		return &core.ValidationError{Field: "long_term.overfetch_factor", Reason: "must be >= 1"}
	case c.LongTerm.MinCandidates < 0:
		return &core.ValidationError{Field: "long_term.min_candidates", Reason: "must be >= 0"}
	case c.LongTerm.SurroundingChunks < 0:
		return &core.ValidationError{Field: "long_term.surrounding_chunks", Reason: "must be >= 0"}
	case c.LongTerm.EchoThreshold <= 0 || c.LongTerm.EchoThreshold > 1:
		return &core.ValidationError{Field: "long_term.echo_threshold", Reason: "must be in (0, 1]"}
	case c.LongTerm.EmbedTimeout <= 0 || c.LongTerm.SearchTimeout <= 0:
		return &core.ValidationError{Field: "long_term.timeouts", Reason: "must be > 0"}
	}
	if err := validThreshold("long_term.similarity_threshold", c.LongTerm.SimilarityThreshold); err != nil {
		return err
	}
	return validThreshold("long_term.doc_similarity_threshold", c.LongTerm.DocSimilarityThreshold)
}

func validThreshold(field string, v float64) error {
	if v < -1 || v > 1 {
		return &core.ValidationError{Field: field, Reason: fmt.Sprintf("must be within [-1, 1], got %v", v)}
	}
	return nil
}

// candidates returns the nearest-neighbour query size for topK.
func (c *LongTermConfig) candidates(topK int) int {
	return max(topK*c.OverfetchFactor, c.MinCandidates)
}
