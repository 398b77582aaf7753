package chunker

import (
	"fmt"

	"github.com/becomeliminal/nim-memory/core"
)

// Strategy selects how text is cut into units before grouping.
type Strategy string

const (
	// StrategySentence groups LinkCount consecutive sentences per chunk.
	StrategySentence Strategy = "sentence"
	// StrategyPhrase groups LinkCount consecutive comma/semicolon phrases.
	StrategyPhrase Strategy = "phrase"
	// StrategyFixed cuts ChunkSize-rune windows and carries an Overlap tail
	// of the previous window as linked context.
	StrategyFixed Strategy = "fixed"
	// StrategySection packs whole paragraphs up to ChunkSize runes.
	StrategySection Strategy = "section"
)

// Defaults.
const (
	DefaultChunkSize     = 512
	DefaultOverlap       = 50
	DefaultSentenceLinks = 2
	DefaultPhraseLinks   = 3
)

// Config describes how a document is chunked. ChunkSize and Overlap are
// measured in runes. A zero LinkCount selects the strategy default.
type Config struct {
	Strategy  Strategy `yaml:"strategy" json:"strategy"`
	ChunkSize int      `yaml:"chunk_size" json:"chunk_size"`
	Overlap   int      `yaml:"overlap" json:"overlap"`
	LinkCount int      `yaml:"link_count" json:"link_count"`
}

// DefaultConfig returns sentence linking with the default sizes.
func DefaultConfig() Config {
	return Config{
		Strategy:  StrategySentence,
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
	}
}

// Validate rejects malformed configurations.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategySentence, StrategyPhrase, StrategyFixed, StrategySection:
	default:
		return &core.ValidationError{Field: "chunking.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.ChunkSize <= 0 {
		return &core.ValidationError{Field: "chunking.chunk_size", Reason: "must be > 0"}
	}
	if c.Overlap < 0 {
		return &core.ValidationError{Field: "chunking.overlap", Reason: "must be >= 0"}
	}
	if c.Overlap >= c.ChunkSize {
		return &core.ValidationError{Field: "chunking.overlap", Reason: "must be smaller than chunk_size"}
	}
	if c.LinkCount < 0 {
		return &core.ValidationError{Field: "chunking.link_count", Reason: "must be >= 0"}
	}
	return nil
}

func (c Config) links() int {
	if c.LinkCount > 0 {
		return c.LinkCount
	}
	if c.Strategy == StrategyPhrase {
		return DefaultPhraseLinks
	}
	return DefaultSentenceLinks
}
