// Package config loads nim-memory settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-memory/chunker"
	"github.com/becomeliminal/nim-memory/memory"
)

// Config contains all runtime settings.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	ShortTerm  ShortTermConfig  `yaml:"short_term"`
	LongTerm   LongTermConfig   `yaml:"long_term"`
	Chunking   chunker.Config   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type ServerConfig struct {
	HTTPAddr               string `yaml:"http_addr"`
	GRPCAddr               string `yaml:"grpc_addr"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	AllowAnyOrigin         bool   `yaml:"allow_any_origin"`
	MaxUploadBytes         int64  `yaml:"max_upload_bytes"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

type ShortTermConfig struct {
	MaxMessages int `yaml:"max_messages"`
	TTLSeconds  int `yaml:"ttl_seconds"`

	// Store is "memory" or "pebble".
	Store      string `yaml:"store"`
	PebblePath string `yaml:"pebble_path"`

	// PurgeCron schedules removal of expired entries.
	PurgeCron string `yaml:"purge_cron"`
}

type LongTermConfig struct {
	TopK                   int                  `yaml:"top_k"`
	DocTopK                int                  `yaml:"doc_top_k"`
	SimilarityThreshold    float64              `yaml:"similarity_threshold"`
	DocSimilarityThreshold float64              `yaml:"doc_similarity_threshold"`
	OverfetchFactor        int                  `yaml:"overfetch_factor"`
	MinCandidates          int                  `yaml:"min_candidates"`
	SurroundingChunks      int                  `yaml:"surrounding_chunks"`
	EchoThreshold          float64              `yaml:"echo_threshold"`
	ScanFallback           bool                 `yaml:"scan_fallback"`
	EmbedTimeoutSeconds    int                  `yaml:"embed_timeout_seconds"`
	SearchTimeoutSeconds   int                  `yaml:"search_timeout_seconds"`
	AsyncWrites            bool                 `yaml:"async_writes"`
	Rerank                 memory.RerankWeights `yaml:"rerank"`

	// Store is "chromem" or "postgres".
	Store string `yaml:"store"`

	// VisibilityDelayMillis delays chromem index visibility.
	VisibilityDelayMillis int `yaml:"visibility_delay_ms"`

	DatabaseURL string `yaml:"database_url"`
}

type EmbeddingsConfig struct {
	// Provider is mock, ollama or onnx.
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	Dimension         int     `yaml:"dimension"`
	OllamaBaseURL     string  `yaml:"ollama_base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// CacheBytes sizes the embedding cache. Zero disables it.
	CacheBytes int64 `yaml:"cache_bytes"`

	ONNXModelPath     string `yaml:"onnx_model_path"`
	ONNXTokenizerPath string `yaml:"onnx_tokenizer_path"`
	ONNXLibraryPath   string `yaml:"onnx_library_path"`
}

type GeneratorConfig struct {
	// Provider is claude or echo.
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"-"`
	Model        string `yaml:"model"`
	MaxTokens    int64  `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	mem := memory.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPAddr:               ":8000",
			GRPCAddr:               ":9090",
			ShutdownTimeoutSeconds: 15,
			MaxUploadBytes:         10 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		ShortTerm: ShortTermConfig{
			MaxMessages: mem.ShortTerm.MaxMessages,
			TTLSeconds:  int(mem.ShortTerm.TTL / time.Second),
			Store:       "memory",
			PebblePath:  "./data/recency",
			PurgeCron:   "*/5 * * * *",
		},
		LongTerm: LongTermConfig{
			TopK:                   mem.LongTerm.TopK,
			DocTopK:                mem.LongTerm.DocTopK,
			SimilarityThreshold:    mem.LongTerm.SimilarityThreshold,
			DocSimilarityThreshold: mem.LongTerm.DocSimilarityThreshold,
			OverfetchFactor:        mem.LongTerm.OverfetchFactor,
			MinCandidates:          mem.LongTerm.MinCandidates,
			SurroundingChunks:      mem.LongTerm.SurroundingChunks,
			EchoThreshold:          mem.LongTerm.EchoThreshold,
			ScanFallback:           mem.LongTerm.ScanFallback,
			EmbedTimeoutSeconds:    int(mem.LongTerm.EmbedTimeout / time.Second),
			SearchTimeoutSeconds:   int(mem.LongTerm.SearchTimeout / time.Second),
			Rerank:                 mem.LongTerm.Rerank,
			Store:                  "chromem",
		},
		Chunking: chunker.DefaultConfig(),
		Embeddings: EmbeddingsConfig{
			Provider:      "mock",
			Model:         "all-minilm:l6-v2",
			Dimension:     384,
			OllamaBaseURL: "http://localhost:11434",
			CacheBytes:    64 << 20,
		},
		Generator: GeneratorConfig{
			Provider:  "claude",
			MaxTokens: 1024,
		},
		Catalog: CatalogConfig{Path: "./data/catalog.db"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(dst *string, keys ...string) {
		if v, ok := lookup(keys...); ok {
			*dst = v
		}
	}
	num := func(dst *int, keys ...string) {
		if v, ok := lookup(keys...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s parse error: %w", keys[0], err))
				return
			}
			*dst = n
		}
	}
	num64 := func(dst *int64, keys ...string) {
		if v, ok := lookup(keys...); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s parse error: %w", keys[0], err))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, keys ...string) {
		if v, ok := lookup(keys...); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s parse error: %w", keys[0], err))
				return
			}
			*dst = f
		}
	}
	boolean := func(dst *bool, keys ...string) {
		if v, ok := lookup(keys...); ok {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s parse error: %w", keys[0], err))
				return
			}
			*dst = b
		}
	}

	str(&c.Server.HTTPAddr, "HTTP_ADDR", "APP_BIND_ADDR")
	str(&c.Server.GRPCAddr, "GRPC_ADDR")
	num(&c.Server.ShutdownTimeoutSeconds, "SHUTDOWN_TIMEOUT_SECONDS")
	boolean(&c.Server.AllowAnyOrigin, "ALLOW_ANY_ORIGIN")
	num64(&c.Server.MaxUploadBytes, "MAX_UPLOAD_BYTES")

	str(&c.Logging.Level, "LOG_LEVEL")
	str(&c.Logging.Format, "LOG_FORMAT")

	num(&c.ShortTerm.MaxMessages, "SHORT_TERM_MAX_MESSAGES")
	num(&c.ShortTerm.TTLSeconds, "SHORT_TERM_TTL")
	str(&c.ShortTerm.Store, "SHORT_TERM_STORE")
	str(&c.ShortTerm.PebblePath, "PEBBLE_PATH")
	str(&c.ShortTerm.PurgeCron, "SHORT_TERM_PURGE_CRON")

	num(&c.LongTerm.TopK, "LONG_TERM_TOP_K", "LONG_TOP_K")
	num(&c.LongTerm.DocTopK, "DOC_TOP_K")
	float(&c.LongTerm.SimilarityThreshold, "LONG_TERM_SIMILARITY_THRESHOLD")
	float(&c.LongTerm.DocSimilarityThreshold, "DOC_SIMILARITY_THRESHOLD")
	num(&c.LongTerm.OverfetchFactor, "LONG_TERM_OVERFETCH_FACTOR")
	num(&c.LongTerm.MinCandidates, "LONG_TERM_MIN_CANDIDATES")
	num(&c.LongTerm.SurroundingChunks, "DOC_SURROUNDING_CHUNKS")
	float(&c.LongTerm.EchoThreshold, "ECHO_THRESHOLD")
	boolean(&c.LongTerm.ScanFallback, "LONG_TERM_SCAN_FALLBACK")
	boolean(&c.LongTerm.AsyncWrites, "LONG_TERM_ASYNC_WRITES")
	num(&c.LongTerm.EmbedTimeoutSeconds, "EMBED_TIMEOUT_SECONDS")
	num(&c.LongTerm.SearchTimeoutSeconds, "SEARCH_TIMEOUT_SECONDS")
	str(&c.LongTerm.Store, "LONG_TERM_STORE")
	num(&c.LongTerm.VisibilityDelayMillis, "VISIBILITY_DELAY_MS")
	str(&c.LongTerm.DatabaseURL, "DATABASE_URL")

	var strategy string
	str(&strategy, "CHUNK_STRATEGY")
	if strategy != "" {
		c.Chunking.Strategy = chunker.Strategy(strings.ToLower(strategy))
	}
	num(&c.Chunking.ChunkSize, "CHUNK_SIZE")
	num(&c.Chunking.Overlap, "CHUNK_OVERLAP")
	num(&c.Chunking.LinkCount, "CHUNK_LINK_COUNT")

	str(&c.Embeddings.Provider, "EMBEDDINGS_PROVIDER")
	str(&c.Embeddings.Model, "EMBEDDINGS_MODEL")
	num(&c.Embeddings.Dimension, "VECTOR_DIMENSION")
	str(&c.Embeddings.OllamaBaseURL, "OLLAMA_BASE_URL")
	float(&c.Embeddings.RequestsPerSecond, "EMBEDDINGS_REQUESTS_PER_SECOND")
	num64(&c.Embeddings.CacheBytes, "EMBEDDINGS_CACHE_BYTES")
	str(&c.Embeddings.ONNXModelPath, "ONNX_MODEL_PATH")
	str(&c.Embeddings.ONNXTokenizerPath, "ONNX_TOKENIZER_PATH")
	str(&c.Embeddings.ONNXLibraryPath, "ONNX_LIBRARY_PATH")

	str(&c.Generator.Provider, "GENERATOR_PROVIDER")
	str(&c.Generator.APIKey, "ANTHROPIC_API_KEY")
	str(&c.Generator.Model, "CLAUDE_MODEL")
	num64(&c.Generator.MaxTokens, "CLAUDE_MAX_TOKENS")

	str(&c.Catalog.Path, "CATALOG_PATH")

	return errors.Join(errs...)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be positive")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	switch c.ShortTerm.Store {
	case "memory":
	case "pebble":
		if c.ShortTerm.PebblePath == "" {
			return fmt.Errorf("short_term.pebble_path is required for the pebble store")
		}
	default:
		return fmt.Errorf("short_term.store must be memory or pebble, got %q", c.ShortTerm.Store)
	}
	switch c.LongTerm.Store {
	case "chromem":
	case "postgres":
		if c.LongTerm.DatabaseURL == "" {
			return fmt.Errorf("long_term.database_url (DATABASE_URL) is required for the postgres store")
		}
	default:
		return fmt.Errorf("long_term.store must be chromem or postgres, got %q", c.LongTerm.Store)
	}
	if c.LongTerm.VisibilityDelayMillis < 0 {
		return fmt.Errorf("long_term.visibility_delay_ms must be >= 0")
	}
	switch c.Embeddings.Provider {
	case "mock", "ollama", "onnx":
	default:
		return fmt.Errorf("embeddings.provider must be mock, ollama or onnx, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive")
	}
	if c.Embeddings.CacheBytes < 0 {
		return fmt.Errorf("embeddings.cache_bytes must be >= 0")
	}
	switch c.Generator.Provider {
	case "claude", "echo":
	default:
		return fmt.Errorf("generator.provider must be claude or echo, got %q", c.Generator.Provider)
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Memory().Validate(); err != nil {
		return fmt.Errorf("memory config: %w", err)
	}
	return nil
}

// Memory converts the tier settings to the orchestrator's configuration.
func (c *Config) Memory() *memory.Config {
	return &memory.Config{
		ShortTerm: memory.ShortTermConfig{
			MaxMessages: c.ShortTerm.MaxMessages,
			TTL:         time.Duration(c.ShortTerm.TTLSeconds) * time.Second,
		},
		LongTerm: memory.LongTermConfig{
			TopK:                   c.LongTerm.TopK,
			DocTopK:                c.LongTerm.DocTopK,
			SimilarityThreshold:    c.LongTerm.SimilarityThreshold,
			DocSimilarityThreshold: c.LongTerm.DocSimilarityThreshold,
			OverfetchFactor:        c.LongTerm.OverfetchFactor,
			MinCandidates:          c.LongTerm.MinCandidates,
			SurroundingChunks:      c.LongTerm.SurroundingChunks,
			EchoThreshold:          c.LongTerm.EchoThreshold,
			ScanFallback:           c.LongTerm.ScanFallback,
			EmbedTimeout:           time.Duration(c.LongTerm.EmbedTimeoutSeconds) * time.Second,
			SearchTimeout:          time.Duration(c.LongTerm.SearchTimeoutSeconds) * time.Second,
			Rerank:                 c.LongTerm.Rerank,
		},
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// VisibilityDelay returns the chromem index visibility delay.
func (c *Config) VisibilityDelay() time.Duration {
	return time.Duration(c.LongTerm.VisibilityDelayMillis) * time.Millisecond
}

// lookup returns the first non-empty variable among keys.
func lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
