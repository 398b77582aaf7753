// Package app builds the engine and its backends from a config.Config and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/catalog/sqlite"
	"github.com/becomeliminal/nim-memory/chunker"
	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/engine"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/cache"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/embedder/ollama"
	"github.com/becomeliminal/nim-memory/memory/recency"
	"github.com/becomeliminal/nim-memory/memory/recency/inmem"
	"github.com/becomeliminal/nim-memory/memory/recency/pebble"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/postgres"
	"github.com/becomeliminal/nim-memory/metrics"
	"github.com/becomeliminal/nim-memory/server"
)

// App is the assembled client graph.
type App struct {
	Config  *config.Config
	Engine  *engine.Engine
	Server  *server.Server
	Metrics *metrics.Metrics

	janitor *recency.Janitor
	closers []io.Closer
	log     *zap.Logger
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	generator  engine.Generator
}

// WithRegisterer registers metrics with reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// WithGenerator overrides the configured generator.
func WithGenerator(g engine.Generator) Option {
	return func(o *buildOptions) {
		o.generator = g
	}
}

// Build opens every backend named by cfg. On error, whatever was already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	bo := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Metrics = metrics.New(bo.registerer)

	gen := bo.generator
	if gen == nil {
		if gen, err = newGenerator(cfg.Generator); err != nil {
			return nil, err
		}
	}

	rec, err := a.openRecency(cfg)
	if err != nil {
		return nil, err
	}
	a.janitor, err = recency.NewJanitor(rec, cfg.ShortTerm.PurgeCron,
		recency.WithLogger(log), recency.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}

	sem, err := a.openSemantic(ctx, cfg)
	if err != nil {
		return nil, err
	}

	emb, err := a.openEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	catalog, err := sqlite.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	a.closers = append(a.closers, catalog)

	orch, err := memory.NewOrchestrator(rec, sem, emb, cfg.Memory(),
		memory.WithLogger(log),
		memory.WithMetrics(a.Metrics),
		memory.WithAsyncLongTerm(cfg.LongTerm.AsyncWrites),
		memory.WithDocumentLister(catalog))
	if err != nil {
		return nil, err
	}
	// Closed before the stores so deferred writes drain first.
	a.closers = append(a.closers, orch)

	ch, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	a.Engine, err = engine.NewEngine(orch, gen, catalog, ch,
		engine.WithLogger(log), engine.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}

	a.Server = server.New(server.Config{
		HTTPAddr:        cfg.Server.HTTPAddr,
		GRPCAddr:        cfg.Server.GRPCAddr,
		AllowAnyOrigin:  cfg.Server.AllowAnyOrigin,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}, a.Engine, server.WithLogger(log), server.WithMetrics(a.Metrics))

	log.Info("app_built",
		zap.String("recency", cfg.ShortTerm.Store),
		zap.String("semantic", cfg.LongTerm.Store),
		zap.String("embedder", cfg.Embeddings.Provider),
		zap.String("generator", cfg.Generator.Provider),
		zap.String("chunking", string(cfg.Chunking.Strategy)))
	return a, nil
}

func (a *App) openRecency(cfg *config.Config) (memory.RecencyStore, error) {
	ttl := time.Duration(cfg.ShortTerm.TTLSeconds) * time.Second
	switch cfg.ShortTerm.Store {
	case "pebble":
		s, err := pebble.Open(cfg.ShortTerm.PebblePath, pebble.WithTTL(ttl), pebble.WithLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("open recency store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		s := inmem.New(inmem.WithTTL(ttl))
		a.closers = append(a.closers, s)
		return s, nil
	}
}

func (a *App) openSemantic(ctx context.Context, cfg *config.Config) (memory.SemanticStore, error) {
	switch cfg.LongTerm.Store {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.LongTerm.DatabaseURL, cfg.Embeddings.Dimension, postgres.WithLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("open semantic store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		s, err := chromem.New(chromem.WithLogger(a.log), chromem.WithVisibilityDelay(cfg.VisibilityDelay()))
		if err != nil {
			return nil, fmt.Errorf("open semantic store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	}
}

func (a *App) openEmbedder(cfg *config.Config) (memory.Embedder, error) {
	ec := cfg.Embeddings
	var emb memory.Embedder
	switch ec.Provider {
	case "ollama":
		emb = ollama.New(ollama.Config{
			BaseURL:           ec.OllamaBaseURL,
			Model:             ec.Model,
			Dimensions:        ec.Dimension,
			RequestsPerSecond: ec.RequestsPerSecond,
		})
	case "onnx":
		e, closer, err := newONNXEmbedder(ec, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer)
		emb = e
	default:
		emb = mock.New(mock.WithDimensions(ec.Dimension))
	}

	if ec.CacheBytes <= 0 {
		return emb, nil
	}
	cached, err := cache.New(emb, ec.CacheBytes)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	a.closers = append(a.closers, cached)
	return cached, nil
}

func newGenerator(gc config.GeneratorConfig) (engine.Generator, error) {
	switch gc.Provider {
	case "echo":
		return engine.EchoGenerator, nil
	default:
		if gc.APIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the claude generator (set generator.provider to echo to run without it)")
		}
		client := anthropic.NewClient(option.WithAPIKey(gc.APIKey))
		return engine.NewClaudeGenerator(&client,
			engine.WithModel(gc.Model),
			engine.WithMaxTokens(gc.MaxTokens),
			engine.WithSystemPrompt(gc.SystemPrompt)), nil
	}
}

// Serve runs the purge janitor and the server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.janitor.Run(ctx)
	}()

	err := a.Server.Run(ctx)
	cancel()
	<-done
	return err
}

// Close releases every backend in reverse open order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close_failed", zap.Error(err))
		return err
	}
	return nil
}
