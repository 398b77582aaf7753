// Package engine runs the chat and ingestion pipelines on top of the
// memory orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/chunker"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/metrics"
)

// Engine wires the memory orchestrator to a generator and the document
// catalog.
type Engine struct {
	memory    *memory.Orchestrator
	generator Generator
	catalog   Catalog
	chunker   *chunker.Chunker
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records ingestion outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides time.Now for catalog timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. chunks is the default chunker used by
// Ingest.
func NewEngine(mem *memory.Orchestrator, gen Generator, catalog Catalog, chunks *chunker.Chunker, opts ...Option) (*Engine, error) {
	if mem == nil || gen == nil || catalog == nil || chunks == nil {
		return nil, errors.New("engine: orchestrator, generator, catalog and chunker are required")
	}
	e := &Engine{
		memory:    mem,
		generator: gen,
		catalog:   catalog,
		chunker:   chunks,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("engine")
	return e, nil
}

// Memory returns the orchestrator.
func (e *Engine) Memory() *memory.Orchestrator {
	return e.memory
}

// Chunking returns the default chunker configuration.
func (e *Engine) Chunking() chunker.Config {
	return e.chunker.Config()
}

// ChatInput is one user turn.
type ChatInput struct {
	// SessionID selects the conversation. Empty starts a new session.
	SessionID string

	// Message is the user's message.
	Message string

	// OnChunk receives streamed reply text when the generator supports
	// streaming.
	OnChunk func(chunk string)
}

// ChatOutput is the result of a chat turn.
type ChatOutput struct {
	SessionID   string                  `json:"session_id"`
	Reply       string                  `json:"response"`
	ContextType memory.ContextType      `json:"context_type"`
	Trace       *memory.Trace           `json:"trace,omitempty"`
	Degraded    bool                    `json:"degraded"`
	Context     []memory.ContextMessage `json:"-"`
}

// Chat assembles context for the message, records the user turn,
// generates a reply and records it. Context is assembled before the user
// turn is stored so the question is not recalled as its own answer.
func (e *Engine) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, &core.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	hc, err := e.memory.AssembleHybridContext(ctx, sessionID, in.Message)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	userRes, err := e.memory.StoreMessage(ctx, sessionID, core.RoleUser, in.Message)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	reply, err := e.generate(ctx, hc.Messages, in.OnChunk)
	if err != nil {
		e.log.Error("generate_failed", zap.String("session", sessionID), zap.Error(err))
		return nil, fmt.Errorf("chat: %w", err)
	}

	replyRes, err := e.memory.StoreMessage(ctx, sessionID, core.RoleAssistant, reply)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	e.log.Info("chat_turn",
		zap.String("session", sessionID),
		zap.String("context_type", string(hc.Type())),
		zap.Int("reply_len", len(reply)))

	return &ChatOutput{
		SessionID:   sessionID,
		Reply:       reply,
		ContextType: hc.Type(),
		Trace:       hc.Trace,
		Degraded:    userRes.Degraded || replyRes.Degraded || len(hc.Trace.Degraded) > 0,
		Context:     hc.Messages,
	}, nil
}

func (e *Engine) generate(ctx context.Context, msgs []memory.ContextMessage, onChunk func(string)) (string, error) {
	if sg, ok := e.generator.(StreamGenerator); ok && onChunk != nil {
		return sg.GenerateStream(ctx, msgs, onChunk)
	}
	reply, err := e.generator.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	if onChunk != nil && reply != "" {
		onChunk(reply)
	}
	return reply, nil
}

// IngestInput is a document to ingest.
type IngestInput struct {
	// DocumentID identifies the document. Empty assigns a new id; an
	// existing id re-ingests the document and replaces its chunks.
	DocumentID string

	Filename string
	Content  string

	// Chunking overrides the engine's chunker for this document.
	Chunking *chunker.Config
}

// Ingest chunks a document into long-term memory and tracks it in the
// catalog. The returned document is also returned with a failed status
// alongside the error when chunk storage fails.
func (e *Engine) Ingest(ctx context.Context, in IngestInput) (*core.Document, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, &core.ValidationError{Field: "content", Reason: "document is empty"}
	}
	ch := e.chunker
	if in.Chunking != nil {
		var err error
		if ch, err = chunker.New(*in.Chunking); err != nil {
			return nil, err
		}
	}

	id := in.DocumentID
	if id == "" {
		id = uuid.New().String()
	}
	filename := in.Filename
	if filename == "" {
		filename = id
	}

	now := e.now().UTC()
	doc := core.Document{ID: id, Filename: filename, Status: core.DocumentPending, CreatedAt: now, UpdatedAt: now}

	prev, err := e.catalog.GetDocument(ctx, id)
	switch {
	case err == nil:
		doc.CreatedAt = prev.CreatedAt
		if err := e.memory.DeleteDocument(ctx, id); err != nil {
			return nil, fmt.Errorf("ingest: replace document: %w", err)
		}
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if err := e.catalog.PutDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	chunks := ch.Chunk(id, in.Content)
	stored, err := e.memory.StoreDocumentChunks(ctx, id, chunks)
	doc.UpdatedAt = e.now().UTC()
	if err != nil {
		e.log.Error("ingest_failed",
			zap.String("document", id),
			zap.Int("stored", stored),
			zap.Int("chunks", len(chunks)),
			zap.Error(err))
		if stored > 0 {
			if derr := e.memory.DeleteDocument(ctx, id); derr != nil {
				e.log.Warn("ingest_cleanup_failed", zap.String("document", id), zap.Error(derr))
			}
		}
		doc.Status = core.DocumentFailed
		doc.Error = err.Error()
		if perr := e.catalog.PutDocument(ctx, doc); perr != nil {
			e.log.Warn("catalog_update_failed", zap.String("document", id), zap.Error(perr))
		}
		e.metrics.DocumentIngested(string(core.DocumentFailed))
		return &doc, fmt.Errorf("ingest %s: %w", id, err)
	}

	doc.Status = core.DocumentCompleted
	doc.TotalChunks = stored
	if err := e.catalog.PutDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	e.metrics.DocumentIngested(string(core.DocumentCompleted))
	e.log.Info("document_ingested",
		zap.String("document", id),
		zap.String("filename", filename),
		zap.Int("chunks", stored),
		zap.String("strategy", string(ch.Config().Strategy)))
	return &doc, nil
}

// Documents lists the catalog.
func (e *Engine) Documents(ctx context.Context) ([]core.Document, error) {
	return e.catalog.ListDocuments(ctx)
}

// DeleteDocument removes a document's chunks and its catalog entry.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	if _, err := e.catalog.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := e.memory.DeleteDocument(ctx, id); err != nil {
		return err
	}
	return e.catalog.DeleteDocument(ctx, id)
}

// Sessions lists live sessions with their display names.
func (e *Engine) Sessions(ctx context.Context) ([]core.SessionSummary, error) {
	sessions, err := e.memory.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	names, err := e.catalog.SessionNames(ctx)
	if err != nil {
		e.log.Warn("session_names_unavailable", zap.Error(err))
		return sessions, nil
	}
	for i := range sessions {
		sessions[i].DisplayName = names[sessions[i].SessionID]
	}
	return sessions, nil
}

// RenameSession sets a session's display name.
func (e *Engine) RenameSession(ctx context.Context, sessionID, name string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &core.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &core.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return e.catalog.SetSessionName(ctx, sessionID, name)
}

// ClearSession drops a session's short-term log and display name.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	if err := e.memory.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	if err := e.catalog.DeleteSessionName(ctx, sessionID); err != nil {
		e.log.Warn("session_name_delete_failed", zap.String("session", sessionID), zap.Error(err))
	}
	return nil
}

// History returns a session's live transcript, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	return e.memory.History(ctx, sessionID, limit)
}
