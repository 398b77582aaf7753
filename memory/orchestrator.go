package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/metrics"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("orchestrator closed")

// Orchestrator combines the recency and semantic tiers. It stores each turn
// in both, and assembles the per-turn hybrid context.
//
// Recency failures are returned to the caller. Embedding and semantic store
// failures only shrink the long-term half of the context and are logged.
type Orchestrator struct {
	recency  RecencyStore
	semantic SemanticStore
	embedder Embedder
	docs     DocumentLister
	config   *Config

	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	async bool

	// mu orders registrations in pending against Close.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records instruments on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithAsyncLongTerm moves the embed and semantic write of StoreMessage off
// the caller's path. Close waits for outstanding writes.
func WithAsyncLongTerm(async bool) Option {
	return func(o *Orchestrator) { o.async = async }
}

// WithDocumentLister enables document scans when a nearest-neighbour query
// comes back empty.
func WithDocumentLister(l DocumentLister) Option {
	return func(o *Orchestrator) { o.docs = l }
}

// NewOrchestrator creates an Orchestrator. A nil config uses DefaultConfig.
func NewOrchestrator(recency RecencyStore, semantic SemanticStore, embedder Embedder, config *Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case recency == nil:
		return nil, errors.New("recency store is required")
	case semantic == nil:
		return nil, errors.New("semantic store is required")
	case embedder == nil:
		return nil, errors.New("embedder is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("memory config: %w", err)
	}

	o := &Orchestrator{
		recency:  recency,
		semantic: semantic,
		embedder: embedder,
		config:   config,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("memory")
	return o, nil
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return *o.config }

// StoreResult reports the outcome of StoreMessage.
type StoreResult struct {
	Message core.Message `json:"message"`

	// RecordID is the semantic record ID, empty when the write degraded,
	// was deferred, or the content was blank.
	RecordID string `json:"record_id,omitempty"`

	// Degraded is set when the long-term write failed.
	Degraded bool `json:"degraded"`

	// Deferred is set when the long-term write runs in the background.
	Deferred bool `json:"deferred"`

	// Warning carries the long-term failure, if any.
	Warning error `json:"-"`
}

// StoreMessage appends a turn to the session's recency log and writes it to
// long-term memory.
func (o *Orchestrator) StoreMessage(ctx context.Context, sessionID string, role core.Role, content string) (*StoreResult, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	deferred := false
	defer func() {
		if !deferred {
			o.pending.Done()
		}
	}()

	msg := core.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: o.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	stored, err := o.recency.Append(ctx, msg)
	if err != nil {
		o.log.Error("short_term_write_failed", zap.String("session", sessionID), zap.Error(err))
		return nil, fmt.Errorf("store message: %w", err)
	}
	o.metrics.MessageStored(string(role))

	res := &StoreResult{Message: stored}
	if strings.TrimSpace(content) == "" {
		return res, nil
	}

	if o.async {
		res.Deferred = true
		deferred = true
		go func() {
			defer o.pending.Done()
			_, _ = o.writeLongTerm(context.WithoutCancel(ctx), stored)
		}()
		return res, nil
	}

	id, err := o.writeLongTerm(ctx, stored)
	if err != nil {
		res.Degraded = true
		res.Warning = err
		return res, nil
	}
	res.RecordID = id
	return res, nil
}

func (o *Orchestrator) writeLongTerm(ctx context.Context, msg core.Message) (string, error) {
	emb, err := o.embed(ctx, msg.Content)
	if err != nil {
		o.log.Warn("long_term_write_degraded",
			zap.String("session", msg.SessionID),
			zap.String("stage", "embed"),
			zap.Error(err))
		o.metrics.Degraded("write_embed")
		return "", err
	}

	rec := core.NewConversationRecord(msg.SessionID, msg.Role, msg.Content, emb, msg.Timestamp)
	if err := o.semantic.Put(ctx, rec); err != nil {
		o.log.Warn("long_term_write_degraded",
			zap.String("session", msg.SessionID),
			zap.String("stage", "store"),
			zap.Error(err))
		o.metrics.Degraded("write_store")
		return "", fmt.Errorf("put record: %w", err)
	}

	o.log.Debug("long_term_written",
		zap.String("session", msg.SessionID),
		zap.String("record", rec.ID),
		zap.String("role", string(msg.Role)))
	return rec.ID, nil
}

// ShortTerm returns the newest turns of a session, oldest first.
// A limit <= 0 uses ShortTerm.MaxMessages.
func (o *Orchestrator) ShortTerm(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &core.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = o.config.ShortTerm.MaxMessages
	}
	msgs, err := o.recency.Recent(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("read short-term: %w", err)
	}
	return msgs, nil
}

// History returns a session transcript. A limit <= 0 uses DefaultHistoryLimit.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return o.ShortTerm(ctx, sessionID, limit)
}

// LongTermQuery parameterises LongTerm.
type LongTermQuery struct {
	Text      string
	SessionID string

	// TopK caps the returned hits. Zero returns nothing.
	TopK int

	// Threshold drops candidates with a lower cosine similarity.
	Threshold float64

	// Source restricts hits to one source type. Empty keeps both.
	Source core.SourceType
}

func (q LongTermQuery) validate() error {
	if q.TopK < 0 {
		return &core.ValidationError{Field: "top_k", Reason: "must be >= 0"}
	}
	if err := validThreshold("threshold", q.Threshold); err != nil {
		return err
	}
	switch q.Source {
	case "", core.SourceConversation, core.SourceDocument:
		return nil
	}
	return &core.ValidationError{Field: "source_type", Reason: fmt.Sprintf("unknown source type %q", q.Source)}
}

// LongTerm returns semantically related records visible to the query's
// session: documents always, conversation records of the same session only.
// Embedding or search failures yield an empty result, not an error.
func (o *Orchestrator) LongTerm(ctx context.Context, q LongTermQuery) ([]Hit, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var stats retrieval
	pool := o.candidatePool(ctx, q.Text, q.SessionID, q.Source, q.TopK, &stats)
	return o.rank(ctx, q, pool), nil
}

// retrieval records how a candidate pool was obtained.
type retrieval struct {
	candidates int
	fetched    int
	fallback   bool
	degraded   []string
	embed      time.Duration
	search     time.Duration
}

// candidatePool embeds text and fetches the overfetched nearest neighbours
// for topK. It never fails: problems are logged and recorded in stats.
func (o *Orchestrator) candidatePool(ctx context.Context, text, sessionID string, source core.SourceType, topK int, stats *retrieval) []ScoredRecord {
	if topK == 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	start := time.Now()
	emb, err := o.embed(ctx, text)
	stats.embed = time.Since(start)
	if err != nil {
		o.log.Warn("long_term_read_degraded",
			zap.String("session", sessionID),
			zap.String("stage", "embed"),
			zap.Error(err))
		o.metrics.Degraded("read_embed")
		stats.degraded = append(stats.degraded, "embed")
		return nil
	}

	k := o.config.LongTerm.candidates(topK)
	stats.candidates = k

	start = time.Now()
	pool, err := bounded(ctx, o.config.LongTerm.SearchTimeout, func(ctx context.Context) ([]ScoredRecord, error) {
		return o.semantic.Nearest(ctx, emb, k)
	})
	stats.search = time.Since(start)
	o.metrics.ObserveSearch(stats.search)
	if err != nil {
		o.log.Warn("long_term_read_degraded",
			zap.String("session", sessionID),
			zap.String("stage", "search"),
			zap.Int("k", k),
			zap.Error(err))
		o.metrics.Degraded("read_search")
		stats.degraded = append(stats.degraded, "search")
		return nil
	}

	if len(pool) == 0 && o.config.LongTerm.ScanFallback {
		pool = o.scan(ctx, emb, sessionID, source, k)
		stats.fallback = len(pool) > 0
	}
	stats.fetched = len(pool)
	return pool
}

// scan scores the session's conversation records and the listed documents
// directly. It covers records that have not reached the index yet.
func (o *Orchestrator) scan(ctx context.Context, emb []float32, sessionID string, source core.SourceType, k int) []ScoredRecord {
	pool, err := bounded(ctx, o.config.LongTerm.SearchTimeout, func(ctx context.Context) ([]ScoredRecord, error) {
		var recs []core.MemoryRecord
		if sessionID != "" && source != core.SourceDocument {
			conv, err := o.semantic.ScanBySession(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("scan session: %w", err)
			}
			recs = append(recs, conv...)
		}
		if o.docs != nil && source != core.SourceConversation {
			ids, err := o.docs.DocumentIDs(ctx)
			if err != nil {
				return nil, fmt.Errorf("list documents: %w", err)
			}
			for _, id := range ids {
				chunks, err := o.semantic.ScanByDocument(ctx, id)
				if err != nil {
					return nil, fmt.Errorf("scan document %s: %w", id, err)
				}
				recs = append(recs, chunks...)
			}
		}

		scored := make([]ScoredRecord, 0, len(recs))
		for _, r := range recs {
			scored = append(scored, ScoredRecord{Record: r, Similarity: core.Cosine(emb, r.Embedding)})
		}
		slices.SortStableFunc(scored, func(a, b ScoredRecord) int {
			switch {
			case a.Similarity > b.Similarity:
				return -1
			case a.Similarity < b.Similarity:
				return 1
			}
			return 0
		})
		if len(scored) > k {
			scored = scored[:k]
		}
		return scored, nil
	})
	if err != nil {
		o.log.Warn("long_term_scan_failed", zap.String("session", sessionID), zap.Error(err))
		o.metrics.Degraded("read_scan")
		return nil
	}
	if len(pool) > 0 {
		o.log.Debug("long_term_scan_fallback", zap.String("session", sessionID), zap.Int("records", len(pool)))
	}
	return pool
}

// rank filters the pool for q, reranks the survivors and expands document hits.
func (o *Orchestrator) rank(ctx context.Context, q LongTermQuery, pool []ScoredRecord) []Hit {
	hits := make([]Hit, 0, min(len(pool), q.TopK))
	if q.TopK == 0 {
		return hits
	}

	for _, c := range pool {
		rec := c.Record
		switch rec.SourceType {
		case core.SourceDocument:
		case core.SourceConversation:
			if rec.SessionID == "" || rec.SessionID != q.SessionID {
				continue
			}
		default:
			continue
		}
		if q.Source != "" && rec.SourceType != q.Source {
			continue
		}
		if c.Similarity < q.Threshold {
			continue
		}
		if isEcho(q.Text, rec.Content, o.config.LongTerm.EchoThreshold) {
			o.metrics.EchoSuppressed()
			continue
		}
		hits = append(hits, Hit{
			Record:     rec,
			SourceType: rec.SourceType,
			Similarity: c.Similarity,
			Content:    rec.Content,
		})
	}

	o.config.LongTerm.Rerank.rerank(hits, q.Text)
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	o.expand(ctx, hits)

	for _, src := range []core.SourceType{core.SourceConversation, core.SourceDocument} {
		var n int
		for _, h := range hits {
			if h.SourceType == src {
				n++
			}
		}
		o.metrics.Hits(string(src), n)
	}
	return hits
}

// expand replaces each document hit's content with the hit chunk and its
// SurroundingChunks neighbours on each side.
func (o *Orchestrator) expand(ctx context.Context, hits []Hit) {
	window := o.config.LongTerm.SurroundingChunks
	if window == 0 {
		return
	}
	scanned := make(map[string][]core.MemoryRecord)
	for i := range hits {
		rec := hits[i].Record
		if rec.SourceType != core.SourceDocument {
			continue
		}
		chunks, ok := scanned[rec.DocumentID]
		if !ok {
			var err error
			chunks, err = bounded(ctx, o.config.LongTerm.SearchTimeout, func(ctx context.Context) ([]core.MemoryRecord, error) {
				return o.semantic.ScanByDocument(ctx, rec.DocumentID)
			})
			if err != nil {
				o.log.Warn("surrounding_chunks_failed", zap.String("document", rec.DocumentID), zap.Error(err))
			}
			scanned[rec.DocumentID] = chunks
		}

		var parts []string
		for _, c := range chunks {
			if c.ChunkIndex >= rec.ChunkIndex-window && c.ChunkIndex <= rec.ChunkIndex+window {
				parts = append(parts, c.Content)
			}
		}
		if len(parts) > 0 {
			hits[i].Content = strings.Join(parts, "\n\n")
		}
	}
}

// StoreDocumentChunks embeds and stores the chunks of one document. Chunks
// must belong to documentID and be indexed 0..n-1 in order. Unlike
// StoreMessage, embedding and store failures are returned, wrapped in their
// sentinel, together with the number of chunks stored before the failure.
func (o *Orchestrator) StoreDocumentChunks(ctx context.Context, documentID string, chunks []core.Chunk) (int, error) {
	if err := o.begin(); err != nil {
		return 0, err
	}
	defer o.pending.Done()

	if strings.TrimSpace(documentID) == "" {
		return 0, &core.ValidationError{Field: "document_id", Reason: "must not be empty"}
	}
	for i, c := range chunks {
		if c.DocumentID != "" && c.DocumentID != documentID {
			return 0, &core.ValidationError{Field: "document_id", Reason: fmt.Sprintf("chunk %d belongs to %q", i, c.DocumentID)}
		}
		if c.Index != i {
			return 0, &core.ValidationError{Field: "chunk_index", Reason: fmt.Sprintf("expected %d, got %d", i, c.Index)}
		}
		if strings.TrimSpace(c.Content) == "" {
			return 0, &core.ValidationError{Field: "content", Reason: fmt.Sprintf("chunk %d is blank", i)}
		}
	}

	start := time.Now()
	for i, c := range chunks {
		c.DocumentID = documentID
		emb, err := o.embed(ctx, c.EmbeddingText())
		if err != nil {
			return i, fmt.Errorf("embed chunk %d: %w", i, err)
		}
		if err := o.semantic.Put(ctx, core.NewDocumentRecord(c, emb, o.now())); err != nil {
			return i, fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	o.log.Info("document_chunks_stored",
		zap.String("document", documentID),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", time.Since(start)))
	return len(chunks), nil
}

// DeleteDocument removes a document's chunks from long-term memory.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) error {
	if err := o.semantic.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

// ClearSession drops a session's short-term log. Long-term conversation
// records are kept.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &core.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if err := o.recency.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	o.log.Info("session_cleared", zap.String("session", sessionID))
	return nil
}

// Sessions lists sessions with live short-term messages.
func (o *Orchestrator) Sessions(ctx context.Context) ([]core.SessionSummary, error) {
	sessions, err := o.recency.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// begin registers a write with pending, or fails with ErrClosed.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.pending.Add(1)
	return nil
}

// Close stops accepting writes and waits for in-flight and deferred
// writes. The stores are owned by the caller and stay open.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.pending.Wait()
	return nil
}

// embed runs the embedder under EmbedTimeout. Failures wrap
// core.ErrEmbeddingUnavailable.
func (o *Orchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	emb, err := bounded(ctx, o.config.LongTerm.EmbedTimeout, func(ctx context.Context) ([]float32, error) {
		return o.embedder.Embed(ctx, text)
	})
	o.metrics.ObserveEmbed(time.Since(start))
	switch {
	case err != nil && errors.Is(err, core.ErrEmbeddingUnavailable):
		return nil, err
	case err != nil:
		return nil, core.Unavailable(core.ErrEmbeddingUnavailable, "embed", err)
	case len(emb) == 0:
		return nil, core.Unavailable(core.ErrEmbeddingUnavailable, "embed", errors.New("empty embedding"))
	}
	return emb, nil
}

// bounded runs fn with a deadline and returns when either finishes, so a
// provider that ignores its context cannot stall the caller.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
