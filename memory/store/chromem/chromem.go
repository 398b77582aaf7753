// Package chromem implements memory.SemanticStore on chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// CollectionName is the chromem collection holding every record.
const CollectionName = "memory_records"

// ErrClosed is wrapped by every call after Close.
var ErrClosed = errors.New("chromem store closed")

// Store keeps an authoritative record map for point lookups and scans, and
// a chromem collection for nearest-neighbour queries. Records reach the
// collection after the visibility delay, which models the propagation
// window of a remote vector index.
type Store struct {
	db    *chromem.DB
	col   *chromem.Collection
	log   *zap.Logger
	delay time.Duration

	mu      sync.RWMutex
	records map[string]core.MemoryRecord
	timers  map[string]*time.Timer
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithVisibilityDelay delays each write's visibility to Nearest by d.
// Zero indexes synchronously.
func WithVisibilityDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.delay = d
		}
	}
}

// New creates a new in-memory store.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		db:      chromem.NewDB(),
		log:     zap.NewNop(),
		records: make(map[string]core.MemoryRecord),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("chromem")

	col, err := s.db.CreateCollection(
		CollectionName,
		nil, // No collection metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.col = col
	return s, nil
}

var _ memory.SemanticStore = (*Store)(nil)

// Put stores rec. It is readable through Get and the scans immediately and
// through Nearest once indexed. Zero-norm embeddings are stored but never
// indexed.
func (s *Store) Put(ctx context.Context, rec core.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Embedding = slices.Clone(rec.Embedding)
	rec.Metadata = cloneMap(rec.Metadata)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return unavailable("put", ErrClosed)
	}
	s.records[rec.ID] = rec
	if t, ok := s.timers[rec.ID]; ok {
		t.Stop()
		delete(s.timers, rec.ID)
	}
	indexable := core.Norm(rec.Embedding) > 0
	if indexable && s.delay > 0 {
		id := rec.ID
		var t *time.Timer
		t = time.AfterFunc(s.delay, func() { s.promote(id, &t) })
		s.timers[id] = t
	}
	s.mu.Unlock()

	s.log.Debug("record_stored",
		zap.String("id", rec.ID),
		zap.String("source_type", string(rec.SourceType)),
		zap.Bool("indexable", indexable))

	if !indexable {
		// A replaced record must not stay findable under its old vector.
		if err := s.col.Delete(ctx, nil, nil, rec.ID); err != nil {
			return unavailable("put", err)
		}
		return nil
	}
	if s.delay == 0 {
		return s.index(ctx, rec)
	}
	return nil
}

// promote indexes a delayed record unless its timer was stopped or replaced.
func (s *Store) promote(id string, t **time.Timer) {
	s.mu.Lock()
	if s.closed || s.timers[id] != *t {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.index(context.Background(), rec); err != nil {
		s.log.Warn("index_failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) index(ctx context.Context, rec core.MemoryRecord) error {
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: slices.Clone(rec.Embedding),
		Metadata:  rec.StringMetadata(),
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return unavailable("add document", err)
	}
	return nil
}

// Get returns a record by ID.
func (s *Store) Get(ctx context.Context, id string) (core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.MemoryRecord{}, unavailable("get", ErrClosed)
	}
	rec, ok := s.records[id]
	if !ok {
		return core.MemoryRecord{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

// ScanByDocument returns a document's chunks ordered by index.
func (s *Store) ScanByDocument(ctx context.Context, documentID string) ([]core.MemoryRecord, error) {
	out, err := s.scan("scan document", func(r core.MemoryRecord) bool {
		return r.SourceType == core.SourceDocument && r.DocumentID == documentID
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b core.MemoryRecord) int {
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	return out, nil
}

// ScanBySession returns a session's conversation records, oldest first.
func (s *Store) ScanBySession(ctx context.Context, sessionID string) ([]core.MemoryRecord, error) {
	out, err := s.scan("scan session", func(r core.MemoryRecord) bool {
		return r.SourceType == core.SourceConversation && r.SessionID == sessionID
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b core.MemoryRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) scan(op string, keep func(core.MemoryRecord) bool) ([]core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable(op, ErrClosed)
	}
	out := []core.MemoryRecord{}
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Nearest queries the indexed records by cosine similarity.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]memory.ScoredRecord, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, unavailable("nearest", ErrClosed)
	}
	if k <= 0 || core.Norm(embedding) == 0 {
		return []memory.ScoredRecord{}, nil
	}

	// chromem-go requires nResults <= collection size, which a concurrent
	// delete can shrink between Count and the query.
	var results []chromem.Result
	for {
		n := min(k, s.col.Count())
		if n == 0 {
			return []memory.ScoredRecord{}, nil
		}
		var err error
		results, err = s.col.QueryEmbedding(ctx, slices.Clone(embedding), n, nil, nil)
		if err == nil {
			break
		}
		if n <= s.col.Count() {
			return nil, unavailable("nearest", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.ScoredRecord, 0, len(results))
	for _, res := range results {
		rec, ok := s.records[res.ID]
		if !ok {
			// Deleted between the query and the lookup.
			continue
		}
		out = append(out, memory.ScoredRecord{Record: rec, Similarity: float64(res.Similarity)})
	}
	s.log.Debug("nearest", zap.Int("k", k), zap.Int("results", len(out)))
	return out, nil
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return unavailable("delete document", ErrClosed)
	}
	var removed int
	for id, r := range s.records {
		if r.SourceType != core.SourceDocument || r.DocumentID != documentID {
			continue
		}
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		delete(s.records, id)
		removed++
	}
	s.mu.Unlock()

	where := map[string]string{
		core.MetaSourceType: string(core.SourceDocument),
		core.MetaDocumentID: documentID,
	}
	if err := s.col.Delete(ctx, where, nil); err != nil {
		return unavailable("delete document", err)
	}
	s.log.Info("document_deleted", zap.String("document", documentID), zap.Int("chunks", removed))
	return nil
}

// Pending returns how many records are stored but not yet indexed.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops pending promotions. chromem-go keeps everything in memory,
// so there is nothing else to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

func unavailable(op string, err error) error {
	return core.Unavailable(core.ErrSemanticUnavailable, "chromem "+op, err)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
