package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/becomeliminal/nim-memory/core"
)

// RecencyStore is the short-term tier: a per-session append-only log where
// every entry carries its own expiry deadline.
//
// Implementations: inmem.Store (local, tests), pebble.Store (durable).
//
// Every error caused by the backend (closed store, I/O failure) must wrap
// core.ErrRecencyUnavailable. Recency failures are the only store failures
// the Orchestrator propagates to its callers.
type RecencyStore interface {
	// Append adds msg to its session's log. The store assigns Seq, fills a
	// zero Timestamp, and sets the entry's expiry to now + TTL.
	Append(ctx context.Context, msg core.Message) (core.Message, error)

	// Recent returns at most limit of the newest non-expired messages of a
	// session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]core.Message, error)

	// Clear removes every message of a session.
	Clear(ctx context.Context, sessionID string) error

	// Sessions summarises every session with at least one live message,
	// most recently active first.
	Sessions(ctx context.Context) ([]core.SessionSummary, error)

	// Purge physically deletes entries that expired before now and
	// returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)

	// Close releases resources.
	Close() error
}

// ScoredRecord is a nearest-neighbour result.
type ScoredRecord struct {
	Record     core.MemoryRecord
	Similarity float64
}

// SemanticStore is the long-term tier: a vector-indexed store of
// MemoryRecords.
//
// Implementations: chromem.Store (local), postgres.Store (pgvector).
//
// Nearest has no metadata filter; callers overfetch and filter. Writes
// become visible to Nearest only after a provider-dependent delay, while
// Get and the scans are consistent immediately. Backend failures wrap
// core.ErrSemanticUnavailable.
type SemanticStore interface {
	// Put stores a record. Records with the same ID are replaced.
	Put(ctx context.Context, rec core.MemoryRecord) error

	// Get returns a record by ID, or core.ErrNotFound.
	Get(ctx context.Context, id string) (core.MemoryRecord, error)

	// ScanByDocument returns every chunk of a document ordered by ChunkIndex.
	ScanByDocument(ctx context.Context, documentID string) ([]core.MemoryRecord, error)

	// ScanBySession returns the conversation records of a session, oldest first.
	ScanBySession(ctx context.Context, sessionID string) ([]core.MemoryRecord, error)

	// Nearest returns up to k records by cosine similarity, highest first.
	Nearest(ctx context.Context, embedding []float32, k int) ([]ScoredRecord, error)

	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), ollama (HTTP), onnx (local model), and the
// ristretto-backed cache decorator.
//
// Empty text must embed to a zero vector of Dimensions() length without
// contacting the provider. Provider failures wrap core.ErrEmbeddingUnavailable.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// DocumentLister enumerates ingested documents. The orchestrator uses it to
// scan documents when a nearest-neighbour query comes back empty.
type DocumentLister interface {
	DocumentIDs(ctx context.Context) ([]string, error)
}

// SortSessions orders summaries most recently active first, then by ID.
func SortSessions(sessions []core.SessionSummary) {
	slices.SortFunc(sessions, func(a, b core.SessionSummary) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
}
