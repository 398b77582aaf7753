// Package postgres implements memory.SemanticStore on PostgreSQL with the
// pgvector extension. Writes are visible to Nearest as soon as they commit.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultTable holds every record.
const DefaultTable = "memory_records"

// Store is a pgvector-backed semantic store.
type Store struct {
	pool  *pgxpool.Pool
	table string
	dims  int
	log   *zap.Logger
}

var _ memory.SemanticStore = (*Store)(nil)

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

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// Open connects to databaseURL and creates the schema for vectors of dims
// dimensions.
func Open(ctx context.Context, databaseURL string, dims int, opts ...Option) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be > 0, got %d", dims)
	}
	s := &Store{table: DefaultTable, dims: dims, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("postgres")

	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s.pool = pool

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

func (s *Store) initSchema(ctx context.Context) error {
	t := s.ident()
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d),
			source_type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`, t, s.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{s.table + "_embedding_idx"}.Sanitize(), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id, chunk_index)`,
			pgx.Identifier{s.table + "_document_idx"}.Sanitize(), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (session_id, created_at)`,
			pgx.Identifier{s.table + "_session_idx"}.Sanitize(), t),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const columns = `id, content, embedding, source_type, session_id, document_id, chunk_index, role, metadata, created_at`

// Put upserts rec. Zero-norm embeddings are stored without a vector so
// Nearest never returns them.
func (s *Store) Put(ctx context.Context, rec core.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if len(rec.Embedding) != s.dims {
		return &core.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("has %d dimensions, store expects %d", len(rec.Embedding), s.dims),
		}
	}

	var vec *pgvector.Vector
	if core.Norm(rec.Embedding) > 0 {
		v := pgvector.NewVector(rec.Embedding)
		vec = &v
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			source_type = EXCLUDED.source_type,
			session_id = EXCLUDED.session_id,
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			role = EXCLUDED.role,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`, s.ident()),
		rec.ID, rec.Content, vec, string(rec.SourceType), rec.SessionID, rec.DocumentID,
		rec.ChunkIndex, string(rec.Role), meta, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return unavailable("put", err)
	}
	s.log.Debug("record_stored", zap.String("id", rec.ID), zap.String("source_type", string(rec.SourceType)))
	return nil
}

// Get returns a record by ID.
func (s *Store) Get(ctx context.Context, id string) (core.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT `+columns+` FROM %s WHERE id = $1`, s.ident()), id)
	rec, err := s.scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.MemoryRecord{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.MemoryRecord{}, unavailable("get", err)
	}
	return rec, nil
}

// ScanByDocument returns a document's chunks ordered by index.
func (s *Store) ScanByDocument(ctx context.Context, documentID string) ([]core.MemoryRecord, error) {
	return s.query(ctx, "scan document", fmt.Sprintf(
		`SELECT `+columns+` FROM %s WHERE source_type = $1 AND document_id = $2 ORDER BY chunk_index`, s.ident()),
		string(core.SourceDocument), documentID)
}

// ScanBySession returns a session's conversation records, oldest first.
func (s *Store) ScanBySession(ctx context.Context, sessionID string) ([]core.MemoryRecord, error) {
	return s.query(ctx, "scan session", fmt.Sprintf(
		`SELECT `+columns+` FROM %s WHERE source_type = $1 AND session_id = $2 ORDER BY created_at, id`, s.ident()),
		string(core.SourceConversation), sessionID)
}

// Nearest orders records by cosine distance to embedding.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]memory.ScoredRecord, error) {
	if k <= 0 || core.Norm(embedding) == 0 {
		return []memory.ScoredRecord{}, nil
	}
	if len(embedding) != s.dims {
		return nil, &core.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("has %d dimensions, store expects %d", len(embedding), s.dims),
		}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+columns+`, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`, s.ident()),
		pgvector.NewVector(embedding), k,
	)
	if err != nil {
		return nil, unavailable("nearest", err)
	}
	defer rows.Close()

	out := make([]memory.ScoredRecord, 0, k)
	for rows.Next() {
		var sim float64
		rec, err := s.scanRecord(rows, &sim)
		if err != nil {
			return nil, unavailable("nearest", err)
		}
		out = append(out, memory.ScoredRecord{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("nearest", err)
	}
	s.log.Debug("nearest", zap.Int("k", k), zap.Int("results", len(out)))
	return out, nil
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE source_type = $1 AND document_id = $2`, s.ident()),
		string(core.SourceDocument), documentID)
	if err != nil {
		return unavailable("delete document", err)
	}
	s.log.Info("document_deleted", zap.String("document", documentID), zap.Int64("chunks", tag.RowsAffected()))
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) query(ctx context.Context, op, sql string, args ...any) ([]core.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := []core.MemoryRecord{}
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *Store) scanRecord(row pgx.Row, extra ...any) (core.MemoryRecord, error) {
	var (
		rec        core.MemoryRecord
		vec        *pgvector.Vector
		sourceType string
		role       string
		meta       []byte
	)
	dest := append([]any{
		&rec.ID, &rec.Content, &vec, &sourceType, &rec.SessionID, &rec.DocumentID,
		&rec.ChunkIndex, &role, &meta, &rec.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return core.MemoryRecord{}, err
	}

	rec.SourceType = core.SourceType(sourceType)
	rec.Role = core.Role(role)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if vec != nil {
		rec.Embedding = vec.Slice()
	} else {
		rec.Embedding = make([]float32, s.dims)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return core.MemoryRecord{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

func unavailable(op string, err error) error {
	return core.Unavailable(core.ErrSemanticUnavailable, "postgres "+op, err)
}
