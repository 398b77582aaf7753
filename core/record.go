package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceType tags where a memory record came from.
type SourceType string

const (
	// SourceDocument records are uploaded knowledge, visible to every session.
	SourceDocument SourceType = "document"
	// SourceConversation records belong to exactly one session.
	SourceConversation SourceType = "conversation"
)

// Metadata keys shared by the semantic store implementations.
const (
	MetaSourceType    = "source_type"
	MetaSessionID     = "session_id"
	MetaDocumentID    = "document_id"
	MetaChunkIndex    = "chunk_index"
	MetaRole          = "role"
	MetaCreatedAt     = "created_at"
	MetaLinkedContext = "linked_context"
	MetaStrategy      = "strategy"
)

// MemoryRecord is an entry in the semantic store. Records are append-only.
type MemoryRecord struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"embedding,omitempty"`
	SourceType SourceType        `json:"source_type"`
	SessionID  string            `json:"session_id,omitempty"`
	DocumentID string            `json:"document_id,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
	Role       Role              `json:"role,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewConversationRecord builds the long-term copy of a conversation turn.
func NewConversationRecord(sessionID string, role Role, content string, embedding []float32, at time.Time) MemoryRecord {
	return MemoryRecord{
		ID:         uuid.New().String(),
		Content:    content,
		Embedding:  embedding,
		SourceType: SourceConversation,
		SessionID:  sessionID,
		Role:       role,
		CreatedAt:  at.UTC(),
	}
}

// NewDocumentRecord builds the record for one chunk of a document. The ID is
// derived from the document and chunk index so re-ingesting a document
// overwrites its previous chunks.
func NewDocumentRecord(chunk Chunk, embedding []float32, at time.Time) MemoryRecord {
	meta := map[string]string{MetaStrategy: chunk.Strategy}
	if chunk.LinkedContext != "" {
		meta[MetaLinkedContext] = chunk.LinkedContext
	}
	return MemoryRecord{
		ID:         DocumentRecordID(chunk.DocumentID, chunk.Index),
		Content:    strings.TrimSpace(chunk.Content),
		Embedding:  embedding,
		SourceType: SourceDocument,
		DocumentID: chunk.DocumentID,
		ChunkIndex: chunk.Index,
		Metadata:   meta,
		CreatedAt:  at.UTC(),
	}
}

// DocumentRecordID returns the stable record id for a document chunk.
func DocumentRecordID(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

// Validate enforces the ownership rules between source type and scope ids.
func (r MemoryRecord) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if len(r.Embedding) == 0 {
		return &ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	switch r.SourceType {
	case SourceConversation:
		if r.SessionID == "" {
			return &ValidationError{Field: "session_id", Reason: "conversation records need a session"}
		}
		if r.DocumentID != "" {
			return &ValidationError{Field: "document_id", Reason: "conversation records cannot reference a document"}
		}
	case SourceDocument:
		if r.DocumentID == "" {
			return &ValidationError{Field: "document_id", Reason: "document records need a document id"}
		}
		if r.SessionID != "" {
			return &ValidationError{Field: "session_id", Reason: "document records are not session scoped"}
		}
		if r.ChunkIndex < 0 {
			return &ValidationError{Field: "chunk_index", Reason: "must be >= 0"}
		}
	default:
		return &ValidationError{Field: "source_type", Reason: fmt.Sprintf("unknown source type %q", r.SourceType)}
	}
	return nil
}

// StringMetadata flattens the record into string metadata. Vector stores that
// only filter on strings (chromem) persist this form.
func (r MemoryRecord) StringMetadata() map[string]string {
	m := make(map[string]string, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		m[k] = v
	}
	m[MetaSourceType] = string(r.SourceType)
	m[MetaCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	switch r.SourceType {
	case SourceConversation:
		m[MetaSessionID] = r.SessionID
		if r.Role != "" {
			m[MetaRole] = string(r.Role)
		}
	case SourceDocument:
		m[MetaDocumentID] = r.DocumentID
		m[MetaChunkIndex] = strconv.Itoa(r.ChunkIndex)
	}
	return m
}

// RecordFromMetadata is the inverse of StringMetadata.
func RecordFromMetadata(id, content string, embedding []float32, meta map[string]string) MemoryRecord {
	r := MemoryRecord{
		ID:         id,
		Content:    content,
		Embedding:  embedding,
		SourceType: SourceType(meta[MetaSourceType]),
		SessionID:  meta[MetaSessionID],
		DocumentID: meta[MetaDocumentID],
		Role:       Role(meta[MetaRole]),
	}
	if idx, err := strconv.Atoi(meta[MetaChunkIndex]); err == nil {
		r.ChunkIndex = idx
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta[MetaCreatedAt]); err == nil {
		r.CreatedAt = ts
	}
	extra := make(map[string]string)
	for k, v := range meta {
		switch k {
		case MetaSourceType, MetaSessionID, MetaDocumentID, MetaChunkIndex, MetaRole, MetaCreatedAt:
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		r.Metadata = extra
	}
	return r
}
