package engine

import (
	"context"

	"github.com/becomeliminal/nim-memory/core"
)

// Catalog stores the metadata the memory tiers do not: ingested documents
// and session display names.
//
// Implementation: catalog/sqlite.
type Catalog interface {
	// PutDocument inserts or replaces a document row.
	PutDocument(ctx context.Context, doc core.Document) error

	// GetDocument returns a document, or core.ErrNotFound.
	GetDocument(ctx context.Context, id string) (core.Document, error)

	// ListDocuments returns every document, newest first.
	ListDocuments(ctx context.Context) ([]core.Document, error)

	// DeleteDocument removes a document row, or returns core.ErrNotFound.
	DeleteDocument(ctx context.Context, id string) error

	// SetSessionName sets a session's display name.
	SetSessionName(ctx context.Context, sessionID, name string) error

	// SessionNames returns display names keyed by session id.
	SessionNames(ctx context.Context) (map[string]string, error)

	// DeleteSessionName forgets a session's display name.
	DeleteSessionName(ctx context.Context, sessionID string) error

	Close() error
}
