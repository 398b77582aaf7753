package core

import "time"

// DocumentStatus tracks ingestion progress.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentCompleted DocumentStatus = "completed"
	DocumentFailed    DocumentStatus = "failed"
)

// Document is catalog metadata about an ingested file.
type Document struct {
	ID          string         `json:"document_id"`
	Filename    string         `json:"filename"`
	TotalChunks int            `json:"total_chunks"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
