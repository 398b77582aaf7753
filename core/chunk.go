package core

import "strings"

// Chunk is one context-linked unit of a document produced by the chunker.
//
// Content is the chunk's own, non-overlapping slice of the source text, so
// concatenating the Content of every chunk reproduces the document.
// LinkedContext is borrowed from neighbouring chunks to keep references
// (pronouns, continued topics) resolvable once the chunk is embedded alone.
type Chunk struct {
	DocumentID    string `json:"document_id"`
	Index         int    `json:"chunk_index"`
	Content       string `json:"content"`
	LinkedContext string `json:"linked_context,omitempty"`
	Strategy      string `json:"strategy"`

	// LinkedBefore is set when LinkedContext precedes Content in the source
	// (fixed windows carry the tail of the previous chunk).
	LinkedBefore bool `json:"linked_before,omitempty"`
}

// EmbeddingText is the text that gets embedded for this chunk.
func (c Chunk) EmbeddingText() string {
	content := strings.TrimSpace(c.Content)
	linked := strings.TrimSpace(c.LinkedContext)
	switch {
	case linked == "":
		return content
	case c.LinkedBefore:
		return linked + " " + content
	default:
		return content + " " + linked
	}
}
