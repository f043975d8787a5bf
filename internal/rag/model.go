package rag

import (
	"context"
)

// Document is one passage of manuscript text to be embedded and indexed.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Source   string         `json:"source,omitempty"`   // file path or repository the passage came from
	Chapter  string         `json:"chapter,omitempty"`  // chapter label derived from the file name
	Position int            `json:"position,omitempty"` // paragraph index within the source
	Meta     map[string]any `json:"meta,omitempty"`
}

// Record is a document together with its embedding, as written to a store.
type Record struct {
	Document
	Embedding []float32 `json:"embedding"`
}

// Hit is one search result. Higher Score is more similar.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float32        `json:"score"`
	Source   string         `json:"source,omitempty"`
	Chapter  string         `json:"chapter,omitempty"`
	Position int            `json:"position,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// SearchOptions provides filtering options for vector search
type SearchOptions struct {
	Sources []string `json:"sources,omitempty"` // Restrict hits to these sources
}

// VectorStore defines the interface for vector storage and similarity search.
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// Upsert inserts records, replacing any with the same ID
	Upsert(ctx context.Context, records []Record) error

	// Search performs top-K similarity search with optional filtering
	Search(ctx context.Context, queryVector []float32, topK int, opts *SearchOptions) ([]Hit, error)

	// Exists reports which IDs are present in the store
	Exists(ctx context.Context, ids []string) (map[string]bool, error)

	// Delete removes records by ID
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored records
	Count(ctx context.Context) (int, error)

	// Close releases resources and closes connections
	Close() error
}

// IndexOptions provides configuration for document indexing
type IndexOptions struct {
	// BatchSize determines how many documents to embed at once
	BatchSize int

	// ForceReindex will delete and re-insert documents even if they exist
	ForceReindex bool

	// SkipExisting will check if a document already exists and skip it if present
	SkipExisting bool
}

// DefaultIndexOptions returns defaults for indexing
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		BatchSize:    32,
		ForceReindex: false,
		SkipExisting: true,
	}
}
