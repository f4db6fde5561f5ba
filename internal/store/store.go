// Package store defines the side store for chunk content and metadata. The
// vector index is a derived, rebuildable projection; this store is the
// source of truth for what a chunk actually says.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrMissingTenant is a programming error: a store operation was attempted
// without a tenant scope. It fails fast rather than touching cross-tenant
// rows.
var ErrMissingTenant = errors.New("store: operation without tenant scope")

// ErrNotFound is returned when a requested document record does not exist.
var ErrNotFound = errors.New("store: not found")

// ChunkRecord is one stored segment of a document.
type ChunkRecord struct {
	ID         string // deterministic: {documentID}_chunk_{index}
	DocumentID string
	TenantID   string
	Content    string
	ChunkIndex int
	Embedding  []float32 // empty when embedding was deferred or failed
	Metadata   map[string]string
	CreatedAt  time.Time
}

// DocumentRecord tracks per-document processing bookkeeping.
type DocumentRecord struct {
	DocumentID  string
	TenantID    string
	ChunkCount  int
	ProcessedAt time.Time
}

// KeywordMatch is a single result from keyword search, used when vector
// retrieval is unavailable.
type KeywordMatch struct {
	Chunk ChunkRecord
	Score float64
}

// ChunkStore persists chunk records scoped by tenant. Every method carries
// the tenant id; implementations fail fast with ErrMissingTenant when it is
// absent.
type ChunkStore interface {
	// SaveChunks writes chunk records, replacing any existing records
	// with the same ids.
	SaveChunks(ctx context.Context, tenantID string, chunks []ChunkRecord) error
	// GetChunks returns the records for the given chunk ids. Ids with no
	// record are simply absent from the result.
	GetChunks(ctx context.Context, tenantID string, ids []string) ([]ChunkRecord, error)
	// ListByDocument returns a document's chunks ordered by chunk index.
	ListByDocument(ctx context.Context, tenantID, documentID string) ([]ChunkRecord, error)
	// DeleteByDocument removes a document's chunk records and its
	// bookkeeping record.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	// DeleteChunks removes the records for the given chunk ids. Ids with
	// no record are ignored.
	DeleteChunks(ctx context.Context, tenantID string, ids []string) error
	// KeywordSearch ranks chunks by lexical relevance to the query,
	// best-first, at most limit results.
	KeywordSearch(ctx context.Context, tenantID, query string, limit int) ([]KeywordMatch, error)
	// MarkProcessed records a completed processing run for a document.
	MarkProcessed(ctx context.Context, tenantID, documentID string, chunkCount int) error
	// GetDocument returns a document's bookkeeping record or ErrNotFound.
	GetDocument(ctx context.Context, tenantID, documentID string) (*DocumentRecord, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	return nil
}
