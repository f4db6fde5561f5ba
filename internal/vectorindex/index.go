// Package vectorindex provides tenant-scoped vector storage and similarity
// search behind a backend-agnostic interface.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
)

// Metadata keys every record carries. TenantKey is the isolation tag written
// at upsert time and matched by every query filter.
const (
	TenantKey     = "tenant_id"
	DocumentKey   = "document_id"
	ChunkKey      = "chunk_id"
	ChunkIndexKey = "chunk_index"
)

// ErrMissingTenant is a programming error: an upsert, query or delete was
// attempted without a tenant scope. It fails fast rather than silently
// touching cross-tenant data.
var ErrMissingTenant = errors.New("vectorindex: operation without tenant scope")

// ErrUnavailable wraps backend connectivity failures so the read path can
// degrade to keyword retrieval instead of propagating transport errors.
var ErrUnavailable = errors.New("vectorindex: backend unavailable")

// ScoreKind describes the semantics of Match.Score for a backend.
type ScoreKind int

const (
	// ScoreSimilarity means higher scores are better matches.
	ScoreSimilarity ScoreKind = iota
	// ScoreDistance means lower scores are better matches; the retriever
	// normalizes these to a similarity scale before surfacing results.
	ScoreDistance
)

// Record is one (id, vector, metadata) entry to upsert.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Match is a single result from a similarity query.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Index provides tenant-scoped vector storage and similarity search.
// Upserting a record with an existing id replaces it rather than
// duplicating, which together with deterministic chunk ids makes document
// reprocessing idempotent.
type Index interface {
	// Upsert writes records under the tenant's scope and returns the
	// number of records written.
	Upsert(ctx context.Context, tenantID string, records []Record) (int, error)
	// Query returns the topK best matches for the vector, best-first,
	// restricted to the tenant. The optional filter narrows by metadata
	// equality.
	Query(ctx context.Context, tenantID string, vector []float32, topK int, filter map[string]string) ([]Match, error)
	// DeleteByDocument removes every record belonging to the document.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	// DeleteByID removes a single record. It is the fallback used when a
	// backend cannot delete by document filter.
	DeleteByID(ctx context.Context, tenantID, id string) error
	// ScoreKind reports the backend's score semantics.
	ScoreKind() ScoreKind
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

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
