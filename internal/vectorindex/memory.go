package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index with cosine similarity search. It backs
// tests and single-node deployments that don't run a vector database.
type MemoryIndex struct {
	mu sync.RWMutex
	// tenant -> point id (tenant-scoped chunk id) -> record
	tenants map[string]map[string]Record
}

// NewMemory creates an empty in-memory index.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{tenants: make(map[string]map[string]Record)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, tenantID string, records []Record) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	points, ok := m.tenants[tenantID]
	if !ok {
		points = make(map[string]Record)
		m.tenants[tenantID] = points
	}
	for _, rec := range records {
		meta := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		points[rec.ID] = Record{ID: rec.ID, Vector: vec, Metadata: meta}
	}
	return len(records), nil
}

func (m *MemoryIndex) Query(ctx context.Context, tenantID string, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for _, rec := range m.tenants[tenantID] {
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		matches = append(matches, Match{
			ID:       rec.ID,
			Score:    cosineSimilarity(vector, rec.Vector),
			Metadata: rec.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.tenants[tenantID] {
		if rec.Metadata[DocumentKey] == documentID {
			delete(m.tenants[tenantID], id)
		}
	}
	return nil
}

func (m *MemoryIndex) DeleteByID(ctx context.Context, tenantID, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tenants[tenantID], id)
	return nil
}

func (m *MemoryIndex) ScoreKind() ScoreKind { return ScoreSimilarity }

func (m *MemoryIndex) Ping(ctx context.Context) error { return nil }

func (m *MemoryIndex) Close() error { return nil }

// Len reports the number of records stored for a tenant.
func (m *MemoryIndex) Len(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantID])
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Index = (*MemoryIndex)(nil)
