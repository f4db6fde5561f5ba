package store

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var wordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// MemoryStore is an in-process ChunkStore for tests and single-node use.
type MemoryStore struct {
	mu sync.RWMutex
	// tenant -> chunk id -> record
	chunks map[string]map[string]ChunkRecord
	// tenant -> document id -> record
	docs map[string]map[string]DocumentRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[string]map[string]ChunkRecord),
		docs:   make(map[string]map[string]DocumentRecord),
	}
}

func (m *MemoryStore) SaveChunks(ctx context.Context, tenantID string, chunks []ChunkRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.chunks[tenantID]
	if !ok {
		byID = make(map[string]ChunkRecord)
		m.chunks[tenantID] = byID
	}
	now := time.Now().UTC()
	for _, c := range chunks {
		c.TenantID = tenantID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		byID[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) GetChunks(ctx context.Context, tenantID string, ids []string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChunkRecord, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[tenantID][id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByDocument(ctx context.Context, tenantID, documentID string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ChunkRecord
	for _, c := range m.chunks[tenantID] {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *MemoryStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.chunks[tenantID] {
		if c.DocumentID == documentID {
			delete(m.chunks[tenantID], id)
		}
	}
	delete(m.docs[tenantID], documentID)
	return nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, tenantID string, ids []string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.chunks[tenantID], id)
	}
	return nil
}

// KeywordSearch ranks chunks by the Ochiai coefficient of the query and
// chunk token sets: |A∩B| / sqrt(|A|·|B|). Chunks with no overlap are
// excluded.
func (m *MemoryStore) KeywordSearch(ctx context.Context, tenantID, query string, limit int) ([]KeywordMatch, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	qset := tokenSet(query)
	if len(qset) == 0 {
		return nil, nil
	}

	var out []KeywordMatch
	for _, c := range m.chunks[tenantID] {
		if score := ochiai(qset, c.Content); score > 0 {
			out = append(out, KeywordMatch{Chunk: c, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, tenantID, documentID string, chunkCount int) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.docs[tenantID]
	if !ok {
		byID = make(map[string]DocumentRecord)
		m.docs[tenantID] = byID
	}
	byID[documentID] = DocumentRecord{
		DocumentID:  documentID,
		TenantID:    tenantID,
		ChunkCount:  chunkCount,
		ProcessedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, tenantID, documentID string) (*DocumentRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[tenantID][documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func tokenSet(s string) map[string]struct{} {
	tokens := wordRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func ochiai(qset map[string]struct{}, text string) float64 {
	tset := tokenSet(text)
	if len(qset) == 0 || len(tset) == 0 {
		return 0
	}
	inter := 0
	for t := range tset {
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	return float64(inter) / (math.Sqrt(float64(len(qset))) * math.Sqrt(float64(len(tset))))
}

var _ ChunkStore = (*MemoryStore)(nil)
