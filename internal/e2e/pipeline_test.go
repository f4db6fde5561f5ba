package e2e

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/processor"
	"github.com/granary-ai/granary/internal/retriever"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
)

// bowEmbedder is a deterministic bag-of-words embedder. Texts that share
// vocabulary get correlated vectors, which is enough for end-to-end ranking
// without a real embedding backend.
type bowEmbedder struct{}

const bowDims = 64

func (bowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embedding.ErrEmptyInput
	}
	vec := make([]float32, bowDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(word, ".,;:!?")))
		vec[h.Sum32()%bowDims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e bowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (bowEmbedder) Dimensions() int { return bowDims }

func (bowEmbedder) ModelName() string { return "bag-of-words" }

func (bowEmbedder) Name() string { return "bow" }

func (bowEmbedder) Ping(ctx context.Context) error { return nil }

type pipeline struct {
	index  *vectorindex.MemoryIndex
	chunks *store.MemoryStore
	proc   *processor.Processor
	ret    *retriever.Retriever
}

func newPipeline(embedder embedding.Provider) *pipeline {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	logger := slog.New(slog.DiscardHandler)

	cfg := processor.DefaultConfig()
	cfg.MaxChunkSize = 200
	cfg.OverlapSize = 40

	return &pipeline{
		index:  index,
		chunks: chunks,
		proc:   processor.New(cfg, embedder, index, chunks, logger),
		ret:    retriever.New(embedder, index, chunks, logger),
	}
}

const handbook = `Dental coverage includes two cleanings per year and one set of x-rays. Orthodontic work requires pre-approval from the benefits team.

Vacation time accrues at two days per month for the first five years of employment. Unused days roll over up to a cap of thirty.

Parking permits are issued quarterly through the facilities portal. Electric vehicle charging stations are available in the north garage.`

func TestPipeline_ProcessSearchDelete(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(bowEmbedder{})

	result, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID:       "handbook",
		TenantID: "acme",
		Content:  handbook,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != processor.StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if result.ChunkCount == 0 || result.EmbeddedCount != result.ChunkCount {
		t.Fatalf("chunks = %d embedded = %d, want all chunks embedded", result.ChunkCount, result.EmbeddedCount)
	}

	results, err := p.ret.Search(ctx, "dental cleanings coverage", "acme", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected search results")
	}
	// Overlap chunks compete with the paragraph chunks, so assert
	// membership rather than a specific rank.
	found := false
	for _, r := range results {
		if r.Degraded {
			t.Error("vector search should not be marked degraded")
		}
		if strings.Contains(strings.ToLower(r.Chunk.Content), "dental") {
			found = true
		}
	}
	if !found {
		t.Error("no result mentions dental")
	}

	if err := p.proc.DeleteDocument(ctx, "acme", "handbook"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	results, err = p.ret.Search(ctx, "dental cleanings coverage", "acme", 3)
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results after delete, want 0", len(results))
	}
	stored, err := p.chunks.ListByDocument(ctx, "acme", "handbook")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("got %d stored chunks after delete, want 0", len(stored))
	}
}

func TestPipeline_ReprocessReplacesChunks(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(bowEmbedder{})

	if _, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID: "doc", TenantID: "acme", Content: handbook,
	}); err != nil {
		t.Fatalf("first process: %v", err)
	}

	short := "Parking permits are issued quarterly through the facilities portal."
	result, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID: "doc", TenantID: "acme", Content: short,
	})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}

	stored, err := p.chunks.ListByDocument(ctx, "acme", "doc")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != result.ChunkCount {
		t.Errorf("stored %d chunks, result says %d", len(stored), result.ChunkCount)
	}
	for _, c := range stored {
		if !strings.Contains(c.Content, "Parking") {
			t.Errorf("stale chunk survived reprocessing: %q", c.Content)
		}
	}
}

func TestPipeline_DegradedSearchWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(embedding.NewNullProvider())

	result, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID: "handbook", TenantID: "acme", Content: handbook,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.EmbeddedCount != 0 {
		t.Fatalf("embedded = %d, want 0 with null provider", result.EmbeddedCount)
	}

	results, err := p.ret.Search(ctx, "vacation days", "acme", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected keyword fallback results")
	}
	for _, r := range results {
		if !r.Degraded {
			t.Error("fallback results must be marked degraded")
		}
	}
	if !strings.Contains(strings.ToLower(results[0].Chunk.Content), "vacation") {
		t.Errorf("top fallback result %q does not mention vacation", results[0].Chunk.Content)
	}
}

func TestPipeline_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(bowEmbedder{})

	if _, err := p.proc.ProcessDocument(ctx, processor.Document{
		ID: "handbook", TenantID: "acme", Content: handbook,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	results, err := p.ret.Search(ctx, "dental cleanings coverage", "globex", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("tenant globex saw %d of acme's chunks", len(results))
	}
}
