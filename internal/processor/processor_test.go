package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
)

// stubEmbedder returns position-coded vectors and can be told to fail.
type stubEmbedder struct {
	dims      int
	batchErr  error
	err       error
	failAfter int // vectors to return before batchErr, -1 for all
	calls     int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(text)), 0, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	n := len(texts)
	if s.batchErr != nil {
		n = s.failAfter
	}
	vecs := make([][]float32, 0, n)
	for i := 0; i < n; i++ {
		vecs = append(vecs, []float32{float32(i), float32(len(texts[i])), 1})
	}
	return vecs, s.batchErr
}

func (s *stubEmbedder) Dimensions() int { return s.dims }

func (s *stubEmbedder) ModelName() string { return "stub-model" }

func (s *stubEmbedder) Name() string { return "stub" }

func (s *stubEmbedder) Ping(ctx context.Context) error { return s.err }

// failingIndex rejects upserts or filtered deletes on demand.
type failingIndex struct {
	*vectorindex.MemoryIndex
	upsertErr         error
	filteredDeleteErr error
}

func (f *failingIndex) Upsert(ctx context.Context, tenantID string, records []vectorindex.Record) (int, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	return f.MemoryIndex.Upsert(ctx, tenantID, records)
}

func (f *failingIndex) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if f.filteredDeleteErr != nil {
		return f.filteredDeleteErr
	}
	return f.MemoryIndex.DeleteByDocument(ctx, tenantID, documentID)
}

// failingStore rejects bookkeeping writes on demand.
type failingStore struct {
	*store.MemoryStore
	markErr error
}

func (f *failingStore) MarkProcessed(ctx context.Context, tenantID, documentID string, chunkCount int) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.MemoryStore.MarkProcessed(ctx, tenantID, documentID, chunkCount)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newProcessor(embedder embedding.Provider, index vectorindex.Index, chunks store.ChunkStore) *Processor {
	cfg := DefaultConfig()
	cfg.MaxChunkSize = 100
	cfg.OverlapSize = 20
	return New(cfg, embedder, index, chunks, testLogger())
}

func longDocument(paragraphs int) string {
	var b strings.Builder
	for i := 0; i < paragraphs; i++ {
		fmt.Fprintf(&b, "Paragraph %d covers the vacation policy in enough detail to need several chunks. ", i)
		b.WriteString(strings.Repeat("More policy text here. ", 4))
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestProcessDocumentCompletes(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{dims: 3}, index, chunks)

	result, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-1",
		TenantID: "acme",
		Content:  longDocument(4),
		Metadata: map[string]string{"title": "Handbook"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Greater(t, result.ChunkCount, 1)
	assert.Equal(t, result.ChunkCount, result.EmbeddedCount)

	// Side store has the chunks with contiguous indexes and ids.
	stored, err := chunks.ListByDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, err)
	require.Len(t, stored, result.ChunkCount)
	for i, c := range stored {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, fmt.Sprintf("doc-1_chunk_%d", i), c.ID)
		assert.Equal(t, "Handbook", c.Metadata["title"])
	}

	// Index has one record per chunk.
	assert.Equal(t, result.ChunkCount, index.Len("acme"))

	// Bookkeeping recorded.
	doc, err := chunks.GetDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, result.ChunkCount, doc.ChunkCount)
}

func TestProcessDocumentRequiresTenant(t *testing.T) {
	p := newProcessor(&stubEmbedder{}, vectorindex.NewMemory(), store.NewMemory())

	_, err := p.ProcessDocument(context.Background(), Document{ID: "doc-1", Content: "text"})
	assert.ErrorIs(t, err, vectorindex.ErrMissingTenant)
}

func TestProcessDocumentEmptyCompletesWithZeroChunks(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)

	result, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-empty",
		TenantID: "acme",
		Content:  "   \n\n  ",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, result.ChunkCount)
	assert.Equal(t, 0, index.Len("acme"))

	doc, err := chunks.GetDocument(context.Background(), "acme", "doc-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.ChunkCount)
}

func TestProcessDocumentIdempotentReprocess(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)

	doc := Document{ID: "doc-1", TenantID: "acme", Content: longDocument(3)}

	first, err := p.ProcessDocument(context.Background(), doc)
	require.NoError(t, err)
	second, err := p.ProcessDocument(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.Equal(t, first.ChunkCount, index.Len("acme"), "reprocessing must overwrite, not duplicate")

	stored, err := chunks.ListByDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, err)
	assert.Len(t, stored, first.ChunkCount)
}

func TestProcessDocumentReprocessShrinksChunkSet(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)
	ctx := context.Background()

	first, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: longDocument(6)})
	require.NoError(t, err)
	second, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: longDocument(1)})
	require.NoError(t, err)
	require.Less(t, second.ChunkCount, first.ChunkCount)

	stored, err := chunks.ListByDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Len(t, stored, second.ChunkCount, "chunks beyond the new set must not survive reprocessing")
	for _, c := range stored {
		assert.Less(t, c.ChunkIndex, second.ChunkCount)
	}
	assert.Equal(t, second.ChunkCount, index.Len("acme"))
}

func TestProcessDocumentReprocessEmptyClearsChunks(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)
	ctx := context.Background()

	_, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: longDocument(2)})
	require.NoError(t, err)
	require.Greater(t, index.Len("acme"), 0)

	result, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: "   "})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, result.ChunkCount)

	stored, err := chunks.ListByDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, index.Len("acme"))

	doc, err := chunks.GetDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.ChunkCount)
}

func TestProcessDocumentReprocessWithDisabledEmbedderClearsIndex(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	ctx := context.Background()

	_, err := newProcessor(&stubEmbedder{}, index, chunks).ProcessDocument(ctx,
		Document{ID: "doc-1", TenantID: "acme", Content: longDocument(3)})
	require.NoError(t, err)
	require.Greater(t, index.Len("acme"), 0)

	// The index is a projection of the current run. With embedding now
	// disabled, the old vectors describe replaced content and must go.
	result, err := newProcessor(embedding.NewNullProvider(), index, chunks).ProcessDocument(ctx,
		Document{ID: "doc-1", TenantID: "acme", Content: longDocument(3)})
	require.NoError(t, err)
	assert.Equal(t, 0, result.EmbeddedCount)
	assert.Equal(t, 0, index.Len("acme"))

	stored, err := chunks.ListByDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Len(t, stored, result.ChunkCount)
}

func TestProcessDocumentEmbeddingFailureStillStoresChunks(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{err: errors.New("provider down")}, index, chunks)

	result, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-1",
		TenantID: "acme",
		Content:  longDocument(3),
	})

	var procErr *ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "doc-1", procErr.DocumentID)
	assert.Equal(t, StatusEmbedding, procErr.Stage)
	assert.Equal(t, StatusEmbedding, result.Status)

	// Content survives for keyword search and audit even though the
	// run failed.
	stored, serr := chunks.ListByDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, serr)
	assert.NotEmpty(t, stored)
	assert.Empty(t, stored[0].Embedding)
	assert.Equal(t, 0, index.Len("acme"))
}

func TestProcessDocumentPartialBatchIndexesCompletedChunks(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	embedder := &stubEmbedder{
		batchErr:  &embedding.BatchError{StartIndex: 2, Err: errors.New("rate limited")},
		failAfter: 2,
	}
	p := newProcessor(embedder, index, chunks)

	result, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-1",
		TenantID: "acme",
		Content:  longDocument(4),
	})
	require.NoError(t, err, "partial embedding is degraded, not failed")
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.EmbeddedCount)
	assert.Less(t, result.EmbeddedCount, result.ChunkCount)
	assert.Equal(t, 2, index.Len("acme"))

	// Every chunk is stored, embedded or not.
	stored, serr := chunks.ListByDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, serr)
	assert.Len(t, stored, result.ChunkCount)
}

func TestProcessDocumentDisabledEmbedderStoresWithoutIndexing(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(embedding.NewNullProvider(), index, chunks)

	result, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-1",
		TenantID: "acme",
		Content:  longDocument(2),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, result.EmbeddedCount)
	assert.Equal(t, 0, index.Len("acme"))

	stored, serr := chunks.ListByDocument(context.Background(), "acme", "doc-1")
	require.NoError(t, serr)
	assert.NotEmpty(t, stored)
}

func TestProcessDocumentUpsertFailure(t *testing.T) {
	index := &failingIndex{MemoryIndex: vectorindex.NewMemory(), upsertErr: errors.New("index down")}
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)

	_, err := p.ProcessDocument(context.Background(), Document{
		ID:       "doc-1",
		TenantID: "acme",
		Content:  longDocument(2),
	})

	var procErr *ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, StatusUpserting, procErr.Stage)

	// Upsert failure must not mark the document processed.
	_, gerr := chunks.GetDocument(context.Background(), "acme", "doc-1")
	assert.ErrorIs(t, gerr, store.ErrNotFound)
}

func TestProcessDocumentMarkProcessedFailureReportsStoringStage(t *testing.T) {
	chunks := &failingStore{MemoryStore: store.NewMemory(), markErr: errors.New("store down")}
	p := newProcessor(&stubEmbedder{}, vectorindex.NewMemory(), chunks)

	for _, content := range []string{"   \n  ", longDocument(2)} {
		_, err := p.ProcessDocument(context.Background(), Document{
			ID:       "doc-1",
			TenantID: "acme",
			Content:  content,
		})
		var procErr *ProcessingError
		require.ErrorAs(t, err, &procErr)
		assert.Equal(t, StatusStoring, procErr.Stage)
	}
}

func TestDeleteDocumentRemovesIndexAndStore(t *testing.T) {
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)
	ctx := context.Background()

	_, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: longDocument(2)})
	require.NoError(t, err)
	require.Greater(t, index.Len("acme"), 0)

	require.NoError(t, p.DeleteDocument(ctx, "acme", "doc-1"))

	assert.Equal(t, 0, index.Len("acme"))
	stored, err := chunks.ListByDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDeleteDocumentFallsBackToPerIDDeletes(t *testing.T) {
	mem := vectorindex.NewMemory()
	index := &failingIndex{MemoryIndex: mem, filteredDeleteErr: errors.New("no filtered delete")}
	chunks := store.NewMemory()
	p := newProcessor(&stubEmbedder{}, index, chunks)
	ctx := context.Background()

	_, err := p.ProcessDocument(ctx, Document{ID: "doc-1", TenantID: "acme", Content: longDocument(2)})
	require.NoError(t, err)
	require.Greater(t, mem.Len("acme"), 0)

	require.NoError(t, p.DeleteDocument(ctx, "acme", "doc-1"))
	assert.Equal(t, 0, mem.Len("acme"), "fallback must delete chunk ids individually")
}

func TestProcessingErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &ProcessingError{DocumentID: "doc-1", Stage: StatusEmbedding, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "doc-1")
	assert.Contains(t, err.Error(), "embedding")
}
