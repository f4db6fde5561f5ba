package retriever

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
)

// axisEmbedder maps known texts onto unit axes so similarity ranking in the
// memory index is predictable.
type axisEmbedder struct {
	axes map[string]int
	err  error
}

func (e *axisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, 4)
	if axis, ok := e.axes[text]; ok {
		vec[axis] = 1
	} else {
		vec[0] = 1
	}
	return vec, nil
}

func (e *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (e *axisEmbedder) Dimensions() int { return 4 }

func (e *axisEmbedder) ModelName() string { return "axis" }

func (e *axisEmbedder) Name() string { return "axis" }

func (e *axisEmbedder) Ping(ctx context.Context) error { return e.err }

// unavailableIndex simulates a backend outage on the read path.
type unavailableIndex struct {
	*vectorindex.MemoryIndex
}

// brokenIndex fails queries with an error that is not an availability
// problem, so no fallback applies.
type brokenIndex struct {
	*vectorindex.MemoryIndex
}

func (b *brokenIndex) Query(ctx context.Context, tenantID string, vector []float32, topK int, filter map[string]string) ([]vectorindex.Match, error) {
	return nil, errors.New("bad credentials")
}

// keywordlessStore has no lexical search, as when the fulltext index was
// never created.
type keywordlessStore struct {
	*store.MemoryStore
}

func (k *keywordlessStore) KeywordSearch(ctx context.Context, tenantID, query string, limit int) ([]store.KeywordMatch, error) {
	return nil, errors.New("fulltext index missing")
}

func (u *unavailableIndex) Query(ctx context.Context, tenantID string, vector []float32, topK int, filter map[string]string) ([]vectorindex.Match, error) {
	return nil, vectorindex.ErrUnavailable
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// seed indexes and stores three chunks for tenant "acme" on distinct axes.
func seed(t *testing.T, index vectorindex.Index, chunks store.ChunkStore, embedder *axisEmbedder) {
	t.Helper()
	ctx := context.Background()

	texts := []string{
		"dental coverage includes two cleanings",
		"vacation accrues at two days per month",
		"parking permits are issued quarterly",
	}
	embedder.axes = map[string]int{
		texts[0]: 1,
		texts[1]: 2,
		texts[2]: 3,
	}

	records := make([]store.ChunkRecord, len(texts))
	indexRecords := make([]vectorindex.Record, len(texts))
	for i, text := range texts {
		vec, err := embedder.Embed(ctx, text)
		require.NoError(t, err)
		records[i] = store.ChunkRecord{
			ID:         "doc-1_chunk_" + string(rune('0'+i)),
			DocumentID: "doc-1",
			TenantID:   "acme",
			Content:    text,
			ChunkIndex: i,
		}
		indexRecords[i] = vectorindex.Record{
			ID:     records[i].ID,
			Vector: vec,
			Metadata: map[string]string{
				vectorindex.DocumentKey: "doc-1",
			},
		}
	}
	require.NoError(t, chunks.SaveChunks(ctx, "acme", records))
	_, err := index.Upsert(ctx, "acme", indexRecords)
	require.NoError(t, err)
}

func TestSearchReturnsRankedResults(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	// Query embeds onto the dental axis.
	embedder.axes["dental cleanings"] = 1
	r := New(embedder, index, chunks, testLogger())

	results, err := r.Search(context.Background(), "dental cleanings", "acme", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	assert.Contains(t, results[0].Chunk.Content, "dental")
	assert.False(t, results[0].Degraded)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	r := New(&axisEmbedder{}, vectorindex.NewMemory(), store.NewMemory(), testLogger())

	_, err := r.Search(context.Background(), "   \n ", "acme", 5)
	assert.ErrorIs(t, err, embedding.ErrEmptyInput)
}

func TestSearchRequiresTenant(t *testing.T) {
	r := New(&axisEmbedder{}, vectorindex.NewMemory(), store.NewMemory(), testLogger())

	_, err := r.Search(context.Background(), "query", "", 5)
	assert.ErrorIs(t, err, vectorindex.ErrMissingTenant)
}

func TestSearchTenantIsolation(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	embedder.axes["dental cleanings"] = 1
	r := New(embedder, index, chunks, testLogger())

	// Another tenant searching the same terms sees nothing.
	results, err := r.Search(context.Background(), "dental cleanings", "globex", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDropsDriftedResults(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	// Remove a stored chunk while its vector stays indexed.
	require.NoError(t, chunks.DeleteByDocument(context.Background(), "acme", "doc-1"))
	restored := []store.ChunkRecord{{
		ID:         "doc-1_chunk_1",
		DocumentID: "doc-1",
		TenantID:   "acme",
		Content:    "vacation accrues at two days per month",
		ChunkIndex: 1,
	}}
	require.NoError(t, chunks.SaveChunks(context.Background(), "acme", restored))

	embedder.axes["anything"] = 2
	r := New(embedder, index, chunks, testLogger())

	results, err := r.Search(context.Background(), "anything", "acme", 5)
	require.NoError(t, err, "drift drops results, it does not fail the search")
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1_chunk_1", results[0].Chunk.ID)
}

func TestSearchKeywordFallbackOnDisabledEmbedder(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	r := New(embedding.NewNullProvider(), index, chunks, testLogger())

	results, err := r.Search(context.Background(), "vacation days", "acme", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.True(t, results[0].Degraded)
	assert.Contains(t, results[0].Chunk.Content, "vacation")
}

func TestSearchKeywordFallbackOnNilEmbedder(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	r := New(nil, index, chunks, testLogger())

	results, err := r.Search(context.Background(), "parking permits", "acme", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.True(t, results[0].Degraded)
}

func TestSearchKeywordFallbackOnIndexOutage(t *testing.T) {
	embedder := &axisEmbedder{}
	mem := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, mem, chunks, embedder)

	embedder.axes["dental"] = 1
	r := New(embedder, &unavailableIndex{MemoryIndex: mem}, chunks, testLogger())

	results, err := r.Search(context.Background(), "dental", "acme", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.True(t, results[0].Degraded)
}

func TestSearchKeywordFallbackOnEmbedderOutage(t *testing.T) {
	embedder := &axisEmbedder{}
	index := vectorindex.NewMemory()
	chunks := store.NewMemory()
	seed(t, index, chunks, embedder)

	down := &axisEmbedder{err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")}
	r := New(down, index, chunks, testLogger())

	results, err := r.Search(context.Background(), "parking permits", "acme", 5)
	require.NoError(t, err, "an unreachable provider degrades to keyword search")
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.True(t, res.Degraded)
	}
	assert.Contains(t, results[0].Chunk.Content, "parking")
}

func TestSearchErrorWrapsCause(t *testing.T) {
	embedder := &axisEmbedder{}
	index := &brokenIndex{MemoryIndex: vectorindex.NewMemory()}
	chunks := store.NewMemory()
	seed(t, index.MemoryIndex, chunks, embedder)

	r := New(embedder, index, chunks, testLogger())

	_, err := r.Search(context.Background(), "query", "acme", 5)
	var searchErr *SearchError
	require.ErrorAs(t, err, &searchErr)
	assert.Equal(t, "acme", searchErr.TenantID)
	assert.Contains(t, searchErr.Error(), "bad credentials")
}

func TestSearchErrorWhenFallbackAlsoFails(t *testing.T) {
	embedder := &axisEmbedder{err: errors.New("connect: connection refused")}
	chunks := &keywordlessStore{MemoryStore: store.NewMemory()}

	r := New(embedder, vectorindex.NewMemory(), chunks, testLogger())

	_, err := r.Search(context.Background(), "query", "acme", 5)
	var searchErr *SearchError
	require.ErrorAs(t, err, &searchErr)
	assert.Contains(t, searchErr.Error(), "keyword fallback")
}

func TestNormalizeScoreDistance(t *testing.T) {
	r := &Retriever{index: distanceIndex{}}

	assert.InDelta(t, 1.0, r.normalizeScore(0), 1e-9)
	assert.InDelta(t, 0.5, r.normalizeScore(1), 1e-9)
	assert.Greater(t, r.normalizeScore(0.1), r.normalizeScore(2.0))
}

type distanceIndex struct {
	vectorindex.Index
}

func (distanceIndex) ScoreKind() vectorindex.ScoreKind { return vectorindex.ScoreDistance }
