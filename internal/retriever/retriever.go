// Package retriever serves tenant-scoped similarity search over processed
// documents. When vector retrieval cannot be served it degrades to keyword
// search over the side store rather than failing the request.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/observability"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
)

// DefaultTopK bounds result counts when the caller passes topK <= 0.
const DefaultTopK = 5

// SearchError distinguishes a failed search from an empty one.
type SearchError struct {
	TenantID string
	Err      error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search for tenant %s failed: %v", e.TenantID, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// Result is one ranked retrieval hit. Score is always on a similarity
// scale: higher is better, regardless of the index backend's native
// semantics.
type Result struct {
	Chunk store.ChunkRecord
	Score float64
	// Degraded marks a result produced by keyword fallback rather than
	// vector similarity.
	Degraded bool
}

// Retriever answers search requests.
type Retriever struct {
	embedder embedding.Provider
	index    vectorindex.Index
	chunks   store.ChunkStore
	logger   *slog.Logger
	metrics  *observability.PipelineMetrics
	audit    *observability.AuditLogger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithMetrics attaches a metrics set.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithAudit attaches an audit logger.
func WithAudit(a *observability.AuditLogger) Option {
	return func(r *Retriever) { r.audit = a }
}

// New creates a Retriever. embedder may be nil or a null provider; every
// search is then served by keyword fallback.
func New(embedder embedding.Provider, index vectorindex.Index, chunks store.ChunkStore, logger *slog.Logger, opts ...Option) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns up to topK chunks relevant to the query, best-first,
// restricted to the tenant. An empty query fails with
// embedding.ErrEmptyInput; an empty result set is not an error.
func (r *Retriever) Search(ctx context.Context, query, tenantID string, topK int) ([]Result, error) {
	if tenantID == "" {
		return nil, vectorindex.ErrMissingTenant
	}
	if isBlank(query) {
		return nil, embedding.ErrEmptyInput
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	start := time.Now()
	ctx, span := observability.StartSearchSpan(ctx, tenantID, topK)
	defer span.End()

	results, degraded, err := r.search(ctx, query, tenantID, topK)
	if err != nil {
		observability.RecordError(span, err)
		return nil, &SearchError{TenantID: tenantID, Err: err}
	}

	observability.RecordSearchResult(span, len(results), degraded)
	if r.metrics != nil {
		r.metrics.RecordSearch(time.Since(start), degraded)
	}
	if r.audit != nil {
		r.audit.LogSearch(tenantID, time.Since(start), len(results), degraded)
	}
	return results, nil
}

// search tries the vector path and falls back to keyword search when the
// embedder or index cannot serve it. Availability beats precision here: an
// end user should get keyword-grounded results instead of an error page.
func (r *Retriever) search(ctx context.Context, query, tenantID string, topK int) ([]Result, bool, error) {
	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		if fallbackEligible(err) {
			r.logger.Warn("embedding unavailable, serving keyword fallback",
				"tenant_id", tenantID, "error", err)
			results, ferr := r.keywordFallback(ctx, query, tenantID, topK)
			return results, true, ferr
		}
		return nil, false, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.index.Query(ctx, tenantID, vector, topK, nil)
	if err != nil {
		if errors.Is(err, vectorindex.ErrUnavailable) {
			r.logger.Warn("vector index unavailable, serving keyword fallback",
				"tenant_id", tenantID, "error", err)
			if r.audit != nil {
				r.audit.LogIndexError(tenantID, err)
			}
			results, ferr := r.keywordFallback(ctx, query, tenantID, topK)
			return results, true, ferr
		}
		return nil, false, fmt.Errorf("query index: %w", err)
	}

	results, err := r.resolve(ctx, tenantID, matches)
	if err != nil {
		return nil, false, err
	}
	return results, false, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if r.embedder == nil {
		return nil, embedding.ErrDisabled
	}
	return r.embedder.Embed(ctx, query)
}

// resolve maps index matches back to stored chunk records. A match whose
// chunk id has no store record is index/store drift: the result is dropped
// and the drift logged, the rest of the search still succeeds.
func (r *Retriever) resolve(ctx context.Context, tenantID string, matches []vectorindex.Match) ([]Result, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	records, err := r.chunks.GetChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve chunks: %w", err)
	}
	byID := make(map[string]store.ChunkRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.ID]
		if !ok {
			r.logger.Warn("index match has no stored chunk, dropping result",
				"tenant_id", tenantID, "chunk_id", m.ID)
			continue
		}
		results = append(results, Result{
			Chunk: rec,
			Score: r.normalizeScore(float64(m.Score)),
		})
	}

	// Resolution preserves index order for similarity scores; distance
	// conversion can invert it, so re-sort to keep best-first.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// normalizeScore converts distance-semantics scores to a similarity scale
// so callers always see higher-is-better.
func (r *Retriever) normalizeScore(score float64) float64 {
	if r.index.ScoreKind() == vectorindex.ScoreDistance {
		return 1 / (1 + score)
	}
	return score
}

func (r *Retriever) keywordFallback(ctx context.Context, query, tenantID string, topK int) ([]Result, error) {
	matches, err := r.chunks.KeywordSearch(ctx, tenantID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword fallback: %w", err)
	}
	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{Chunk: m.Chunk, Score: m.Score, Degraded: true}
	}
	return results, nil
}

// fallbackEligible reports whether an embed failure should degrade to
// keyword search instead of failing the request. Any provider failure
// qualifies, whether disabled, timed out, or unreachable. An empty query
// is a caller error and a canceled request is not worth degrading for.
func fallbackEligible(err error) bool {
	return !errors.Is(err, embedding.ErrEmptyInput) &&
		!errors.Is(err, context.Canceled)
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
