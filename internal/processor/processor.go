// Package processor drives a document through chunking, embedding, and
// vector index upsert, persisting chunk content to the side store along the
// way. The side store is the source of truth for content; the vector index
// is a derived projection that can always be rebuilt from it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/granary-ai/granary/internal/chunker"
	"github.com/granary-ai/granary/internal/embedding"
	"github.com/granary-ai/granary/internal/observability"
	"github.com/granary-ai/granary/internal/store"
	"github.com/granary-ai/granary/internal/vectorindex"
)

// Status is the state of a document processing run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusChunking  Status = "chunking"
	StatusEmbedding Status = "embedding"
	StatusUpserting Status = "upserting"
	StatusStoring   Status = "storing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ProcessingError reports an unrecoverable failure at a named stage of a
// processing run. The caller decides whether to retry; the processor never
// retries a run on its own.
type ProcessingError struct {
	DocumentID string
	Stage      Status
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing document %s failed during %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Document is the input to a processing run, supplied by the ingestion
// surface after upload and text extraction.
type Document struct {
	ID       string
	TenantID string
	Content  string
	Metadata map[string]string
}

// Result summarizes a completed processing run.
type Result struct {
	DocumentID    string
	TenantID      string
	Status        Status
	ChunkCount    int
	EmbeddedCount int
	Duration      time.Duration
}

// Config bounds the processor's chunking parameters and per-stage
// timeouts. Zero timeouts disable the bound for that stage.
type Config struct {
	MaxChunkSize int
	OverlapSize  int

	EmbedTimeout  time.Duration
	UpsertTimeout time.Duration
	StoreTimeout  time.Duration
}

// DefaultConfig returns processing defaults sized for prose documents.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:  1000,
		OverlapSize:   200,
		EmbedTimeout:  2 * time.Minute,
		UpsertTimeout: 30 * time.Second,
		StoreTimeout:  30 * time.Second,
	}
}

// Processor orchestrates document processing runs.
type Processor struct {
	cfg      Config
	embedder embedding.Provider
	index    vectorindex.Index
	chunks   store.ChunkStore
	logger   *slog.Logger
	metrics  *observability.PipelineMetrics
	audit    *observability.AuditLogger
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics attaches a metrics set.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithAudit attaches an audit logger.
func WithAudit(a *observability.AuditLogger) Option {
	return func(p *Processor) { p.audit = a }
}

// New creates a Processor. embedder may be a null provider; documents are
// then stored and chunked but never indexed, which keeps keyword search
// working.
func New(cfg Config, embedder embedding.Provider, index vectorindex.Index, chunks store.ChunkStore, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessDocument runs a document through the pipeline. Reprocessing the
// same document replaces its previous chunk set: deterministic ids
// overwrite shared chunks, and leftovers from a longer previous run are
// deleted from both the side store and the index.
func (p *Processor) ProcessDocument(ctx context.Context, doc Document) (*Result, error) {
	if doc.TenantID == "" {
		return nil, vectorindex.ErrMissingTenant
	}

	start := time.Now()
	ctx, span := observability.StartProcessSpan(ctx, doc.ID, doc.TenantID)
	defer span.End()

	if p.metrics != nil {
		p.metrics.ActiveRuns.Inc()
		defer p.metrics.ActiveRuns.Dec()
	}
	if p.audit != nil {
		p.audit.LogProcessStart(doc.TenantID, doc.ID, len(doc.Content))
	}

	result, err := p.run(ctx, doc)
	result.Duration = time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordProcess(result.Duration, result.ChunkCount, err)
	}

	if err != nil {
		observability.RecordError(span, err)
		if p.audit != nil {
			p.audit.LogProcessError(doc.TenantID, doc.ID, string(result.Status), err)
		}
		p.logger.Error("document processing failed",
			"document_id", doc.ID,
			"tenant_id", doc.TenantID,
			"stage", result.Status,
			"error", err)
		return result, &ProcessingError{DocumentID: doc.ID, Stage: result.Status, Err: err}
	}

	observability.RecordProcessResult(span, result.ChunkCount, result.EmbeddedCount, string(result.Status))
	if p.audit != nil {
		p.audit.LogProcessComplete(doc.TenantID, doc.ID, result.Duration, result.ChunkCount, result.EmbeddedCount)
	}
	p.logger.Info("document processed",
		"document_id", doc.ID,
		"tenant_id", doc.TenantID,
		"chunks", result.ChunkCount,
		"embedded", result.EmbeddedCount,
		"duration", result.Duration)
	return result, nil
}

// run executes the stage machine. On error the returned Result carries the
// stage the run died in; run returns the bare cause, ProcessDocument wraps
// it.
func (p *Processor) run(ctx context.Context, doc Document) (*Result, error) {
	result := &Result{DocumentID: doc.ID, TenantID: doc.TenantID, Status: StatusPending}

	// Stage 1: chunking.
	result.Status = StatusChunking
	texts, err := chunker.Split(doc.Content, p.cfg.MaxChunkSize, p.cfg.OverlapSize)
	if err != nil {
		return result, fmt.Errorf("chunk: %w", err)
	}

	// Reprocessing is delete-then-recreate: chunks from a previous run
	// that this run does not overwrite are removed before completion.
	prev, err := p.listChunks(ctx, doc.TenantID, doc.ID)
	if err != nil {
		return result, fmt.Errorf("list previous chunks: %w", err)
	}

	if len(texts) == 0 {
		// Empty document: nothing to index, but the run still
		// completes and previous chunks do not survive it.
		if err := p.deleteVectors(ctx, doc.TenantID, chunkIDs(prev)); err != nil {
			return result, err
		}
		if err := p.deleteChunks(ctx, doc.TenantID, chunkIDs(prev)); err != nil {
			return result, fmt.Errorf("delete previous chunks: %w", err)
		}
		result.Status = StatusStoring
		if err := p.markProcessed(ctx, doc, 0); err != nil {
			return result, err
		}
		result.Status = StatusCompleted
		return result, nil
	}
	result.ChunkCount = len(texts)

	records := make([]store.ChunkRecord, len(texts))
	now := time.Now().UTC()
	for i, text := range texts {
		records[i] = store.ChunkRecord{
			ID:         chunker.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			Content:    text,
			ChunkIndex: i,
			Metadata:   doc.Metadata,
			CreatedAt:  now,
		}
	}

	// Stage 2: embedding. Chunk content is persisted whether or not
	// embedding succeeds, so keyword retrieval and audit keep working.
	result.Status = StatusEmbedding
	vectors, embedErr := p.embedBatch(ctx, doc, texts)
	for i := range vectors {
		records[i].Embedding = vectors[i]
	}
	result.EmbeddedCount = len(vectors)

	if err := p.saveChunks(ctx, doc.TenantID, records); err != nil {
		return result, fmt.Errorf("save chunks: %w", err)
	}
	if stale := staleIDs(prev, chunkIDs(records)); len(stale) > 0 {
		if err := p.deleteChunks(ctx, doc.TenantID, stale); err != nil {
			return result, fmt.Errorf("delete stale chunks: %w", err)
		}
	}

	if embedErr != nil && len(vectors) == 0 {
		return result, fmt.Errorf("embed: %w", embedErr)
	}
	if embedErr != nil {
		// Partial batch: index what we have, the rest is reprocessable.
		p.logger.Warn("embedding partially failed, indexing completed chunks",
			"document_id", doc.ID,
			"tenant_id", doc.TenantID,
			"embedded", len(vectors),
			"total", len(texts),
			"error", embedErr)
	}

	// Stage 3: upserting, one call for the whole batch.
	result.Status = StatusUpserting
	indexable := make([]vectorindex.Record, 0, len(vectors))
	for i := range vectors {
		indexable = append(indexable, vectorindex.Record{
			ID:       records[i].ID,
			Vector:   records[i].Embedding,
			Metadata: indexMetadata(records[i]),
		})
	}
	if len(indexable) > 0 {
		ctx, span := observability.StartUpsertSpan(ctx, doc.TenantID, len(indexable))
		_, err := p.upsert(ctx, doc.TenantID, indexable)
		observability.RecordError(span, err)
		span.End()
		if p.metrics != nil {
			p.metrics.RecordUpsert(err)
		}
		if err != nil {
			if p.audit != nil {
				p.audit.LogIndexError(doc.TenantID, err)
			}
			return result, fmt.Errorf("upsert: %w", err)
		}
	}

	// Previous-run vectors not re-upserted here describe content this run
	// replaced; drop them so the index reflects only the current run.
	indexedIDs := make([]string, len(indexable))
	for i, rec := range indexable {
		indexedIDs[i] = rec.ID
	}
	if err := p.deleteVectors(ctx, doc.TenantID, staleIDs(prev, indexedIDs)); err != nil {
		return result, err
	}

	result.Status = StatusStoring
	if err := p.markProcessed(ctx, doc, len(texts)); err != nil {
		return result, err
	}
	result.Status = StatusCompleted
	return result, nil
}

// embedBatch calls the provider once for all chunk texts. A BatchError
// yields the vectors completed before the failing batch; a disabled
// provider yields no vectors and no error.
func (p *Processor) embedBatch(ctx context.Context, doc Document, texts []string) ([][]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, p.embedder.Name(), p.embedder.ModelName(), len(texts))
	defer span.End()

	if p.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.EmbedTimeout)
		defer cancel()
	}

	start := time.Now()
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if p.metrics != nil {
		p.metrics.RecordEmbed(time.Since(start), err)
	}

	if errors.Is(err, embedding.ErrDisabled) {
		p.logger.Info("embedding disabled, storing chunks without vectors",
			"document_id", doc.ID, "tenant_id", doc.TenantID)
		return nil, nil
	}
	if err != nil {
		observability.RecordError(span, err)
		if p.audit != nil {
			p.audit.LogEmbedError(doc.TenantID, p.embedder.Name(), err)
		}
		var batchErr *embedding.BatchError
		if errors.As(err, &batchErr) {
			return vectors, err
		}
		return nil, err
	}
	return vectors, nil
}

func (p *Processor) saveChunks(ctx context.Context, tenantID string, records []store.ChunkRecord) error {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	return p.chunks.SaveChunks(ctx, tenantID, records)
}

func (p *Processor) listChunks(ctx context.Context, tenantID, documentID string) ([]store.ChunkRecord, error) {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	return p.chunks.ListByDocument(ctx, tenantID, documentID)
}

func (p *Processor) deleteChunks(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	return p.chunks.DeleteChunks(ctx, tenantID, ids)
}

// deleteVectors removes index entries one id at a time.
func (p *Processor) deleteVectors(ctx context.Context, tenantID string, ids []string) error {
	for _, id := range ids {
		if err := p.index.DeleteByID(ctx, tenantID, id); err != nil {
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
	}
	return nil
}

func (p *Processor) upsert(ctx context.Context, tenantID string, records []vectorindex.Record) (int, error) {
	if p.cfg.UpsertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.UpsertTimeout)
		defer cancel()
	}
	return p.index.Upsert(ctx, tenantID, records)
}

func (p *Processor) markProcessed(ctx context.Context, doc Document, chunkCount int) error {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	if err := p.chunks.MarkProcessed(ctx, doc.TenantID, doc.ID, chunkCount); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// DeleteDocument removes a document from both the vector index and the
// side store. When the index cannot delete by document filter, remaining
// chunk ids are enumerated from the store and deleted individually; that
// degradation is logged, never swallowed.
func (p *Processor) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if tenantID == "" {
		return vectorindex.ErrMissingTenant
	}

	ctx, span := observability.StartDeleteSpan(ctx, documentID, tenantID)
	defer span.End()

	err := p.index.DeleteByDocument(ctx, tenantID, documentID)
	if err != nil {
		p.logger.Warn("filtered index delete unavailable, deleting chunk ids individually",
			"document_id", documentID,
			"tenant_id", tenantID,
			"error", err)
		if derr := p.deleteChunksIndividually(ctx, tenantID, documentID); derr != nil {
			observability.RecordError(span, derr)
			if p.audit != nil {
				p.audit.LogDocumentDelete(tenantID, documentID, derr)
			}
			return fmt.Errorf("delete document %s from index: %w", documentID, derr)
		}
	}

	if err := p.chunks.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		observability.RecordError(span, err)
		if p.audit != nil {
			p.audit.LogDocumentDelete(tenantID, documentID, err)
		}
		return fmt.Errorf("delete document %s from store: %w", documentID, err)
	}

	if p.audit != nil {
		p.audit.LogDocumentDelete(tenantID, documentID, nil)
	}
	p.logger.Info("document deleted", "document_id", documentID, "tenant_id", tenantID)
	return nil
}

// deleteChunksIndividually is the fallback when the index lacks filtered
// delete: enumerate chunk ids from the side store and delete each.
func (p *Processor) deleteChunksIndividually(ctx context.Context, tenantID, documentID string) error {
	records, err := p.chunks.ListByDocument(ctx, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	return p.deleteVectors(ctx, tenantID, chunkIDs(records))
}

func chunkIDs(records []store.ChunkRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// staleIDs returns the ids present in prev but absent from keep.
func staleIDs(prev []store.ChunkRecord, keep []string) []string {
	if len(prev) == 0 {
		return nil
	}
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var out []string
	for _, rec := range prev {
		if _, ok := kept[rec.ID]; !ok {
			out = append(out, rec.ID)
		}
	}
	return out
}

func indexMetadata(rec store.ChunkRecord) map[string]string {
	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[vectorindex.DocumentKey] = rec.DocumentID
	meta[vectorindex.ChunkIndexKey] = fmt.Sprintf("%d", rec.ChunkIndex)
	return meta
}
