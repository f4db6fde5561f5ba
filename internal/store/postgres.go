package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements ChunkStore on Postgres. Embeddings are kept in a
// pgvector column so chunk content and its vector can be audited together;
// keyword search uses the built-in full-text ranking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a Postgres-backed store and ensures the schema exists.
// dims sets the pgvector column width; it must match the embedding model.
func NewPostgres(ctx context.Context, dsn string, dims int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx, dims); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			tenant_id   TEXT NOT NULL,
			id          TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INT  NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d),
			metadata    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, id)
		)`, dims),
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (tenant_id, document_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_content_fts_idx ON chunks
			USING GIN (to_tsvector('english', content))`,
		`CREATE TABLE IF NOT EXISTS documents (
			tenant_id    TEXT NOT NULL,
			document_id  TEXT NOT NULL,
			chunk_count  INT  NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, document_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveChunks(ctx context.Context, tenantID string, chunks []ChunkRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (tenant_id, id, document_id, chunk_index, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			content     = EXCLUDED.content,
			embedding   = EXCLUDED.embedding,
			metadata    = EXCLUDED.metadata`)
	if err != nil {
		return fmt.Errorf("postgres prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", c.ID, err)
		}
		var emb any
		if len(c.Embedding) > 0 {
			emb = pgvector.NewVector(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, tenantID, c.ID, c.DocumentID, c.ChunkIndex, c.Content, emb, meta); err != nil {
			return fmt.Errorf("postgres upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetChunks(ctx context.Context, tenantID string, ids []string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, document_id, chunk_index, content, embedding, metadata, created_at
		FROM chunks
		WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PostgresStore) ListByDocument(ctx context.Context, tenantID, documentID string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, document_id, chunk_index, content, embedding, metadata, created_at
		FROM chunks
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY chunk_index`,
		tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("postgres list chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PostgresStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID); err != nil {
		return fmt.Errorf("postgres delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID); err != nil {
		return fmt.Errorf("postgres delete document: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, tenantID string, ids []string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres delete chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) KeywordSearch(ctx context.Context, tenantID, query string, limit int) ([]KeywordMatch, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, document_id, chunk_index, content, embedding, metadata, created_at,
			ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) AS rank
		FROM chunks
		WHERE tenant_id = $1
			AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3`,
		tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres keyword search: %w", err)
	}
	defer rows.Close()

	var out []KeywordMatch
	for rows.Next() {
		var m KeywordMatch
		if err := scanChunkRow(rows, &m.Chunk, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, tenantID, documentID string, chunkCount int) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, document_id, chunk_count, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, document_id) DO UPDATE SET
			chunk_count  = EXCLUDED.chunk_count,
			processed_at = EXCLUDED.processed_at`,
		tenantID, documentID, chunkCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (*DocumentRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	doc := DocumentRecord{TenantID: tenantID, DocumentID: documentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_count, processed_at FROM documents
		WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID).Scan(&doc.ChunkCount, &doc.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get document: %w", err)
	}
	return &doc, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanChunks(rows *sql.Rows) ([]ChunkRecord, error) {
	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := scanChunkRow(rows, &c, nil); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunkRow(rows *sql.Rows, c *ChunkRecord, score *float64) error {
	var emb sql.NullString
	var meta []byte

	dest := []any{&c.TenantID, &c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &emb, &meta, &c.CreatedAt}
	if score != nil {
		dest = append(dest, score)
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("postgres scan chunk: %w", err)
	}

	if emb.Valid {
		var v pgvector.Vector
		if err := v.Scan(emb.String); err != nil {
			return fmt.Errorf("postgres scan embedding: %w", err)
		}
		c.Embedding = v.Slice()
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return fmt.Errorf("postgres unmarshal metadata: %w", err)
		}
	}
	return nil
}

var _ ChunkStore = (*PostgresStore)(nil)
