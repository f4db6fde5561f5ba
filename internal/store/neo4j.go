package store

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore implements ChunkStore on Neo4j. Documents and chunks become
// nodes linked by HAS_CHUNK edges, which lets deployments that already run
// Neo4j keep chunk provenance queryable alongside their other graphs.
// Keyword search rides on a fulltext index over chunk content.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

const chunkFulltextIndex = "chunk_content"

// NewNeo4j creates a Neo4j-backed chunk store and ensures the fulltext
// index used by keyword search exists.
func NewNeo4j(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	s := &Neo4jStore{driver: driver}
	if err := s.ensureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) ensureIndexes(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stmts := []string{
			fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (c:Chunk) ON EACH [c.content]", chunkFulltextIndex),
			"CREATE INDEX chunk_tenant_id IF NOT EXISTS FOR (c:Chunk) ON (c.tenant_id, c.id)",
			"CREATE INDEX document_tenant_id IF NOT EXISTS FOR (d:Document) ON (d.tenant_id, d.document_id)",
		}
		for _, stmt := range stmts {
			if _, err := tx.Run(ctx, stmt, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j indexes: %w", err)
	}
	return nil
}

func (s *Neo4jStore) SaveChunks(ctx context.Context, tenantID string, chunks []ChunkRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, c := range chunks {
			params := map[string]any{
				"tenant":    tenantID,
				"id":        c.ID,
				"doc":       c.DocumentID,
				"index":     c.ChunkIndex,
				"content":   c.Content,
				"created":   c.CreatedAt.UTC().Format(time.RFC3339Nano),
				"meta":      flattenMetadata(c.Metadata),
				"embedding": embeddingProp(c.Embedding),
			}
			_, err := tx.Run(ctx,
				"MERGE (d:Document {tenant_id: $tenant, document_id: $doc}) "+
					"MERGE (c:Chunk {tenant_id: $tenant, id: $id}) "+
					"SET c.document_id = $doc, c.chunk_index = $index, c.content = $content, "+
					"c.created_at = $created, c.metadata = $meta, c.embedding = $embedding "+
					"MERGE (d)-[:HAS_CHUNK]->(c)",
				params)
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j save chunks: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetChunks(ctx context.Context, tenantID string, ids []string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (c:Chunk) WHERE c.tenant_id = $tenant AND c.id IN $ids "+
				"RETURN c ORDER BY c.chunk_index",
			map[string]any{"tenant": tenantID, "ids": ids})
		if err != nil {
			return nil, err
		}
		return collectChunks(ctx, records)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j get chunks: %w", err)
	}
	return result.([]ChunkRecord), nil
}

func (s *Neo4jStore) ListByDocument(ctx context.Context, tenantID, documentID string) ([]ChunkRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (c:Chunk {tenant_id: $tenant, document_id: $doc}) "+
				"RETURN c ORDER BY c.chunk_index",
			map[string]any{"tenant": tenantID, "doc": documentID})
		if err != nil {
			return nil, err
		}
		return collectChunks(ctx, records)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j list chunks: %w", err)
	}
	return result.([]ChunkRecord), nil
}

func (s *Neo4jStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MATCH (c:Chunk {tenant_id: $tenant, document_id: $doc}) DETACH DELETE c",
			map[string]any{"tenant": tenantID, "doc": documentID})
		if err != nil {
			return nil, err
		}
		_, err = tx.Run(ctx,
			"MATCH (d:Document {tenant_id: $tenant, document_id: $doc}) DETACH DELETE d",
			map[string]any{"tenant": tenantID, "doc": documentID})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j delete document: %w", err)
	}
	return nil
}

func (s *Neo4jStore) DeleteChunks(ctx context.Context, tenantID string, ids []string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MATCH (c:Chunk) WHERE c.tenant_id = $tenant AND c.id IN $ids DETACH DELETE c",
			map[string]any{"tenant": tenantID, "ids": ids})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j delete chunks: %w", err)
	}
	return nil
}

func (s *Neo4jStore) KeywordSearch(ctx context.Context, tenantID, query string, limit int) ([]KeywordMatch, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			fmt.Sprintf("CALL db.index.fulltext.queryNodes('%s', $query) YIELD node, score "+
				"WHERE node.tenant_id = $tenant "+
				"RETURN node AS c, score ORDER BY score DESC LIMIT $limit", chunkFulltextIndex),
			map[string]any{"query": query, "tenant": tenantID, "limit": limit})
		if err != nil {
			return nil, err
		}

		var out []KeywordMatch
		for records.Next(ctx) {
			rec := records.Record()
			nodeVal, _ := rec.Get("c")
			scoreVal, _ := rec.Get("score")
			node, ok := nodeVal.(neo4j.Node)
			if !ok {
				continue
			}
			m := KeywordMatch{Chunk: chunkFromNode(node)}
			if f, ok := scoreVal.(float64); ok {
				m.Score = f
			}
			out = append(out, m)
		}
		return out, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j keyword search: %w", err)
	}
	return result.([]KeywordMatch), nil
}

func (s *Neo4jStore) MarkProcessed(ctx context.Context, tenantID, documentID string, chunkCount int) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MERGE (d:Document {tenant_id: $tenant, document_id: $doc}) "+
				"SET d.chunk_count = $count, d.processed_at = $at",
			map[string]any{
				"tenant": tenantID,
				"doc":    documentID,
				"count":  chunkCount,
				"at":     time.Now().UTC().Format(time.RFC3339Nano),
			})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j mark processed: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetDocument(ctx context.Context, tenantID, documentID string) (*DocumentRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (d:Document {tenant_id: $tenant, document_id: $doc}) "+
				"RETURN d.chunk_count AS count, d.processed_at AS at",
			map[string]any{"tenant": tenantID, "doc": documentID})
		if err != nil {
			return nil, err
		}
		if !records.Next(ctx) {
			return nil, ErrNotFound
		}
		rec := records.Record()

		doc := &DocumentRecord{TenantID: tenantID, DocumentID: documentID}
		if v, _ := rec.Get("count"); v != nil {
			if n, ok := v.(int64); ok {
				doc.ChunkCount = int(n)
			}
		}
		if v, _ := rec.Get("at"); v != nil {
			if s, ok := v.(string); ok {
				doc.ProcessedAt, _ = time.Parse(time.RFC3339Nano, s)
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*DocumentRecord), nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func collectChunks(ctx context.Context, records neo4j.ResultWithContext) ([]ChunkRecord, error) {
	var out []ChunkRecord
	for records.Next(ctx) {
		rec := records.Record()
		nodeVal, _ := rec.Get("c")
		node, ok := nodeVal.(neo4j.Node)
		if !ok {
			continue
		}
		out = append(out, chunkFromNode(node))
	}
	return out, records.Err()
}

func chunkFromNode(node neo4j.Node) ChunkRecord {
	c := ChunkRecord{
		TenantID:   stringProp(node, "tenant_id"),
		ID:         stringProp(node, "id"),
		DocumentID: stringProp(node, "document_id"),
		Content:    stringProp(node, "content"),
	}
	if v, ok := node.Props["chunk_index"].(int64); ok {
		c.ChunkIndex = int(v)
	}
	if v, ok := node.Props["created_at"].(string); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := node.Props["metadata"].([]any); ok {
		c.Metadata = unflattenMetadata(v)
	}
	if v, ok := node.Props["embedding"].([]any); ok {
		c.Embedding = embeddingFromProp(v)
	}
	return c
}

func stringProp(node neo4j.Node, key string) string {
	v, _ := node.Props[key].(string)
	return v
}

// Neo4j float lists round-trip as []any of float64. A nil return stores
// the property as null, which clears it on overwrite.
func embeddingProp(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func embeddingFromProp(flat []any) []float32 {
	if len(flat) == 0 {
		return nil
	}
	out := make([]float32, 0, len(flat))
	for _, v := range flat {
		if f, ok := v.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}

// Neo4j properties cannot hold maps, so metadata travels as a flat
// [k1, v1, k2, v2, ...] string list.
func flattenMetadata(meta map[string]string) []string {
	out := make([]string, 0, len(meta)*2)
	for k, v := range meta {
		out = append(out, k, v)
	}
	return out
}

func unflattenMetadata(flat []any) map[string]string {
	if len(flat) < 2 {
		return nil
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, ok1 := flat[i].(string)
		v, ok2 := flat[i+1].(string)
		if ok1 && ok2 {
			out[k] = v
		}
	}
	return out
}

var _ ChunkStore = (*Neo4jStore)(nil)
