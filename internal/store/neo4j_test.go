package store

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingPropRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1, 3.5}

	prop := embeddingProp(vec)
	require.Len(t, prop, 3)

	// The driver hands list properties back as []any of float64.
	asAny := make([]any, len(prop))
	for i, f := range prop {
		asAny[i] = f
	}
	assert.Equal(t, vec, embeddingFromProp(asAny))

	assert.Nil(t, embeddingProp(nil), "no embedding stores a null property")
	assert.Nil(t, embeddingFromProp(nil))
}

func TestChunkFromNode(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	node := neo4j.Node{Props: map[string]any{
		"tenant_id":   "acme",
		"id":          "doc-1_chunk_0",
		"document_id": "doc-1",
		"chunk_index": int64(0),
		"content":     "dental coverage includes two cleanings",
		"created_at":  created.Format(time.RFC3339Nano),
		"metadata":    []any{"source", "handbook"},
		"embedding":   []any{0.5, 0.25},
	}}

	c := chunkFromNode(node)
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, "doc-1_chunk_0", c.ID)
	assert.Equal(t, 0, c.ChunkIndex)
	assert.True(t, created.Equal(c.CreatedAt))
	assert.Equal(t, map[string]string{"source": "handbook"}, c.Metadata)
	assert.Equal(t, []float32{0.5, 0.25}, c.Embedding)
}
