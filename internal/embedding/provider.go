// Package embedding defines the embedding provider abstraction used by the
// document pipeline and the retriever.
package embedding

import "context"

// Provider is the interface all embedding backends must implement.
//
// EmbedBatch preserves input order in its output: the i-th vector always
// corresponds to the i-th input text, regardless of how the backend
// parallelizes or partitions the request.
type Provider interface {
	// Embed returns an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns embedding vectors for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size (e.g. 384, 1536).
	Dimensions() int
	// ModelName returns the embedding model identifier.
	ModelName() string
	// Name returns the provider identifier (e.g. "openai", "null").
	Name() string
	// Ping verifies the backend is reachable with a lightweight request.
	Ping(ctx context.Context) error
}

// TruncationMarker is appended to inputs that were cut to the provider's
// input budget. Truncation is lossy but availability-preserving: oversized
// chunks still get an embedding instead of failing the whole document.
const TruncationMarker = "…"

// Truncate cuts text to at most budget runes, appending TruncationMarker
// when a cut happens. A budget of zero or less disables truncation.
func Truncate(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}
	marker := []rune(TruncationMarker)
	if budget <= len(marker) {
		return string(marker[:budget])
	}
	return string(runes[:budget-len(marker)]) + TruncationMarker
}
