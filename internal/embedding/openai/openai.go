// Package openai implements embedding.Provider for OpenAI-compatible
// embedding APIs (OpenAI, Ollama, vLLM, Together, etc.).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/granary-ai/granary/internal/embedding"
)

const defaultBaseURL = "https://api.openai.com/v1"

// DefaultBatchSize bounds how many inputs go into a single request.
const DefaultBatchSize = 64

// Client implements embedding.Provider over the /embeddings endpoint.
type Client struct {
	apiKey        string
	model         string
	baseURL       string
	batchSize     int
	maxInputChars int

	mu   sync.Mutex
	dims int

	http *http.Client
}

// New creates an OpenAI-compatible embeddings client.
func New(apiKey, model, baseURL string, dims, batchSize, maxInputChars int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Client{
		apiKey:        apiKey,
		model:         model,
		baseURL:       baseURL,
		batchSize:     batchSize,
		maxInputChars: maxInputChars,
		dims:          dims,
		http:          &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) ModelName() string { return c.model }

// Dimensions returns the vector size, either configured up front or learned
// from the first successful response.
func (c *Client) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims
}

// Ping issues a minimal embedding request to verify reachability and
// credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Embed(ctx, "ping")
	return err
}

// Embed returns the embedding for a single text. Empty or whitespace-only
// input fails with embedding.ErrEmptyInput.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return nil, embedding.ErrEmptyInput
	}
	vecs, err := c.request(ctx, []string{embedding.Truncate(text, c.maxInputChars)})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("openai embed: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in input order, partitioning into requests of at
// most the configured batch size. When a partition fails, the vectors from
// partitions that already completed are returned together with a
// *embedding.BatchError carrying the offset of the first unprocessed input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			batch = append(batch, embedding.Truncate(t, c.maxInputChars))
		}

		vecs, err := c.request(ctx, batch)
		if err != nil {
			return out, &embedding.BatchError{StartIndex: start, Err: err}
		}
		if len(vecs) != len(batch) {
			err := fmt.Errorf("openai embed: got %d vectors, want %d", len(vecs), len(batch))
			return out, &embedding.BatchError{StartIndex: start, Err: err}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, input []string) ([][]float32, error) {
	body := map[string]any{
		"model": c.model,
		"input": input,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai embed: %s: %s", resp.Status, respBody)
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}

	// The API documents data as input-ordered, but index is honored anyway
	// in case a proxy reorders entries.
	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vecs[idx] = d.Embedding
	}

	if len(vecs) > 0 && len(vecs[0]) > 0 {
		c.mu.Lock()
		if c.dims == 0 {
			c.dims = len(vecs[0])
		}
		c.mu.Unlock()
	}
	return vecs, nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

var _ embedding.Provider = (*Client)(nil)
