// Package chunker splits document text into overlapping segments for
// embedding and retrieval.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxChunkSize is the default number of characters per chunk.
const DefaultMaxChunkSize = 1000

// DefaultOverlapSize is the default number of overlapping characters
// between consecutive chunks.
const DefaultOverlapSize = 200

var sentenceRe = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// Chunker produces bounded, overlapping text segments. Splitting is
// deterministic for identical inputs, which keeps derived chunk ids stable
// across reprocessing runs.
type Chunker struct {
	maxChunkSize int
	overlapSize  int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxChunkSize sets the maximum chunk size in characters.
func WithMaxChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.maxChunkSize = size
		}
	}
}

// WithOverlapSize sets the overlap between consecutive chunks in characters.
func WithOverlapSize(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlapSize = overlap
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxChunkSize: DefaultMaxChunkSize,
		overlapSize:  DefaultOverlapSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlapSize >= c.maxChunkSize {
		c.overlapSize = c.maxChunkSize / 4
	}
	return c
}

// Split splits text using the chunker's configured sizes.
func (c *Chunker) Split(text string) []string {
	chunks, _ := Split(text, c.maxChunkSize, c.overlapSize)
	return chunks
}

// Split splits text into segments of at most maxChunkSize characters with
// overlapSize characters repeated between consecutive segments. It prefers
// breaking on paragraph, then sentence boundaries; a boundary is only used
// when it does not duplicate more than overlapSize characters between
// neighbours. Empty or whitespace-only text yields no chunks and no error.
func Split(text string, maxChunkSize, overlapSize int) ([]string, error) {
	if maxChunkSize <= 0 || overlapSize < 0 || maxChunkSize <= overlapSize {
		return nil, fmt.Errorf("chunker: invalid sizes max=%d overlap=%d", maxChunkSize, overlapSize)
	}

	text = normalizeWhitespace(text)
	if text == "" {
		return nil, nil
	}
	runes := []rune(text)
	if len(runes) <= maxChunkSize {
		return []string{text}, nil
	}

	// Boundary-aware cuts require enough room between the overlap window
	// and the size cap to guarantee forward progress; otherwise fall back
	// to hard cuts at the cap.
	step := maxChunkSize - overlapSize
	useBoundaries := step > overlapSize

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxChunkSize
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		cut := end
		if useBoundaries {
			cut = boundaryCut(runes, end, start+step)
		}
		chunks = append(chunks, string(runes[start:cut]))
		start = cut - overlapSize
	}
	return chunks, nil
}

// boundaryCut finds the best cut position in (min, max]. Paragraph breaks
// win over sentence ends, which win over word breaks; the hard cap is the
// raw character limit.
func boundaryCut(runes []rune, max, min int) int {
	window := string(runes[min:max])

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return min + len([]rune(window[:i+2]))
	}
	if loc := lastSentenceEnd(window); loc > 0 {
		return min + loc
	}
	if i := strings.LastIndexAny(window, " \t\n"); i >= 0 {
		return min + len([]rune(window[:i+1]))
	}
	return max
}

func lastSentenceEnd(window string) int {
	locs := sentenceRe.FindAllStringIndex(window, -1)
	if len(locs) == 0 {
		return -1
	}
	end := locs[len(locs)-1][1]
	return len([]rune(window[:end]))
}

// normalizeWhitespace trims the text and collapses runs of three or more
// newlines to a paragraph break so boundary detection behaves uniformly.
func normalizeWhitespace(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}

// ChunkID returns the deterministic id of the i-th chunk of a document.
// Reprocessing a document with the same chunking parameters regenerates
// identical ids, so index upserts overwrite instead of duplicating.
func ChunkID(documentID string, i int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, i)
}
