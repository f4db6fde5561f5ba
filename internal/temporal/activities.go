package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/granary-ai/granary/internal/processor"
)

// ProcessResult is the serializable outcome of a processing activity.
type ProcessResult struct {
	DocumentID    string
	ChunkCount    int
	EmbeddedCount int
	Status        string
}

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Processor *processor.Processor
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

// ProcessDocumentActivity runs a full processing run for one document.
func ProcessDocumentActivity(ctx context.Context, input IndexDocumentInput) (ProcessResult, error) {
	if deps == nil || deps.Processor == nil {
		return ProcessResult{}, errors.New("temporal dependencies not set")
	}

	result, err := deps.Processor.ProcessDocument(ctx, processor.Document{
		ID:       input.DocumentID,
		TenantID: input.TenantID,
		Content:  input.Content,
		Metadata: input.Metadata,
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("process %s: %w", input.DocumentID, err)
	}

	return ProcessResult{
		DocumentID:    result.DocumentID,
		ChunkCount:    result.ChunkCount,
		EmbeddedCount: result.EmbeddedCount,
		Status:        string(result.Status),
	}, nil
}

// DeleteDocumentActivity removes a document from the index and the store.
func DeleteDocumentActivity(ctx context.Context, input RemoveDocumentInput) error {
	if deps == nil || deps.Processor == nil {
		return errors.New("temporal dependencies not set")
	}
	return deps.Processor.DeleteDocument(ctx, input.TenantID, input.DocumentID)
}
