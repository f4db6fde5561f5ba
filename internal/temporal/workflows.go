// Package temporal runs document indexing and removal as Temporal
// workflows. Chunk ids are deterministic, so activity retries and whole
// workflow re-runs overwrite rather than duplicate.
package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// IndexDocumentInput holds the parameters of an indexing workflow.
type IndexDocumentInput struct {
	DocumentID string
	TenantID   string
	Content    string
	Metadata   map[string]string
}

// IndexDocumentOutput holds the workflow result.
type IndexDocumentOutput struct {
	DocumentID    string
	ChunkCount    int
	EmbeddedCount int
}

// RemoveDocumentInput holds the parameters of a removal workflow.
type RemoveDocumentInput struct {
	DocumentID string
	TenantID   string
}

// IndexDocumentWorkflow processes one document. The processor never
// retries on its own; the activity retry policy owns that concern.
func IndexDocumentWorkflow(ctx workflow.Context, input IndexDocumentInput) (*IndexDocumentOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    4,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var result ProcessResult
	if err := workflow.ExecuteActivity(ctx, ProcessDocumentActivity, input).Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("process document: %w", err)
	}

	return &IndexDocumentOutput{
		DocumentID:    input.DocumentID,
		ChunkCount:    result.ChunkCount,
		EmbeddedCount: result.EmbeddedCount,
	}, nil
}

// RemoveDocumentWorkflow deletes a document from the vector index and the
// side store.
func RemoveDocumentWorkflow(ctx workflow.Context, input RemoveDocumentInput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    4,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	if err := workflow.ExecuteActivity(ctx, DeleteDocumentActivity, input).Get(ctx, nil); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
