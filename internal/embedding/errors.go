package embedding

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when a single-text embed call receives empty or
// whitespace-only text. The caller can recover by fixing the input.
var ErrEmptyInput = errors.New("embedding: empty input text")

// ErrDisabled is returned by the null provider. Callers treat it as
// "no embedding backend configured" and degrade to keyword retrieval.
var ErrDisabled = errors.New("embedding: provider disabled")

// BatchError reports a batch embedding call that failed partway through.
// Vectors for inputs before StartIndex were already produced and returned;
// inputs from StartIndex on are unprocessed. The caller decides whether to
// retry the remainder or abandon it.
type BatchError struct {
	StartIndex int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding: batch failed at input %d: %v", e.StartIndex, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
