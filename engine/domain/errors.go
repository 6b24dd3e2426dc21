package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the indexing and query paths.
var (
	// ErrSkippedDocument marks a note without enough text to index. It is a
	// signal, not a failure: callers log it and move on.
	ErrSkippedDocument      = errors.New("document skipped: empty title or content")
	ErrAuthorizationMissing = errors.New("authentication required")
	ErrNoteNotFound         = errors.New("note not found")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrInvalidEvent         = errors.New("invalid change event")
	ErrForbidden            = errors.New("note belongs to another user")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IndexError is a failed vector index operation (upsert, delete, query).
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string { return fmt.Sprintf("index %s: %v", e.Op, e.Err) }

func (e *IndexError) Unwrap() error { return e.Err }

// EmbeddingError is a failed call to the embedding provider.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding: %v", e.Err) }

func (e *EmbeddingError) Unwrap() error { return e.Err }

// SynthesisError is a failed answer generation. It is always surfaced.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("synthesis: %v", e.Err) }

func (e *SynthesisError) Unwrap() error { return e.Err }

// IsIndexError reports whether err came from the vector index.
func IsIndexError(err error) bool {
	var ie *IndexError
	return errors.As(err, &ie)
}
