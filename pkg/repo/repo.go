// Package repo defines generic read access to a backing store.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the id.
var ErrNotFound = errors.New("repo: not found")

// Reader is generic read access keyed by ID.
type Reader[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
}

// ListOpts controls pagination and filtering for List operations. Filter
// entries are property equality conditions.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
