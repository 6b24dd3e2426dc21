package semantic

import (
	"context"
	"fmt"
)

// Store is an Index with a lifetime.
type Store interface {
	Index
	Close() error
}

// Close is a no-op; the store lives as long as the process.
func (m *MemoryStore) Close() error { return nil }

// Open returns the index named by backend ("qdrant" or "memory"). A Qdrant
// collection is created with dims dimensions when it is missing.
func Open(ctx context.Context, backend, addr, collection string, dims int) (Store, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "qdrant":
		vs, err := New(addr, collection)
		if err != nil {
			return nil, err
		}
		if err := vs.EnsureCollection(ctx, dims); err != nil {
			vs.Close()
			return nil, err
		}
		return vs, nil
	default:
		return nil, fmt.Errorf("semantic: unknown backend %q", backend)
	}
}
