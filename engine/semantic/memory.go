package semantic

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/vecmath"
)

// MemoryStore is an in-process Index doing brute-force cosine search. It
// backs tests and single-process local runs (INDEX_BACKEND=memory).
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string]memPoint
}

type memPoint struct {
	vec     []float32
	payload map[string]string
}

var _ Index = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]memPoint)}
}

// Len returns the number of stored points.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		vec := make([]float32, len(r.Embedding))
		copy(vec, r.Embedding)
		payload := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			payload[k] = v
		}
		m.points[r.ID] = memPoint{vec: vec, payload: payload}
	}
	return nil
}

func (m *MemoryStore) QueryByFilter(ctx context.Context, filter Filter, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Match
	for id, p := range m.points {
		if filter.matches(p.payload) {
			out = append(out, Match{ID: id, Payload: clonePayload(p.payload)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SimilaritySearch(ctx context.Context, embedding []float32, k int, filter Filter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SearchResult
	for id, p := range m.points {
		if !filter.matches(p.payload) {
			continue
		}
		out = append(out, SearchResult{
			ID:       id,
			Score:    float32(vecmath.Cosine(embedding, p.vec)),
			Document: domain.DocumentFromPayload(p.payload),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(filter) == 0 {
		return &domain.IndexError{Op: "delete", Err: errors.New("semantic: refusing to delete with empty filter")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if filter.matches(p.payload) {
			delete(m.points, id)
		}
	}
	return nil
}

func clonePayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
