package semantic

import (
	"context"

	"github.com/WessleyAI/noterag/engine/domain"
)

// Filter is a conjunction of payload equality conditions.
type Filter map[string]string

// VectorRecord is a single vector to store in the index.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]string // content, noteId, userId, title, createdAt, updatedAt
}

// Match is a point returned by a filter-only query.
type Match struct {
	ID      string
	Payload map[string]string
}

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ID       string          `json:"id"`
	Score    float32         `json:"score"`
	Document domain.Document `json:"document"`
}

// Index is the contract both the Qdrant and the in-process store satisfy.
// Each call is atomic on its own; sequences of calls are not.
type Index interface {
	Upsert(ctx context.Context, records []VectorRecord) error
	QueryByFilter(ctx context.Context, filter Filter, limit int) ([]Match, error)
	SimilaritySearch(ctx context.Context, embedding []float32, k int, filter Filter) ([]SearchResult, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter Filter) error
}

func (f Filter) matches(payload map[string]string) bool {
	for k, v := range f {
		if payload[k] != v {
			return false
		}
	}
	return true
}
