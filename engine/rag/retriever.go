package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/semantic"
)

const (
	// MaxQueryChars caps the question before it is embedded.
	MaxQueryChars = 300
	// DefaultTopK is how many notes a query retrieves.
	DefaultTopK = 4
)

// Embedder maps text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	SimilaritySearch(ctx context.Context, embedding []float32, k int, filter semantic.Filter) ([]semantic.SearchResult, error)
}

// PrepareQuery trims q and caps it at MaxQueryChars characters.
func PrepareQuery(q string) string {
	q = strings.TrimSpace(q)
	runes := []rune(q)
	if len(runes) > MaxQueryChars {
		q = strings.TrimSpace(string(runes[:MaxQueryChars]))
	}
	return q
}

// Retriever finds a user's notes closest to a question.
type Retriever struct {
	embed   Embedder
	index   Searcher
	timeout time.Duration
	log     *slog.Logger
	met     *Metrics
}

// NewRetriever creates a Retriever. timeout bounds each index call; zero
// means no bound beyond ctx.
func NewRetriever(embed Embedder, index Searcher, timeout time.Duration, log *slog.Logger, met *Metrics) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = NewMetrics(nil)
	}
	return &Retriever{embed: embed, index: index, timeout: timeout, log: log, met: met}
}

// Retrieve returns up to k of userID's documents ordered by descending
// similarity. A failed index query is retried with k-1 down to 1; the
// failure at k=1 is returned. Embedding failures are returned as is.
func (r *Retriever) Retrieve(ctx context.Context, query, userID string, k int) ([]domain.Document, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	query = PrepareQuery(query)
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	if k < 1 {
		k = DefaultTopK
	}

	vec, err := r.embed.Embed(ctx, query)
	if err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}

	// The only filter ever sent to the index; callers cannot widen it.
	filter := semantic.Filter{domain.KeyUserID: userID}

	for {
		results, err := r.search(ctx, vec, k, filter)
		if err == nil {
			return scoped(results, userID, r.log), nil
		}
		if k <= 1 || ctx.Err() != nil {
			return nil, fmt.Errorf("rag: retrieve: %w", err)
		}
		r.met.degraded.Inc()
		r.log.Warn("rag: index query failed, shrinking k", "k", k, "user_id", userID, "error", err)
		k--
	}
}

func (r *Retriever) search(ctx context.Context, vec []float32, k int, filter semantic.Filter) ([]semantic.SearchResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.index.SimilaritySearch(ctx, vec, k, filter)
}

// scoped converts hits to documents, dropping any that belong to someone
// else.
func scoped(results []semantic.SearchResult, userID string, log *slog.Logger) []domain.Document {
	docs := make([]domain.Document, 0, len(results))
	for _, res := range results {
		if res.Document.Metadata.UserID != userID {
			log.Error("rag: index returned a foreign document", "point_id", res.ID, "user_id", userID)
			continue
		}
		docs = append(docs, res.Document)
	}
	return docs
}
