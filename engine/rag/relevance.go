package rag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/fn"
	"github.com/WessleyAI/noterag/pkg/vecmath"
)

// BatchEmbedder embeds a query and a set of documents.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GateOptions tunes the relevance gate.
type GateOptions struct {
	// Primary is the similarity at which a single document is confidently
	// on topic.
	Primary float64
	// Secondary is the lenient bar the best document has to clear when none
	// reaches Primary.
	Secondary float64
	// ManyDocs is the result size at which the gate answers true without
	// scoring.
	ManyDocs int
	// Timeout bounds the embedding calls. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// DefaultGateOptions returns the 0.5 / 0.4 thresholds.
func DefaultGateOptions() GateOptions {
	return GateOptions{Primary: 0.5, Secondary: 0.4, ManyDocs: 5, Timeout: 10 * time.Second}
}

// Verdict values.
const (
	VerdictNone     = "no_documents"
	VerdictMany     = "many_documents"
	VerdictPrimary  = "primary"
	VerdictLenient  = "secondary"
	VerdictBelow    = "below_threshold"
	VerdictFailOpen = "fail_open"
)

// Verdict is the gate's decision and how it was reached.
type Verdict struct {
	Relevant bool
	Reason   string
	MaxScore float64
}

// Gate decides whether retrieved documents are on topic for a query.
type Gate struct {
	embed BatchEmbedder
	opts  GateOptions
	log   *slog.Logger
	met   *Metrics
}

// NewGate creates a Gate.
func NewGate(embed BatchEmbedder, opts GateOptions, log *slog.Logger, met *Metrics) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = NewMetrics(nil)
	}
	if opts.ManyDocs <= 0 {
		opts.ManyDocs = DefaultGateOptions().ManyDocs
	}
	return &Gate{embed: embed, opts: opts, log: log, met: met}
}

// IsRelevant reports whether docs are relevant to query.
func (g *Gate) IsRelevant(ctx context.Context, query string, docs []domain.Document) bool {
	return g.Evaluate(ctx, query, docs).Relevant
}

// Evaluate runs the gate. Embedding failures of any kind yield a relevant
// verdict.
func (g *Gate) Evaluate(ctx context.Context, query string, docs []domain.Document) Verdict {
	v := g.evaluate(ctx, PrepareQuery(query), docs)
	g.met.verdict(v.Reason)
	return v
}

func (g *Gate) evaluate(ctx context.Context, query string, docs []domain.Document) Verdict {
	switch {
	case len(docs) == 0:
		return Verdict{Relevant: false, Reason: VerdictNone}
	case len(docs) >= g.opts.ManyDocs:
		return Verdict{Relevant: true, Reason: VerdictMany}
	}

	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	qvec, dvecs, err := g.vectors(ctx, query, docs)
	if err != nil {
		g.log.Warn("rag: relevance scoring failed, assuming relevant", "error", err)
		return Verdict{Relevant: true, Reason: VerdictFailOpen}
	}

	best := 0.0
	for i, dv := range dvecs {
		score := vecmath.Cosine(qvec, dv)
		if i == 0 || score > best {
			best = score
		}
		if score >= g.opts.Primary {
			return Verdict{Relevant: true, Reason: VerdictPrimary, MaxScore: score}
		}
	}
	if best >= g.opts.Secondary {
		return Verdict{Relevant: true, Reason: VerdictLenient, MaxScore: best}
	}
	return Verdict{Relevant: false, Reason: VerdictBelow, MaxScore: best}
}

func (g *Gate) vectors(ctx context.Context, query string, docs []domain.Document) ([]float32, [][]float32, error) {
	qvec, err := g.embed.Embed(ctx, query)
	if err != nil {
		return nil, nil, &domain.EmbeddingError{Err: err}
	}
	texts := fn.Map(docs, func(d domain.Document) string { return d.Content })
	dvecs, err := g.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, &domain.EmbeddingError{Err: err}
	}
	if len(dvecs) != len(docs) {
		return nil, nil, &domain.EmbeddingError{Err: errors.New("batch size mismatch")}
	}
	return qvec, dvecs, nil
}
