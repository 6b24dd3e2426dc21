// Package rag answers questions over a user's notes: it retrieves the
// closest notes, checks that they are on topic and asks the generation model
// for an answer grounded on them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/metrics"
)

var tracer = otel.Tracer("engine/rag")

// Indexer is the write side the service forwards manual ingestion to.
type Indexer interface {
	AddDocument(ctx context.Context, content string, meta domain.Metadata) (string, error)
	Reindex(ctx context.Context, noteID string) error
}

// Deps holds the service's collaborators.
type Deps struct {
	Embedder  BatchEmbedder
	Index     Searcher
	Generator Generator
	Indexer   Indexer
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

// Options configures the query path.
type Options struct {
	TopK            int
	Gate            GateOptions
	SearchTimeout   time.Duration
	GenerateTimeout time.Duration
	Instruction     string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:            DefaultTopK,
		Gate:            DefaultGateOptions(),
		SearchTimeout:   5 * time.Second,
		GenerateTimeout: 60 * time.Second,
	}
}

// QueryResult is what a caller gets back for a question.
type QueryResult struct {
	Answer        string            `json:"answer"`
	RelevantNotes []domain.Document `json:"relevantNotes"`
	// Relevant is false when the notes looked off topic; the answer should
	// then carry an "insufficient context" disclaimer.
	Relevant bool `json:"relevant"`
}

// Service exposes queryNotes, addDocument and reindexNote.
type Service struct {
	retriever *Retriever
	gate      *Gate
	synth     *Synthesizer
	indexer   Indexer
	topK      int
	log       *slog.Logger
	met       *Metrics
}

// New wires a Service from its collaborators.
func New(deps Deps, opts Options) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := NewMetrics(deps.Metrics)
	if opts.TopK < 1 {
		opts.TopK = DefaultTopK
	}
	return &Service{
		retriever: NewRetriever(deps.Embedder, deps.Index, opts.SearchTimeout, log, met),
		gate:      NewGate(deps.Embedder, opts.Gate, log, met),
		synth:     NewSynthesizer(deps.Generator, opts.Instruction, opts.GenerateTimeout),
		indexer:   deps.Indexer,
		topK:      opts.TopK,
		log:       log,
		met:       met,
	}
}

// QueryNotes answers query from userID's notes. A blank userID fails with
// domain.ErrAuthorizationMissing before any work starts. Synthesis failures
// are returned; relevance scoring failures are not.
func (s *Service) QueryNotes(ctx context.Context, query, userID string) (*QueryResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.met.duration.Since(start)

	ctx, span := tracer.Start(ctx, "rag.QueryNotes", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	docs, err := s.retrieve(ctx, query, userID)
	if err != nil {
		return nil, record(span, err)
	}

	// The gate only flags the answer, so it runs beside generation.
	gateCtx, cancelGate := context.WithCancel(ctx)
	defer cancelGate()
	verdict := make(chan Verdict, 1)
	go func() {
		gctx, gspan := tracer.Start(gateCtx, "rag.gate")
		defer gspan.End()
		v := s.gate.Evaluate(gctx, query, docs)
		gspan.SetAttributes(attribute.String("verdict", v.Reason), attribute.Float64("max_score", v.MaxScore))
		verdict <- v
	}()

	answer, err := s.synthesize(ctx, query, docs)
	if err != nil {
		s.met.synthFails.Inc()
		s.log.Error("rag: synthesis failed", "user_id", userID, "error", err)
		return nil, record(span, err)
	}

	var v Verdict
	select {
	case v = <-verdict:
	case <-ctx.Done():
		return nil, record(span, ctx.Err())
	}

	s.met.queries.Inc()
	s.log.Info("rag: query answered",
		"user_id", userID,
		"k", s.topK,
		"documents", len(docs),
		"relevant", v.Relevant,
		"verdict", v.Reason,
		"duration", time.Since(start),
	)
	return &QueryResult{Answer: answer.Text, RelevantNotes: answer.Citations, Relevant: v.Relevant}, nil
}

func (s *Service) retrieve(ctx context.Context, query, userID string) ([]domain.Document, error) {
	ctx, span := tracer.Start(ctx, "rag.retrieve")
	defer span.End()
	docs, err := s.retriever.Retrieve(ctx, query, userID, s.topK)
	if err != nil {
		return nil, record(span, err)
	}
	span.SetAttributes(attribute.Int("documents", len(docs)))
	return docs, nil
}

func (s *Service) synthesize(ctx context.Context, query string, docs []domain.Document) (Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.synthesize")
	defer span.End()
	a, err := s.synth.Synthesize(ctx, PrepareQuery(query), docs)
	if err != nil {
		return Answer{}, record(span, err)
	}
	return a, nil
}

// AddDocument indexes out-of-band content for meta.UserID.
func (s *Service) AddDocument(ctx context.Context, content string, meta domain.Metadata) (string, error) {
	if s.indexer == nil {
		return "", errors.New("rag: no indexer configured")
	}
	return s.indexer.AddDocument(ctx, content, meta)
}

// ReindexNote resyncs one note from the note store.
func (s *Service) ReindexNote(ctx context.Context, noteID string) error {
	if s.indexer == nil {
		return errors.New("rag: no indexer configured")
	}
	if err := s.indexer.Reindex(ctx, noteID); err != nil {
		return fmt.Errorf("rag: reindex: %w", err)
	}
	return nil
}

func record(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
