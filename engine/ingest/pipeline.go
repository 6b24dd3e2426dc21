// Package ingest keeps the vector index in step with the note store: it
// normalizes notes, embeds them and replaces their vectors as change events
// arrive.
package ingest

import (
	"context"
	"errors"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/fn"
)

// Embedder maps text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the part of the vector index the synchronizer writes to.
type Index interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	QueryByFilter(ctx context.Context, filter semantic.Filter, limit int) ([]semantic.Match, error)
	DeleteByFilter(ctx context.Context, filter semantic.Filter) error
}

// Embedded is a normalized document with its vector.
type Embedded struct {
	Normalized
	Vector []float32
}

// NormalizeNote is the first pipeline stage.
var NormalizeNote fn.Stage[domain.Note, Normalized] = func(_ context.Context, n domain.Note) fn.Result[Normalized] {
	return fn.FromPair(Normalize(n))
}

// NewEmbed creates a stage that embeds the normalized text.
func NewEmbed(e Embedder) fn.Stage[Normalized, Embedded] {
	return func(ctx context.Context, doc Normalized) fn.Result[Embedded] {
		vec, err := e.Embed(ctx, doc.Text)
		if err != nil {
			return fn.Err[Embedded](&domain.EmbeddingError{Err: err})
		}
		if len(vec) == 0 {
			return fn.Err[Embedded](&domain.EmbeddingError{Err: errors.New("empty vector")})
		}
		return fn.Ok(Embedded{Normalized: doc, Vector: vec})
	}
}

// NewReplace creates the stage that swaps a note's vector: delete whatever
// the index holds for the noteId, then insert. The two steps are separate
// index calls, so a concurrent reader may briefly see zero vectors.
func NewReplace(idx Index) fn.Stage[Embedded, string] {
	return func(ctx context.Context, doc Embedded) fn.Result[string] {
		if noteID := doc.Metadata.NoteID; noteID != "" {
			if err := idx.DeleteByFilter(ctx, semantic.Filter{domain.KeyNoteID: noteID}); err != nil {
				return fn.Err[string](err)
			}
		}

		rec := semantic.VectorRecord{
			ID:        doc.PointID,
			Embedding: doc.Vector,
			Payload:   doc.Metadata.Payload(doc.Text),
		}
		if err := idx.Upsert(ctx, []semantic.VectorRecord{rec}); err != nil {
			return fn.Err[string](err)
		}
		return fn.Ok(doc.PointID)
	}
}

// NewDocumentPipeline embeds and stores an already-normalized document.
func NewDocumentPipeline(e Embedder, idx Index) fn.Stage[Normalized, string] {
	return fn.Then(
		fn.TracedStage("ingest.embed", NewEmbed(e)),
		fn.TracedStage("ingest.replace", NewReplace(idx)),
	)
}

// NewPipeline composes Normalize -> Embed -> Replace for a note.
func NewPipeline(e Embedder, idx Index) fn.Stage[domain.Note, string] {
	return fn.Then(fn.TracedStage("ingest.normalize", NormalizeNote), NewDocumentPipeline(e, idx))
}
