package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/fn"
)

// NoteSource reads notes from the note store.
type NoteSource interface {
	// Get returns domain.ErrNoteNotFound when the note does not exist.
	Get(ctx context.Context, id string) (domain.Note, error)
}

// Deps holds the external dependencies of the Synchronizer.
type Deps struct {
	Embedder Embedder
	Index    Index
	Notes    NoteSource // needed by Reindex only
	Logger   *slog.Logger
	Metrics  *Metrics
	// OnFailure, if set, is told about every event whose processing failed
	// after it has been logged.
	OnFailure func(ctx context.Context, ev domain.ChangeEvent, err error)
}

// Options tunes the Synchronizer.
type Options struct {
	// Workers bounds how many notes are processed concurrently.
	Workers int
	// OpTimeout bounds the handling of a single event.
	OpTimeout time.Duration
	// FetchRetry governs note store reads during Reindex.
	FetchRetry fn.RetryOpts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Workers:    8,
		OpTimeout:  30 * time.Second,
		FetchRetry: fn.DefaultRetry,
	}
}

// Synchronizer keeps at most one vector per note in the index, following the
// note store's change stream.
type Synchronizer struct {
	deps     Deps
	opts     Options
	log      *slog.Logger
	met      *Metrics
	note     fn.Stage[domain.Note, string]
	document fn.Stage[Normalized, string]
}

// New creates a Synchronizer.
func New(deps Deps, opts Options) *Synchronizer {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = NewMetrics(nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.FetchRetry.MaxAttempts <= 0 {
		opts.FetchRetry = fn.DefaultRetry
	}
	return &Synchronizer{
		deps:     deps,
		opts:     opts,
		log:      log,
		met:      met,
		note:     NewPipeline(deps.Embedder, deps.Index),
		document: NewDocumentPipeline(deps.Embedder, deps.Index),
	}
}

// Handle applies one change event to the index. A skipped note is not an
// error.
func (s *Synchronizer) Handle(ctx context.Context, ev domain.ChangeEvent) error {
	if err := domain.ValidateEvent(ev); err != nil {
		return err
	}
	if s.opts.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.OpTimeout)
		defer cancel()
	}

	switch ev.Type {
	case domain.ChangeAdded, domain.ChangeModified:
		note := *ev.Note
		if note.ID == "" {
			note.ID = ev.NoteID
		}
		return s.upsert(ctx, note)
	default:
		return s.remove(ctx, ev.NoteID)
	}
}

func (s *Synchronizer) upsert(ctx context.Context, note domain.Note) error {
	_, err := s.note(ctx, note).Unwrap()
	if errors.Is(err, domain.ErrSkippedDocument) {
		s.met.skipped.Inc()
		s.log.Info("sync: note skipped", "note_id", note.ID, "user_id", note.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: upsert note %s: %w", note.ID, err)
	}
	return nil
}

// remove deletes by filter rather than by a remembered id so that any
// earlier duplicates go too.
func (s *Synchronizer) remove(ctx context.Context, noteID string) error {
	if err := s.deps.Index.DeleteByFilter(ctx, semantic.Filter{domain.KeyNoteID: noteID}); err != nil {
		return fmt.Errorf("sync: remove note %s: %w", noteID, err)
	}
	return nil
}

// Run consumes events until ctx is done or events is closed, then drains the
// events already accepted. Events of one note are handled in order; failures
// are logged and never stop the loop. Accepted events outlive ctx and are
// bounded by OpTimeout alone.
func (s *Synchronizer) Run(ctx context.Context, events <-chan domain.ChangeEvent) error {
	work := context.WithoutCancel(ctx)
	d := newDispatcher(s.opts.Workers, func(ev domain.ChangeEvent) { s.process(work, ev) })
	defer d.wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.submit(ev)
		}
	}
}

func (s *Synchronizer) process(ctx context.Context, ev domain.ChangeEvent) {
	start := time.Now()
	s.met.inflight.Inc()
	defer func() {
		s.met.inflight.Dec()
		s.met.duration.Since(start)
		if r := recover(); r != nil {
			s.fail(ctx, ev, fmt.Errorf("sync: panic: %v", r))
		}
	}()

	if err := s.Handle(ctx, ev); err != nil {
		s.fail(ctx, ev, err)
		return
	}
	s.met.event(ev.Type, "ok")
	s.log.Debug("sync: event applied", "event", ev.Type, "note_id", ev.NoteID, "duration", time.Since(start))
}

func (s *Synchronizer) fail(ctx context.Context, ev domain.ChangeEvent, err error) {
	s.met.event(ev.Type, "error")
	s.log.Error("sync: event failed", "event", ev.Type, "note_id", ev.NoteID, "error", err)
	if s.deps.OnFailure != nil {
		s.deps.OnFailure(ctx, ev, err)
	}
}

// Reindex re-reads a note from the store and re-runs the modified path. A
// note that no longer exists has its vectors removed and reports
// domain.ErrNoteNotFound. Safe to repeat.
func (s *Synchronizer) Reindex(ctx context.Context, noteID string) error {
	if strings.TrimSpace(noteID) == "" {
		return domain.NewValidationError("noteId", noteID, domain.ErrInvalidEvent)
	}
	if s.deps.Notes == nil {
		return errors.New("sync: reindex: no note source configured")
	}
	retry := s.opts.FetchRetry
	retry.Retryable = func(err error) bool { return !errors.Is(err, domain.ErrNoteNotFound) }

	note, err := fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[domain.Note] {
		return fn.FromPair(s.deps.Notes.Get(ctx, noteID))
	}).Unwrap()
	if errors.Is(err, domain.ErrNoteNotFound) {
		if rmErr := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeRemoved, NoteID: noteID}); rmErr != nil {
			s.log.Warn("sync: reindex cleanup failed", "note_id", noteID, "error", rmErr)
		}
		return fmt.Errorf("sync: reindex %s: %w", noteID, err)
	}
	if err != nil {
		return fmt.Errorf("sync: reindex %s: fetch: %w", noteID, err)
	}
	return s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeModified, NoteID: noteID, Note: &note})
}

// AddDocument indexes content that did not come through the note store and
// returns the id of the stored vector.
func (s *Synchronizer) AddDocument(ctx context.Context, content string, meta domain.Metadata) (string, error) {
	doc, err := NormalizeDocument(content, meta)
	if err != nil {
		return "", err
	}
	if s.opts.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.OpTimeout)
		defer cancel()
	}
	if err := s.checkOwner(ctx, meta); err != nil {
		return "", err
	}
	id, err := s.document(ctx, doc).Unwrap()
	if err != nil {
		return "", fmt.Errorf("sync: add document: %w", err)
	}
	s.log.Info("sync: document added", "point_id", id, "user_id", meta.UserID)
	return id, nil
}

// ownerScanLimit bounds how many of a note's vectors checkOwner inspects.
const ownerScanLimit = 16

// checkOwner refuses to replace vectors of a noteId that another user owns.
func (s *Synchronizer) checkOwner(ctx context.Context, meta domain.Metadata) error {
	if meta.NoteID == "" {
		return nil
	}
	existing, err := s.deps.Index.QueryByFilter(ctx, semantic.Filter{domain.KeyNoteID: meta.NoteID}, ownerScanLimit)
	if err != nil {
		return fmt.Errorf("sync: add document: %w", err)
	}
	for _, m := range existing {
		if m.Payload[domain.KeyUserID] != meta.UserID {
			return fmt.Errorf("sync: add document %s: %w", meta.NoteID, domain.ErrForbidden)
		}
	}
	return nil
}
