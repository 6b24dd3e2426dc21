package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/fn"
)

// letterEmbedder embeds text as letter frequencies.
type letterEmbedder struct {
	calls atomic.Int64
	err   error
}

func (e *letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

// flakyIndex fails every write that touches a note id in failFor.
type flakyIndex struct {
	*semantic.MemoryStore
	failFor string
}

func (f *flakyIndex) Upsert(ctx context.Context, recs []semantic.VectorRecord) error {
	for _, r := range recs {
		if r.Payload[domain.KeyNoteID] == f.failFor {
			return &domain.IndexError{Op: "upsert", Err: errors.New("boom")}
		}
	}
	return f.MemoryStore.Upsert(ctx, recs)
}

type mapNotes struct {
	mu       sync.Mutex
	notes    map[string]domain.Note
	failures int
	calls    int
}

func (m *mapNotes) Get(_ context.Context, id string) (domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return domain.Note{}, errors.New("store unavailable")
	}
	n, ok := m.notes[id]
	if !ok {
		return domain.Note{}, domain.ErrNoteNotFound
	}
	return n, nil
}

func note(id, user, title, content string) *domain.Note {
	return &domain.Note{ID: id, UserID: user, Title: title, Content: content, UpdatedAt: time.Now()}
}

func newTestSync(idx Index) (*Synchronizer, *letterEmbedder) {
	emb := &letterEmbedder{}
	s := New(Deps{Embedder: emb, Index: idx}, Options{Workers: 4, OpTimeout: time.Second})
	return s, emb
}

func noteMatches(t *testing.T, store *semantic.MemoryStore, noteID string) []semantic.Match {
	t.Helper()
	got, err := store.QueryByFilter(context.Background(), semantic.Filter{domain.KeyNoteID: noteID}, 100)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestHandleAddedThenModifiedKeepsOneVector(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	events := []domain.ChangeEvent{
		{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "Trip", "v0")},
		{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "Trip", "v1")},
		{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "Trip", "v2")},
		{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "Trip plan", "v3")},
	}
	for _, ev := range events {
		if err := s.Handle(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got := noteMatches(t, store, "n1")
	if len(got) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(got))
	}
	doc := got[0].Payload
	if doc[domain.KeyTitle] != "Trip plan" || doc[domain.KeyContent] != "Trip plan\n\nv3" {
		t.Fatalf("vector does not reflect last event: %+v", doc)
	}
}

func TestHandleReplacesStrayDuplicates(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	stray := semantic.VectorRecord{ID: "stray", Embedding: []float32{1}, Payload: map[string]string{domain.KeyNoteID: "n1", domain.KeyUserID: "u1"}}
	if err := store.Upsert(ctx, []semantic.VectorRecord{stray}); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "T", "c")}); err != nil {
		t.Fatal(err)
	}
	got := noteMatches(t, store, "n1")
	if len(got) != 1 || got[0].ID != PointID("n1") {
		t.Fatalf("expected only the note's own vector, got %+v", got)
	}
}

func TestHandleReplacesManyStrayDuplicates(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	var strays []semantic.VectorRecord
	for i := 0; i < 40; i++ {
		strays = append(strays, semantic.VectorRecord{
			ID:        fmt.Sprintf("stray-%d", i),
			Embedding: []float32{1},
			Payload:   map[string]string{domain.KeyNoteID: "n1", domain.KeyUserID: "u1"},
		})
	}
	if err := store.Upsert(ctx, strays); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "T", "c")}); err != nil {
		t.Fatal(err)
	}
	if got := noteMatches(t, store, "n1"); len(got) != 1 {
		t.Fatalf("expected 1 vector after one replace, got %d", len(got))
	}
}

func TestHandleRemovedDeletesAll(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "T", "c")})
	s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n2", Note: note("n2", "u1", "T", "c")})
	store.Upsert(ctx, []semantic.VectorRecord{{ID: "dup", Embedding: []float32{1}, Payload: map[string]string{domain.KeyNoteID: "n1"}}})

	if err := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeRemoved, NoteID: "n1"}); err != nil {
		t.Fatal(err)
	}
	if got := noteMatches(t, store, "n1"); len(got) != 0 {
		t.Fatalf("expected 0 vectors after removal, got %d", len(got))
	}
	if got := noteMatches(t, store, "n2"); len(got) != 1 {
		t.Fatal("removal touched another note")
	}
}

func TestHandleSkippedIsNotAnError(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, emb := newTestSync(store)

	err := s.Handle(context.Background(), domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "Title", "   ")})
	if err != nil {
		t.Fatalf("skipped note returned %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("skipped note was indexed")
	}
	if emb.calls.Load() != 0 {
		t.Fatal("skipped note was embedded")
	}
	if s.met.skipped.Value() != 1 {
		t.Fatalf("skipped counter = %d", s.met.skipped.Value())
	}
}

func TestHandleModifiedToBlankKeepsPreviousVector(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "T", "c")})
	s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "T", "")})
	if got := noteMatches(t, store, "n1"); len(got) != 1 {
		t.Fatalf("expected previous vector to stay, got %d", len(got))
	}
}

func TestHandleFillsNoteIDFromEvent(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)

	n := note("", "u1", "T", "c")
	if err := s.Handle(context.Background(), domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n5", Note: n}); err != nil {
		t.Fatal(err)
	}
	if got := noteMatches(t, store, "n5"); len(got) != 1 {
		t.Fatal("note id not taken from event")
	}
}

func TestHandleRejectsInvalidEvents(t *testing.T) {
	s, _ := newTestSync(semantic.NewMemoryStore())
	bad := []domain.ChangeEvent{
		{Type: domain.ChangeAdded, NoteID: ""},
		{Type: domain.ChangeAdded, NoteID: "n1"},
		{Type: "renamed", NoteID: "n1"},
	}
	for _, ev := range bad {
		if err := s.Handle(context.Background(), ev); !errors.Is(err, domain.ErrInvalidEvent) {
			t.Fatalf("%+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}
}

func TestHandleEmbeddingFailure(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, emb := newTestSync(store)
	emb.err = errors.New("provider down")

	err := s.Handle(context.Background(), domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "T", "c")})
	var ee *domain.EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestRunOrdersEventsPerNote(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)

	events := make(chan domain.ChangeEvent)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), events) }()

	for i := 0; i < 20; i++ {
		for _, id := range []string{"a", "b", "c"} {
			typ := domain.ChangeModified
			if i == 0 {
				typ = domain.ChangeAdded
			}
			events <- domain.ChangeEvent{Type: typ, NoteID: id, Note: note(id, "u1", "T", fmt.Sprintf("rev%d", i))}
		}
	}
	close(events)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"a", "b", "c"} {
		got := noteMatches(t, store, id)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 vector, got %d", id, len(got))
		}
		if got[0].Payload[domain.KeyContent] != "T\n\nrev19" {
			t.Fatalf("%s: last write lost: %q", id, got[0].Payload[domain.KeyContent])
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	store := semantic.NewMemoryStore()
	idx := &flakyIndex{MemoryStore: store, failFor: "bad"}

	var mu sync.Mutex
	var failed []string
	s := New(Deps{
		Embedder: &letterEmbedder{},
		Index:    idx,
		OnFailure: func(_ context.Context, ev domain.ChangeEvent, _ error) {
			mu.Lock()
			failed = append(failed, ev.NoteID)
			mu.Unlock()
		},
	}, Options{Workers: 2})

	events := make(chan domain.ChangeEvent, 3)
	events <- domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "bad", Note: note("bad", "u1", "T", "c")}
	events <- domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "good", Note: note("good", "u1", "T", "c")}
	events <- domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "", Note: note("", "u1", "T", "c")}
	close(events)

	if err := s.Run(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if got := noteMatches(t, store, "good"); len(got) != 1 {
		t.Fatal("a failing note blocked another note")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures reported, got %v", failed)
	}
}

type panicEmbedder struct{}

func (panicEmbedder) Embed(context.Context, string) ([]float32, error) { panic("kaboom") }

func TestRunRecoversPanics(t *testing.T) {
	var failures atomic.Int64
	s := New(Deps{
		Embedder:  panicEmbedder{},
		Index:     semantic.NewMemoryStore(),
		OnFailure: func(context.Context, domain.ChangeEvent, error) { failures.Add(1) },
	}, Options{Workers: 1})

	events := make(chan domain.ChangeEvent, 1)
	events <- domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "T", "c")}
	close(events)
	if err := s.Run(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if failures.Load() != 1 {
		t.Fatal("panic not reported as failure")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestSync(semantic.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan domain.ChangeEvent)) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// slowEmbedder delays every call and gives up when ctx ends.
type slowEmbedder struct {
	letterEmbedder
	delay time.Duration
}

func (e *slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.letterEmbedder.Embed(ctx, text)
}

func TestRunDrainsQueueOnCancel(t *testing.T) {
	store := semantic.NewMemoryStore()
	var failures atomic.Int64
	s := New(Deps{
		Embedder:  &slowEmbedder{delay: 20 * time.Millisecond},
		Index:     store,
		OnFailure: func(context.Context, domain.ChangeEvent, error) { failures.Add(1) },
	}, Options{Workers: 1, OpTimeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.ChangeEvent)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	for i := 0; i < 5; i++ {
		events <- domain.ChangeEvent{Type: domain.ChangeModified, NoteID: "n1", Note: note("n1", "u1", "Trip", fmt.Sprintf("v%d", i))}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain")
	}
	if n := failures.Load(); n != 0 {
		t.Fatalf("%d queued events failed on shutdown", n)
	}
	got := noteMatches(t, store, "n1")
	if len(got) != 1 || got[0].Payload[domain.KeyContent] != "Trip\n\nv4" {
		t.Fatalf("queue not drained in order: %+v", got)
	}
}

func fastRetry() fn.RetryOpts {
	return fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func TestReindex(t *testing.T) {
	store := semantic.NewMemoryStore()
	notes := &mapNotes{notes: map[string]domain.Note{"n1": *note("n1", "u1", "Trip", "current")}, failures: 1}
	s := New(Deps{Embedder: &letterEmbedder{}, Index: store, Notes: notes}, Options{FetchRetry: fastRetry()})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Reindex(ctx, "n1"); err != nil {
			t.Fatal(err)
		}
	}
	got := noteMatches(t, store, "n1")
	if len(got) != 1 || got[0].Payload[domain.KeyContent] != "Trip\n\ncurrent" {
		t.Fatalf("unexpected index state: %+v", got)
	}
	if notes.calls != 3 {
		t.Fatalf("expected one retried fetch plus one, got %d calls", notes.calls)
	}
}

func TestReindexMissingNoteRemovesVectors(t *testing.T) {
	store := semantic.NewMemoryStore()
	notes := &mapNotes{notes: map[string]domain.Note{}}
	s := New(Deps{Embedder: &letterEmbedder{}, Index: store, Notes: notes}, Options{FetchRetry: fastRetry()})
	ctx := context.Background()

	store.Upsert(ctx, []semantic.VectorRecord{{ID: PointID("gone"), Embedding: []float32{1}, Payload: map[string]string{domain.KeyNoteID: "gone"}}})

	err := s.Reindex(ctx, "gone")
	if !errors.Is(err, domain.ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
	if notes.calls != 1 {
		t.Fatalf("not-found must not be retried, got %d calls", notes.calls)
	}
	if store.Len() != 0 {
		t.Fatal("stale vector left behind")
	}
}

func TestReindexRequiresNoteID(t *testing.T) {
	s := New(Deps{Embedder: &letterEmbedder{}, Index: semantic.NewMemoryStore(), Notes: &mapNotes{}}, Options{})
	if err := s.Reindex(context.Background(), " "); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestAddDocument(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	if _, err := s.AddDocument(ctx, "text", domain.Metadata{}); !errors.Is(err, domain.ErrAuthorizationMissing) {
		t.Fatalf("expected ErrAuthorizationMissing, got %v", err)
	}

	id1, err := s.AddDocument(ctx, "scanned receipt", domain.Metadata{UserID: "u1", Extra: map[string]string{"source": "scan"}})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.AddDocument(ctx, "scanned receipt", domain.Metadata{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 || store.Len() != 2 {
		t.Fatal("free-standing documents must not replace each other")
	}

	s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "u1", "T", "c")})
	id3, err := s.AddDocument(ctx, "transcript", domain.Metadata{UserID: "u1", NoteID: "n1"})
	if err != nil {
		t.Fatal(err)
	}
	if id3 != PointID("n1") {
		t.Fatal("document with a noteId must take the note's slot")
	}
	if got := noteMatches(t, store, "n1"); len(got) != 1 || got[0].Payload[domain.KeyContent] != "transcript" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestAddDocumentCannotTakeAnotherUsersNote(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	if err := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "alice", "Diary", "private")}); err != nil {
		t.Fatal(err)
	}
	_, err := s.AddDocument(ctx, "overwritten", domain.Metadata{UserID: "mallory", NoteID: "n1"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got := noteMatches(t, store, "n1")
	if len(got) != 1 || got[0].Payload[domain.KeyUserID] != "alice" {
		t.Fatalf("alice's vector was touched: %+v", got)
	}
}

func TestAddDocumentRejectsReservedExtraKeys(t *testing.T) {
	store := semantic.NewMemoryStore()
	s, _ := newTestSync(store)
	ctx := context.Background()

	if err := s.Handle(ctx, domain.ChangeEvent{Type: domain.ChangeAdded, NoteID: "n1", Note: note("n1", "alice", "Diary", "private")}); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{domain.KeyNoteID, domain.KeyUserID, domain.KeyContent, domain.KeyTitle} {
		_, err := s.AddDocument(ctx, "hijack", domain.Metadata{UserID: "mallory", Extra: map[string]string{key: "n1"}})
		if !errors.Is(err, domain.ErrInvalidEvent) {
			t.Fatalf("extra.%s: expected ErrInvalidEvent, got %v", key, err)
		}
	}
	got := noteMatches(t, store, "n1")
	if len(got) != 1 || got[0].Payload[domain.KeyUserID] != "alice" {
		t.Fatalf("n1 must keep exactly alice's vector: %+v", got)
	}
	if store.Len() != 1 {
		t.Fatalf("rejected documents were stored: %d vectors", store.Len())
	}
}
