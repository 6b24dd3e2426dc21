package notes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/repo"
)

type fakeReader struct {
	notes []domain.Note
	opts  []repo.ListOpts
	err   error
}

func (f *fakeReader) Get(_ context.Context, id string) (domain.Note, error) {
	if f.err != nil {
		return domain.Note{}, f.err
	}
	for _, n := range f.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return domain.Note{}, fmt.Errorf("Note %s: %w", id, repo.ErrNotFound)
}

func (f *fakeReader) List(_ context.Context, opts repo.ListOpts) ([]domain.Note, error) {
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	if opts.Offset >= len(f.notes) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(f.notes) {
		end = len(f.notes)
	}
	return f.notes[opts.Offset:end], nil
}

func seeded(n int) *fakeReader {
	f := &fakeReader{}
	for i := 0; i < n; i++ {
		f.notes = append(f.notes, domain.Note{ID: fmt.Sprintf("n%02d", i), UserID: "u1"})
	}
	return f
}

func TestGetMapsNotFound(t *testing.T) {
	s := NewWithReader(seeded(1))
	if _, err := s.Get(context.Background(), "n00"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "zz"); !errors.Is(err, domain.ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}

	s = NewWithReader(&fakeReader{err: errors.New("db down")})
	_, err := s.Get(context.Background(), "x")
	if err == nil || errors.Is(err, domain.ErrNoteNotFound) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestPageFiltersByUser(t *testing.T) {
	f := seeded(3)
	s := NewWithReader(f)
	if _, err := s.Page(context.Background(), "u1", 0, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Page(context.Background(), "", 0, 10); err != nil {
		t.Fatal(err)
	}
	if f.opts[0].Filter["userId"] != "u1" {
		t.Fatalf("filter = %v", f.opts[0].Filter)
	}
	if f.opts[1].Filter != nil {
		t.Fatal("empty user must not filter")
	}
}

func TestWalkVisitsEveryNote(t *testing.T) {
	s := NewWithReader(seeded(7))
	var seen []string
	var pages int
	err := s.Walk(context.Background(), 3, func(page []domain.Note) error {
		pages++
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 7 || pages != 3 {
		t.Fatalf("seen %d notes in %d pages", len(seen), pages)
	}
}

func TestWalkStopsOnError(t *testing.T) {
	s := NewWithReader(seeded(10))
	stop := errors.New("stop")
	calls := 0
	err := s.Walk(context.Background(), 2, func([]domain.Note) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestFromRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &neo4j.Record{
		Keys: []string{"n"},
		Values: []any{neo4j.Node{Props: map[string]any{
			"id":        "n1",
			"userId":    "u1",
			"title":     "Trip plan",
			"content":   "Flight at 9am",
			"createdAt": created,
			"updatedAt": "2026-03-02T10:00:00Z",
		}}},
	}
	n, err := FromRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "n1" || n.UserID != "u1" || n.Title != "Trip plan" || n.Content != "Flight at 9am" {
		t.Fatalf("got %+v", n)
	}
	if !n.CreatedAt.Equal(created) || n.UpdatedAt.Day() != 2 {
		t.Fatalf("timestamps %v %v", n.CreatedAt, n.UpdatedAt)
	}

	ms := &neo4j.Record{Values: []any{map[string]any{"id": "n2", "updatedAt": int64(1700000000000)}}}
	n, err = FromRecord(ms)
	if err != nil {
		t.Fatal(err)
	}
	if n.UpdatedAt.Unix() != 1700000000 {
		t.Fatalf("epoch millis decoded as %v", n.UpdatedAt)
	}
}

func TestFromRecordRejects(t *testing.T) {
	bad := []*neo4j.Record{
		nil,
		{},
		{Values: []any{42}},
		{Values: []any{map[string]any{"title": "no id"}}},
		{Values: []any{map[string]any{"id": "n", "createdAt": 3.5}}},
		{Values: []any{map[string]any{"id": "n", "updatedAt": "yesterday"}}},
	}
	for i, rec := range bad {
		if _, err := FromRecord(rec); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
