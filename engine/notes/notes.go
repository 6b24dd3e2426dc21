// Package notes reads user notes from the Neo4j note store.
package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/repo"
)

// Label is the node label notes are stored under.
const Label = "Note"

// Store is a read-only view of the note store.
type Store struct {
	r repo.Reader[domain.Note, string]
}

// New creates a Store over a Neo4j driver.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return NewWithReader(repo.NewNeo4jRepo[domain.Note, string](driver, Label, FromRecord,
		repo.WithDatabase[domain.Note, string](database),
	))
}

// NewWithReader creates a Store over any reader.
func NewWithReader(r repo.Reader[domain.Note, string]) *Store {
	return &Store{r: r}
}

// Get returns the note with id, or domain.ErrNoteNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Note, error) {
	n, err := s.r.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Note{}, fmt.Errorf("notes: %s: %w", id, domain.ErrNoteNotFound)
	}
	if err != nil {
		return domain.Note{}, fmt.Errorf("notes: get %s: %w", id, err)
	}
	return n, nil
}

// Page returns up to limit notes after offset, ordered by id. An empty
// userID lists every user's notes.
func (s *Store) Page(ctx context.Context, userID string, offset, limit int) ([]domain.Note, error) {
	opts := repo.ListOpts{Offset: offset, Limit: limit}
	if userID != "" {
		opts.Filter = map[string]any{"userId": userID}
	}
	notes, err := s.r.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("notes: list: %w", err)
	}
	return notes, nil
}

// Walk calls f for every note page by page until a short page or an error.
func (s *Store) Walk(ctx context.Context, pageSize int, f func([]domain.Note) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.Page(ctx, "", offset, pageSize)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := f(page); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// FromRecord decodes a record whose first value is a Note node.
func FromRecord(rec *neo4j.Record) (domain.Note, error) {
	if rec == nil || len(rec.Values) == 0 {
		return domain.Note{}, errors.New("notes: empty record")
	}
	var props map[string]any
	switch v := rec.Values[0].(type) {
	case neo4j.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return domain.Note{}, fmt.Errorf("notes: unexpected record value %T", v)
	}

	n := domain.Note{
		ID:      str(props["id"]),
		UserID:  str(props["userId"]),
		Title:   str(props["title"]),
		Content: str(props["content"]),
	}
	if n.ID == "" {
		return domain.Note{}, errors.New("notes: node without id")
	}
	var err error
	if n.CreatedAt, err = timestamp(props["createdAt"]); err != nil {
		return domain.Note{}, fmt.Errorf("notes: %s createdAt: %w", n.ID, err)
	}
	if n.UpdatedAt, err = timestamp(props["updatedAt"]); err != nil {
		return domain.Note{}, fmt.Errorf("notes: %s updatedAt: %w", n.ID, err)
	}
	return n, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// timestamp accepts driver temporal values, RFC 3339 strings and epoch
// milliseconds.
func timestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case neo4j.LocalDateTime:
		return t.Time().UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, t)
	case int64:
		return time.UnixMilli(t).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}
