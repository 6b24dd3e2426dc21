package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

func (m *mockResult) Err() error { return m.err }

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunner) Close(context.Context) error { m.closed++; return nil }

type entity struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner, opts ...Neo4jOption[entity, string]) *Neo4jRepo[entity, string] {
	repo := NewNeo4jRepo[entity, string](nil, "Entity",
		func(rec *neo4j.Record) (entity, error) {
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return entity{}, errors.New("bad type")
			}
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
		opts...,
	)
	repo.newSession = func(context.Context) runner { return r }
	return repo
}

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[entity, string](nil, "Node", nil)
	if r.idKey != "id" || r.orderKey != "id" {
		t.Fatalf("unexpected keys %q %q", r.idKey, r.orderKey)
	}
	r = NewNeo4jRepo[entity, string](nil, "Node", nil, WithIDKey[entity, string]("uuid"), WithDatabase[entity, string]("notes"))
	if r.idKey != "uuid" || r.orderKey != "uuid" || r.database != "notes" {
		t.Fatalf("options not applied: %+v", r)
	}
}

func TestGet(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "Alice")}}}
	e, err := newTestRepo(r).Get(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "1" || e.Name != "Alice" {
		t.Fatalf("got %+v", e)
	}
	if r.closed != 1 {
		t.Fatal("session not closed")
	}
	if !strings.Contains(r.cyphers[0], "MATCH (n:Entity {id: $id})") {
		t.Fatalf("cypher = %s", r.cyphers[0])
	}
}

func TestGetNotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{result: &mockResult{}}).Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetErrors(t *testing.T) {
	_, err := newTestRepo(&mockRunner{err: errors.New("db down")}).Get(context.Background(), "x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected db error, got %v", err)
	}
	_, err = newTestRepo(&mockRunner{result: &mockResult{err: errors.New("stream broke")}}).Get(context.Background(), "x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestListPagesInOrder(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "A"), makeRecord("2", "B")}}}
	items, err := newTestRepo(r, WithOrderKey[entity, string]("name")).List(context.Background(), ListOpts{Offset: 20, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].Name != "B" {
		t.Fatalf("got %+v", items)
	}
	if !strings.Contains(r.cyphers[0], "ORDER BY n.name SKIP $offset LIMIT $limit") {
		t.Fatalf("cypher = %s", r.cyphers[0])
	}
	if r.params[0]["offset"] != 20 || r.params[0]["limit"] != 10 {
		t.Fatalf("params = %v", r.params[0])
	}
}

func TestListDefaultLimitAndFilter(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	_, err := newTestRepo(r).List(context.Background(), ListOpts{Filter: map[string]any{"userId": "u1", "archived": false}})
	if err != nil {
		t.Fatal(err)
	}
	want := "MATCH (n:Entity) WHERE n.archived = $f_archived AND n.userId = $f_userId RETURN n"
	if !strings.HasPrefix(r.cyphers[0], want) {
		t.Fatalf("cypher = %s", r.cyphers[0])
	}
	if r.params[0]["limit"] != defaultListLimit || r.params[0]["f_userId"] != "u1" {
		t.Fatalf("params = %v", r.params[0])
	}
}

func TestListRejectsUnsafeFilterKey(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	_, err := newTestRepo(r).List(context.Background(), ListOpts{Filter: map[string]any{"x}) DETACH DELETE n //": 1}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.cyphers) != 0 {
		t.Fatal("query ran with an unsafe key")
	}
}

func TestListErrors(t *testing.T) {
	if _, err := newTestRepo(&mockRunner{err: errors.New("down")}).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected run error")
	}
	bad := &mockRunner{result: &mockResult{records: []*neo4j.Record{{Values: []any{"nope"}, Keys: []string{"n"}}}}}
	if _, err := newTestRepo(bad).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected decode error")
	}
	broken := &mockRunner{result: &mockResult{err: errors.New("stream broke")}}
	if _, err := newTestRepo(broken).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected stream error")
	}
}
