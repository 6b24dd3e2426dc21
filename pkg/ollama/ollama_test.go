package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "nomic-embed-text", "llama3", srv.Client())
}

func TestEmbed(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req embedReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"embedding":[0.5,-1,2]}`))
	})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -1 {
		t.Fatalf("got %v", vec)
	}
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedReq
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(embedResp{Embedding: []float64{float64(len(req.Prompt))}})
	})

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 || vecs[0][0] != 1 || vecs[1][0] != 3 || vecs[2][0] != 2 {
		t.Fatalf("got %v", vecs)
	}
}

func TestEmbedErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		},
		"decode": func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("{")) },
		"empty":  func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`{"embedding":[]}`)) },
	}
	for name, h := range cases {
		c := newServer(t, h)
		if _, err := c.Embed(context.Background(), "x"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if _, err := c.EmbedBatch(context.Background(), []string{"x"}); err == nil {
			t.Fatalf("%s: expected batch error", name)
		}
	}
}

func TestEmbedStatusCarriesBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	_, err := c.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.Model != "llama3" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(generateResp{Response: "At 9am.", Done: true})
	})

	out, err := c.Generate(context.Background(), "when?")
	if err != nil {
		t.Fatal(err)
	}
	if out != "At 9am." {
		t.Fatalf("got %q", out)
	}
}

func TestGenerateCancelled(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`{"response":"x"}`)) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, "p"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
