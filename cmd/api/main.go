// Package main implements the noterag API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/ingest"
	"github.com/WessleyAI/noterag/engine/notes"
	"github.com/WessleyAI/noterag/engine/rag"
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/config"
	"github.com/WessleyAI/noterag/pkg/metrics"
	"github.com/WessleyAI/noterag/pkg/mid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// maxBody caps request bodies; documents are truncated well below this.
const maxBody = 1 << 20

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Neo4j (note store, used by reindex) ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())

	// --- Open the vector index ---
	index, err := semantic.Open(ctx, cfg.IndexBackend, cfg.QdrantURL, cfg.Collection, cfg.VectorDims)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()

	// --- Build services ---
	reg := metrics.New()
	providers := cfg.NewProviders(cfg.NewProvider(), logger)
	opts := ingest.DefaultOptions()
	opts.Workers = cfg.SyncWorkers
	syncer := ingest.New(ingest.Deps{
		Embedder: providers.Embedder,
		Index:    index,
		Notes:    notes.New(driver, cfg.Neo4jDB),
		Logger:   logger,
		Metrics:  ingest.NewMetrics(reg),
	}, opts)

	ragOpts := rag.DefaultOptions()
	ragOpts.TopK = cfg.TopK
	ragOpts.Gate.Primary = cfg.RelevancePrimary
	ragOpts.Gate.Secondary = cfg.RelevanceSecondary
	ragOpts.Gate.Timeout = cfg.EmbedTimeout
	ragOpts.SearchTimeout = cfg.IndexTimeout
	ragOpts.GenerateTimeout = cfg.GenerateTimeout
	svc := rag.New(rag.Deps{
		Embedder:  providers.Embedder,
		Index:     index,
		Generator: providers.Generator,
		Indexer:   syncer,
		Logger:    logger,
		Metrics:   reg,
	}, ragOpts)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(svc, mid.NewVerifier(cfg.JWTSecret), reg, cfg.CORSOrigin, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenerateTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "index", cfg.IndexBackend, "provider", cfg.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// service is the part of rag.Service the handlers call.
type service interface {
	QueryNotes(ctx context.Context, query, userID string) (*rag.QueryResult, error)
	AddDocument(ctx context.Context, content string, meta domain.Metadata) (string, error)
	ReindexNote(ctx context.Context, noteID string) error
}

func newHandler(svc service, v *mid.Verifier, reg *metrics.Registry, corsOrigin string, logger *slog.Logger) http.Handler {
	authed := func(route string, h http.HandlerFunc) http.Handler {
		return mid.Chain(h, mid.Metrics(reg, route), mid.Auth(v))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.Handle("POST /api/query", authed("query", handleQuery(svc, logger)))
	mux.Handle("POST /api/documents", authed("documents", handleAddDocument(svc, logger)))
	mux.Handle("POST /api/notes/{id}/reindex", authed("reindex", handleReindex(svc, logger)))

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(corsOrigin),
		mid.OTel("noterag-api"),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Query string `json:"query"`
}

func handleQuery(svc service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decode(w, r, &req) {
			return
		}
		userID, _ := mid.UserFromContext(r.Context())
		res, err := svc.QueryNotes(r.Context(), req.Query, userID)
		if err != nil {
			writeError(w, r, logger, "query failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// DocumentRequest is the JSON body for POST /api/documents.
type DocumentRequest struct {
	Content  string          `json:"content"`
	Metadata domain.Metadata `json:"metadata"`
}

// DocumentResponse reports the id of the stored vector.
type DocumentResponse struct {
	ID string `json:"id"`
}

func handleAddDocument(svc service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentRequest
		if !decode(w, r, &req) {
			return
		}
		meta := req.Metadata
		// Ownership comes from the token, whatever the body claims.
		meta.UserID, _ = mid.UserFromContext(r.Context())
		id, err := svc.AddDocument(r.Context(), req.Content, meta)
		if err != nil {
			writeError(w, r, logger, "add document failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, DocumentResponse{ID: id})
	}
}

func handleReindex(svc service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ReindexNote(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, r, logger, "reindex failed", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusClientClosed is nginx's code for a request the client abandoned.
const statusClientClosed = 499

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) int {
	var synth *domain.SynthesisError
	switch {
	case errors.Is(err, domain.ErrAuthorizationMissing):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrSkippedDocument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoteNotFound):
		return http.StatusNotFound
	case errors.As(err, &synth):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with err's status. Server-side failures are logged and
// their details withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	code := statusFor(err)
	text := err.Error()
	switch {
	case code == statusClientClosed:
		text = "client closed request"
	case code >= 500:
		logger.Error(msg, "error", err, "request_id", mid.RequestIDFrom(r.Context()))
		text = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": text})
}
