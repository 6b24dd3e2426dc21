// Command reindex rebuilds the vector index from the note store. With -note
// it instead asks a running indexer, over NATS, to resync a single note.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/engine/ingest"
	"github.com/WessleyAI/noterag/engine/notes"
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/config"
	"github.com/WessleyAI/noterag/pkg/fn"
	"github.com/WessleyAI/noterag/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func main() {
	var (
		noteID   = flag.String("note", "", "resync one note through the running indexer")
		pageSize = flag.Int("page", 200, "notes read per page")
		workers  = flag.Int("workers", 0, "concurrent notes (default SYNC_WORKERS)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *noteID != "" {
		err = requestOne(ctx, cfg, *noteID)
	} else {
		if *workers <= 0 {
			*workers = cfg.SyncWorkers
		}
		err = backfillAll(ctx, cfg, *pageSize, *workers, log)
	}
	if err != nil {
		log.Error("reindex failed", "error", err)
		os.Exit(1)
	}
}

func requestOne(ctx context.Context, cfg config.Config, noteID string) error {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("noterag-reindex"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	return requestReindex(ctx, nc, noteID)
}

// requestReindex asks the indexer listening on ingest.ReindexSubject to
// resync noteID and reports its outcome.
func requestReindex(ctx context.Context, nc *nats.Conn, noteID string) error {
	reply, err := natsutil.Request[ingest.ReindexRequest, ingest.ReindexReply](ctx, nc, ingest.ReindexSubject, ingest.ReindexRequest{NoteID: noteID})
	if err != nil {
		return fmt.Errorf("reindex %s: %w", noteID, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("reindex %s: %s", noteID, reply.Error)
	}
	slog.Info("note reindexed", "note_id", noteID)
	return nil
}

func backfillAll(ctx context.Context, cfg config.Config, pageSize, workers int, log *slog.Logger) error {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())

	index, err := semantic.Open(ctx, cfg.IndexBackend, cfg.QdrantURL, cfg.Collection, cfg.VectorDims)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()

	providers := cfg.NewProviders(cfg.NewProvider(), log)
	syncer := ingest.New(ingest.Deps{Embedder: providers.Embedder, Index: index, Logger: log}, ingest.DefaultOptions())

	st, err := backfill(ctx, notes.New(driver, cfg.Neo4jDB), syncer, pageSize, workers, log)
	log.Info("backfill finished", "notes", st.notes, "failed", st.failed)
	if err != nil {
		return err
	}
	if st.failed > 0 {
		return fmt.Errorf("%d of %d notes failed", st.failed, st.notes)
	}
	return nil
}

// walker pages through every note.
type walker interface {
	Walk(ctx context.Context, pageSize int, f func([]domain.Note) error) error
}

// handler applies a change event to the index.
type handler interface {
	Handle(ctx context.Context, ev domain.ChangeEvent) error
}

type stats struct {
	notes  int
	failed int
}

// backfill replays every note as a modification. Failures are retried, then
// logged and counted; they do not stop the walk.
func backfill(ctx context.Context, src walker, h handler, pageSize, workers int, log *slog.Logger) (stats, error) {
	retry := fn.DefaultRetry
	retry.Retryable = func(err error) bool { return domain.IsIndexError(err) }

	var st stats
	err := src.Walk(ctx, pageSize, func(page []domain.Note) error {
		results := fn.ParMapResult(page, workers, func(n domain.Note) fn.Result[string] {
			return fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[string] {
				ev := domain.ChangeEvent{Type: domain.ChangeModified, NoteID: n.ID, Note: &n}
				return fn.FromPair(n.ID, h.Handle(ctx, ev))
			})
		})
		for i, r := range results {
			st.notes++
			if _, err := r.Unwrap(); err != nil {
				st.failed++
				log.Warn("backfill: note failed", "note_id", page[i].ID, "error", err)
			}
		}
		log.Info("backfill: page done", "notes", st.notes, "failed", st.failed)
		return ctx.Err()
	})
	if errors.Is(err, context.Canceled) {
		log.Info("backfill interrupted")
	}
	return st, err
}
