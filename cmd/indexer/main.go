// Command indexer keeps the vector index in step with the note store. It
// consumes note change events from NATS, answers reindex requests and
// exposes Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
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
	"github.com/WessleyAI/noterag/engine/semantic"
	"github.com/WessleyAI/noterag/pkg/config"
	"github.com/WessleyAI/noterag/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// eventBuffer is how many decoded events may wait for the dispatcher.
const eventBuffer = 256

func main() {
	metricsAddr := flag.String("metrics", ":9091", "metrics listen address")
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

	if err := run(cfg, *metricsAddr, log); err != nil {
		log.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, metricsAddr string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Neo4j
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	log.Info("connected to Neo4j")

	// Open the vector index
	index, err := semantic.Open(ctx, cfg.IndexBackend, cfg.QdrantURL, cfg.Collection, cfg.VectorDims)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()
	log.Info("vector index ready", "backend", cfg.IndexBackend, "collection", cfg.Collection, "dims", cfg.VectorDims)

	// Connect NATS
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("noterag-indexer"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	reg := metrics.New()
	providers := cfg.NewProviders(cfg.NewProvider(), log)
	opts := ingest.DefaultOptions()
	opts.Workers = cfg.SyncWorkers
	syncer := ingest.New(ingest.Deps{
		Embedder:  providers.Embedder,
		Index:     index,
		Notes:     notes.New(driver, cfg.Neo4jDB),
		Logger:    log,
		Metrics:   ingest.NewMetrics(reg),
		OnFailure: ingest.NewDLQPublisher(nc, ingest.DLQSubject, log),
	}, opts)

	msrv := &http.Server{Addr: metricsAddr, Handler: reg.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msrv.Shutdown(shutCtx)
	}()

	return serve(ctx, nc, syncer, cfg.NotesSubject, log)
}

// serve wires the NATS subscriptions to syncer and blocks until ctx is done.
func serve(ctx context.Context, nc *nats.Conn, syncer *ingest.Synchronizer, subject string, log *slog.Logger) error {
	events := make(chan domain.ChangeEvent, eventBuffer)
	sub, err := ingest.StartConsumer(ctx, nc, subject, events, log)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	rsub, err := ingest.ServeReindex(nc, ingest.ReindexSubject, syncer)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.ReindexSubject, err)
	}
	defer rsub.Unsubscribe()

	log.Info("indexer consuming", "subject", subject, "reindex_subject", ingest.ReindexSubject)
	err = syncer.Run(ctx, events)
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown signal received")
		return nil
	}
	return err
}
