package ingest

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/natsutil"
)

// Default NATS subjects.
const (
	NotesSubject   = "notes.changes"
	DLQSubject     = "notes.changes.dlq"
	ReindexSubject = "notes.reindex"
)

// StartConsumer forwards decoded change events from subject into events.
// Undecodable messages go to the dead-letter subject as they arrived. The
// send blocks, so a slow synchronizer applies back-pressure to the NATS
// subscription buffer.
func StartConsumer(ctx context.Context, nc *nats.Conn, subject string, events chan<- domain.ChangeEvent, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return natsutil.SubscribeWithErrors(nc, subject,
		func(_ context.Context, ev domain.ChangeEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		},
		func(msg *nats.Msg, err error) {
			log.Warn("ingest: malformed change event", "subject", msg.Subject, "error", err)
			if pubErr := natsutil.PublishRaw(ctx, nc, DLQSubject, msg.Data); pubErr != nil {
				log.Error("ingest: dead-letter publish failed", "error", pubErr)
			}
		},
	)
}

// DeadLetter is the payload published for events that failed processing.
type DeadLetter struct {
	Event domain.ChangeEvent `json:"event"`
	Error string             `json:"error"`
}

// NewDLQPublisher returns an OnFailure hook that republishes failed events.
func NewDLQPublisher(nc *nats.Conn, subject string, log *slog.Logger) func(context.Context, domain.ChangeEvent, error) {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, ev domain.ChangeEvent, err error) {
		// ctx may already be done during shutdown
		if pubErr := natsutil.Publish(context.WithoutCancel(ctx), nc, subject, DeadLetter{Event: ev, Error: err.Error()}); pubErr != nil {
			log.Error("ingest: dead-letter publish failed", "note_id", ev.NoteID, "error", pubErr)
		}
	}
}

// ReindexRequest asks a running indexer to resync one note.
type ReindexRequest struct {
	NoteID string `json:"noteId"`
}

// ReindexReply reports the outcome of a ReindexRequest.
type ReindexReply struct {
	NoteID string `json:"noteId"`
	Error  string `json:"error,omitempty"`
}

// ServeReindex answers ReindexRequests on subject using s.
func ServeReindex(nc *nats.Conn, subject string, s *Synchronizer) (*nats.Subscription, error) {
	return natsutil.Respond(nc, subject, func(ctx context.Context, req ReindexRequest) ReindexReply {
		reply := ReindexReply{NoteID: req.NoteID}
		if err := s.Reindex(ctx, req.NoteID); err != nil {
			reply.Error = err.Error()
		}
		return reply
	})
}
