package ingest

import (
	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/WessleyAI/noterag/pkg/metrics"
)

// Metrics groups the synchronizer's counters.
type Metrics struct {
	events   *metrics.CounterVec
	skipped  *metrics.Counter
	inflight *metrics.Gauge
	duration *metrics.Histogram
}

// NewMetrics registers synchronizer metrics on reg. A nil reg gets a private
// registry.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		events:   reg.CounterVec("noterag_sync_events_total", "Change events processed", "event", "outcome"),
		skipped:  reg.Counter("noterag_sync_skipped_total", "Notes skipped for empty title or content"),
		inflight: reg.Gauge("noterag_sync_inflight", "Change events being processed"),
		duration: reg.Histogram("noterag_sync_duration_seconds", "Per-event processing time"),
	}
}

func (m *Metrics) event(t domain.ChangeType, outcome string) {
	m.events.With(string(t), outcome).Inc()
}
