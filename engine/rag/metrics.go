package rag

import "github.com/WessleyAI/noterag/pkg/metrics"

// Metrics groups the query path's counters.
type Metrics struct {
	verdicts   *metrics.CounterVec
	degraded   *metrics.Counter
	synthFails *metrics.Counter
	queries    *metrics.Counter
	duration   *metrics.Histogram
}

// NewMetrics registers query metrics on reg. A nil reg gets a private
// registry.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		verdicts:   reg.CounterVec("noterag_relevance_total", "Relevance gate decisions", "verdict"),
		degraded:   reg.Counter("noterag_retrieve_degraded_total", "Index queries retried with a smaller k"),
		synthFails: reg.Counter("noterag_synthesis_failures_total", "Failed answer generations"),
		queries:    reg.Counter("noterag_queries_total", "Queries answered"),
		duration:   reg.Histogram("noterag_query_duration_seconds", "End-to-end query time"),
	}
}

func (m *Metrics) verdict(reason string) {
	m.verdicts.With(reason).Inc()
}
