// Package metrics renders the service's counters, gauges and latency
// histograms in the Prometheus text format. Metrics are grouped in families;
// a family declared with label names hands out one series per label-value
// combination through Vec.With.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Buckets are the latency bounds, in seconds, every histogram uses. They are
// sized for embedding and generation round-trips.
var Buckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Counter only goes up.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Gauge tracks a level, such as work in flight.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

// Histogram counts durations into Buckets.
type Histogram struct {
	mu     sync.Mutex
	counts []uint64 // per bucket, last slot is +Inf
	sum    float64
}

func newHistogram() *Histogram {
	return &Histogram{counts: make([]uint64, len(Buckets)+1)}
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.observe(time.Since(start).Seconds())
}

func (h *Histogram) observe(v float64) {
	i := sort.SearchFloat64s(Buckets, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.mu.Unlock()
}

// cumulative returns running bucket totals (the last one is the count) and
// the sum.
func (h *Histogram) cumulative() ([]uint64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.counts))
	var run uint64
	for i, c := range h.counts {
		run += c
		out[i] = run
	}
	return out, h.sum
}

// family is one metric name with its help text and series.
type family struct {
	name   string
	help   string
	kind   kind
	labels []string

	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	values []string
	metric any
}

func (f *family) get(values []string, create func() any) any {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("metrics: %s wants %d label values, got %d", f.name, len(f.labels), len(values)))
	}
	key := strings.Join(values, "\xff")
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[key]; ok {
		return s.metric
	}
	s := &series{values: append([]string(nil), values...), metric: create()}
	f.series[key] = s
	return s.metric
}

// Vec is a labelled metric family.
type Vec[M any] struct {
	f      *family
	create func() any
}

// With returns the series for the given label values, in the order the
// labels were declared. Repeated calls return the same series.
func (v *Vec[M]) With(values ...string) M {
	return v.f.get(values, v.create).(M)
}

// CounterVec and HistogramVec are the labelled families in use.
type (
	CounterVec   = Vec[*Counter]
	HistogramVec = Vec[*Histogram]
)

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.Mutex
	families []*family
	byName   map[string]*family
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*family)}
}

// register returns the family called name, creating it on first use.
// Registering one name with a different kind or label set panics.
func (r *Registry) register(name, help string, k kind, labels []string) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.byName[name]; ok {
		if f.kind != k || strings.Join(f.labels, ",") != strings.Join(labels, ",") {
			panic(fmt.Sprintf("metrics: %s registered as %s%v, now %s%v", name, f.kind, f.labels, k, labels))
		}
		return f
	}
	f := &family{name: name, help: help, kind: k, labels: labels, series: make(map[string]*series)}
	r.families = append(r.families, f)
	r.byName[name] = f
	return f
}

// Counter returns the unlabelled counter called name.
func (r *Registry) Counter(name, help string) *Counter {
	return r.CounterVec(name, help).With()
}

// CounterVec returns a counter family partitioned by labels.
func (r *Registry) CounterVec(name, help string, labels ...string) *CounterVec {
	f := r.register(name, help, kindCounter, labels)
	return &CounterVec{f: f, create: func() any { return &Counter{} }}
}

// Gauge returns the gauge called name.
func (r *Registry) Gauge(name, help string) *Gauge {
	f := r.register(name, help, kindGauge, nil)
	return f.get(nil, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the unlabelled histogram called name.
func (r *Registry) Histogram(name, help string) *Histogram {
	return r.HistogramVec(name, help).With()
}

// HistogramVec returns a histogram family partitioned by labels.
func (r *Registry) HistogramVec(name, help string, labels ...string) *HistogramVec {
	f := r.register(name, help, kindHistogram, labels)
	return &HistogramVec{f: f, create: func() any { return newHistogram() }}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// labelSet renders {k="v",...} plus any extra pre-rendered pairs.
func labelSet(names, values []string, extra ...string) string {
	if len(names) == 0 && len(extra) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(names)+len(extra))
	for i, n := range names {
		pairs = append(pairs, n+`="`+labelEscaper.Replace(values[i])+`"`)
	}
	pairs = append(pairs, extra...)
	return "{" + strings.Join(pairs, ",") + "}"
}

// WriteTo writes every family in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	families := append([]*family(nil), r.families...)
	r.mu.Unlock()

	var b strings.Builder
	for _, f := range families {
		f.write(&b)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func (f *family) write(b *strings.Builder) {
	f.mu.Lock()
	all := make([]*series, 0, len(f.series))
	for _, s := range f.series {
		all = append(all, s)
	}
	f.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		return strings.Join(all[i].values, "\xff") < strings.Join(all[j].values, "\xff")
	})

	if f.help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)
	for _, s := range all {
		switch m := s.metric.(type) {
		case *Counter:
			fmt.Fprintf(b, "%s%s %d\n", f.name, labelSet(f.labels, s.values), m.Value())
		case *Gauge:
			fmt.Fprintf(b, "%s%s %d\n", f.name, labelSet(f.labels, s.values), m.Value())
		case *Histogram:
			counts, sum := m.cumulative()
			for i, le := range Buckets {
				fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, labelSet(f.labels, s.values, fmt.Sprintf(`le="%g"`, le)), counts[i])
			}
			total := counts[len(counts)-1]
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, labelSet(f.labels, s.values, `le="+Inf"`), total)
			fmt.Fprintf(b, "%s_sum%s %g\n", f.name, labelSet(f.labels, s.values), sum)
			fmt.Fprintf(b, "%s_count%s %d\n", f.name, labelSet(f.labels, s.values), total)
		}
	}
}

// Handler serves the registry for a Prometheus scrape.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	})
}
