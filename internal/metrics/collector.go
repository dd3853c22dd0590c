// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It renders the text exposition format directly.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on /metrics.
var Collector = NewMetricsCollector()

// MetricsCollector holds every registered series keyed by name and labels.
type MetricsCollector struct {
	series    sync.Map // "name{labels}" -> series
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// series is one labelled time series of a metric family.
type series interface {
	meta() *desc
	kind() string
	render(w io.Writer)
}

type desc struct {
	name   string
	help   string
	labels string
}

func (d *desc) meta() *desc { return d }

// ident renders name{labels}, or name alone when unlabelled.
func (d *desc) ident(suffix, extra string) string {
	labels := d.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		return d.name + suffix
	}
	return d.name + suffix + "{" + labels + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) kind() string { return "counter" }
func (c *Counter) render(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", c.ident("", ""), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) kind() string { return "gauge" }
func (g *Gauge) render(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", g.ident("", ""), g.Value())
}

// Histogram counts observations into cumulative upper-bound buckets. The
// last bucket is always +Inf.
type Histogram struct {
	desc
	mu     sync.Mutex
	count  int64
	sum    float64
	bounds []float64
	counts []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) kind() string { return "histogram" }
func (h *Histogram) render(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, le := range h.bounds {
		bound := "+Inf"
		if !math.IsInf(le, 1) {
			bound = strconv.FormatFloat(le, 'g', -1, 64)
		}
		fmt.Fprintf(w, "%s %d\n", h.ident("_bucket", `le="`+bound+`"`), h.counts[i])
	}
	fmt.Fprintf(w, "%s %d\n", h.ident("_count", ""), h.count)
	fmt.Fprintf(w, "%s %f\n", h.ident("_sum", ""), h.sum)
}

// register returns the series stored under name and labels, creating it
// with mk on first use. Reusing a key for a different metric type is a
// programming error and panics.
func register[T series](c *MetricsCollector, name, labels string, mk func() T) T {
	key := name + "{" + labels + "}"
	if v, ok := c.series.Load(key); ok {
		return mustBe[T](v, key)
	}
	actual, _ := c.series.LoadOrStore(key, mk())
	return mustBe[T](actual, key)
}

func mustBe[T series](v any, key string) T {
	s, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("metrics: %s already registered as %s", key, v.(series).kind()))
	}
	return s
}

// Counter returns the counter for name and labels, creating it if needed.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return register(c, name, labels, func() *Counter {
		return &Counter{desc: desc{name: name, help: help, labels: labels}}
	})
}

// Gauge returns the gauge for name and labels, creating it if needed.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return register(c, name, labels, func() *Gauge {
		return &Gauge{desc: desc{name: name, help: help, labels: labels}}
	})
}

// Histogram returns the histogram for name and labels. Buckets are only
// read on first registration.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return register(c, name, labels, func() *Histogram {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
			bounds = append(bounds, math.Inf(1))
		}
		return &Histogram{
			desc:   desc{name: name, help: help, labels: labels},
			bounds: bounds,
			counts: make([]int64, len(bounds)),
		}
	})
}

// WriteText renders every series in the Prometheus text format. Series of
// one family are adjacent and share a single HELP/TYPE header.
func (c *MetricsCollector) WriteText(out io.Writer) error {
	w := bufio.NewWriter(out)

	fmt.Fprintf(w, "# HELP replyguard_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE replyguard_uptime_seconds gauge\n")
	fmt.Fprintf(w, "replyguard_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	var keys []string
	byKey := make(map[string]series)
	c.series.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		byKey[k.(string)] = v.(series)
		return true
	})
	sort.Strings(keys)

	last := ""
	for _, k := range keys {
		s := byKey[k]
		d := s.meta()
		if d.name != last {
			fmt.Fprintf(w, "# HELP %s %s\n", d.name, d.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", d.name, s.kind())
			last = d.name
		}
		s.render(w)
	}
	return w.Flush()
}

// Handler serves WriteText.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteText(w)
	}
}
