// Package metrics is a small Prometheus text-format exposition layer.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	val atomic.Int64
}

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Get() float64 { return float64(c.val.Load()) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *Gauge) Get() float64  { return math.Float64frombits(g.bits.Load()) }

// Histogram tracks the distribution of observations in fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64 // upper bounds, sorted
	counts  []uint64  // counts[i] = observations in (buckets[i-1], buckets[i]]
	sum     float64
	count   uint64
}

// NewHistogram returns a histogram with the given upper bounds.
func NewHistogram(buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{buckets: sorted, counts: make([]uint64, len(sorted))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			break
		}
	}
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) snapshot() (buckets []float64, counts []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]uint64(nil), h.counts...), h.sum, h.count
}

// CounterVec is a set of counters keyed by one label value.
type CounterVec struct {
	label    string
	mu       sync.RWMutex
	counters map[string]*Counter
}

func (cv *CounterVec) WithLabel(val string) *Counter {
	cv.mu.RLock()
	c, ok := cv.counters[val]
	cv.mu.RUnlock()
	if ok {
		return c
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if c, ok = cv.counters[val]; ok {
		return c
	}
	c = &Counter{}
	cv.counters[val] = c
	return c
}

// Total sums every labeled counter.
func (cv *CounterVec) Total() int64 {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	var n int64
	for _, c := range cv.counters {
		n += c.Value()
	}
	return n
}

type labelValue struct {
	label string
	value float64
}

func (cv *CounterVec) snapshot() []labelValue {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	out := make([]labelValue, 0, len(cv.counters))
	for k, c := range cv.counters {
		out = append(out, labelValue{label: k, value: c.Get()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	return out
}

// DurationBuckets are histogram bounds in seconds suited to LAN and WAN
// round trips.
var DurationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
}

type entry struct {
	name, help, typ string
	write           func(b *strings.Builder, name string)
}

// Registry holds named metrics in registration order.
type Registry struct {
	prefix  string
	mu      sync.Mutex
	entries []entry
	names   map[string]bool
}

// NewRegistry returns a registry whose metric names start with prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, names: make(map[string]bool)}
}

func (r *Registry) add(name, help, typ string, write func(*strings.Builder, string)) {
	full := r.prefix + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[full] {
		panic(fmt.Sprintf("metrics: duplicate metric %q", full))
	}
	r.names[full] = true
	r.entries = append(r.entries, entry{name: full, help: help, typ: typ, write: write})
}

func (r *Registry) Counter(name, help string) *Counter {
	c := &Counter{}
	r.add(name, help, "counter", func(b *strings.Builder, n string) { writeMetric(b, n, c.Get()) })
	return c
}

func (r *Registry) Gauge(name, help string) *Gauge {
	g := &Gauge{}
	r.add(name, help, "gauge", func(b *strings.Builder, n string) { writeMetric(b, n, g.Get()) })
	return g
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	r.add(name, help, "gauge", func(b *strings.Builder, n string) { writeMetric(b, n, fn()) })
}

func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	cv := &CounterVec{label: label, counters: make(map[string]*Counter)}
	r.add(name, help, "counter", func(b *strings.Builder, n string) {
		for _, lv := range cv.snapshot() {
			writeLabeledMetric(b, n, cv.label, lv.label, lv.value)
		}
	})
	return cv
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	h := NewHistogram(buckets)
	r.add(name, help, "histogram", func(b *strings.Builder, n string) {
		bounds, counts, sum, count := h.snapshot()
		cumulative := uint64(0)
		for i, bound := range bounds {
			cumulative += counts[i]
			fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", n, formatFloat(bound), cumulative)
		}
		fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", n, count)
		writeMetric(b, n+"_sum", sum)
		writeMetric(b, n+"_count", float64(count))
	})
	return h
}

// WriteTo writes every metric in Prometheus text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	entries := append([]entry(nil), r.entries...)
	r.mu.Unlock()

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "# HELP %s %s\n", e.name, e.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", e.name, e.typ)
		e.write(&b, e.name)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeMetric(b *strings.Builder, name string, val float64) {
	fmt.Fprintf(b, "%s %s\n", name, formatFloat(val))
}

func writeLabeledMetric(b *strings.Builder, name, labelKey, labelVal string, val float64) {
	fmt.Fprintf(b, "%s{%s=%q} %s\n", name, labelKey, labelVal, formatFloat(val))
}

// formatFloat prints integers without a decimal point.
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%g", v)
	}
}
