package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// histogramWindow bounds the samples a Histogram keeps. The daemon runs
// indefinitely, so older samples are overwritten.
const histogramWindow = 4096

// Histogram tracks the distribution of recent duration measurements.
type Histogram struct {
	mu     sync.Mutex
	values []float64 // microseconds
	next   int
	total  int
}

// NewHistogram creates a new histogram.
func NewHistogram() *Histogram {
	return &Histogram{values: make([]float64, 0, 64)}
}

// Observe records a duration measurement.
func (h *Histogram) Observe(d time.Duration) {
	micros := float64(d.Microseconds())
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	if len(h.values) < histogramWindow {
		h.values = append(h.values, micros)
		return
	}
	h.values[h.next] = micros
	h.next = (h.next + 1) % histogramWindow
}

// Since observes the time elapsed from start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start))
}

// Snapshot returns percentiles over the retained window. Count is the
// number of observations ever made.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	sorted := make([]float64, len(h.values))
	copy(sorted, h.values)
	total := h.total
	h.mu.Unlock()

	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	micros := func(v float64) time.Duration { return time.Duration(v) * time.Microsecond }

	return HistogramSnapshot{
		Count: total,
		Mean:  micros(sum / float64(len(sorted))),
		P50:   micros(percentile(sorted, 0.50)),
		P95:   micros(percentile(sorted, 0.95)),
		P99:   micros(percentile(sorted, 0.99)),
		Max:   micros(sorted[len(sorted)-1]),
	}
}

// HistogramSnapshot holds calculated statistics for a histogram.
type HistogramSnapshot struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// percentile interpolates the p-th percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// labeled is a lazily populated label -> metric map.
type labeled[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	newItem func() T
}

func newLabeled[T any](newItem func() T) *labeled[T] {
	return &labeled[T]{items: make(map[string]T), newItem: newItem}
}

func (l *labeled[T]) get(label string) T {
	l.mu.RLock()
	item, ok := l.items[label]
	l.mu.RUnlock()
	if ok {
		return item
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if item, ok := l.items[label]; ok {
		return item
	}
	item = l.newItem()
	l.items[label] = item
	return item
}

func (l *labeled[T]) each(fn func(label string, item T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for label, item := range l.items {
		fn(label, item)
	}
}

// HistogramVec is a collection of histograms keyed by label.
type HistogramVec struct {
	*labeled[*Histogram]
}

// NewHistogramVec creates a new histogram vector.
func NewHistogramVec() *HistogramVec {
	return &HistogramVec{newLabeled(NewHistogram)}
}

// WithLabels returns the histogram for the given label string.
func (hv *HistogramVec) WithLabels(labels string) *Histogram {
	return hv.get(labels)
}

// Snapshot returns snapshots of all histograms.
func (hv *HistogramVec) Snapshot() map[string]HistogramSnapshot {
	out := make(map[string]HistogramSnapshot)
	hv.each(func(label string, h *Histogram) { out[label] = h.Snapshot() })
	return out
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

// NewCounter creates a new counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Inc()            { c.value.Add(1) }
func (c *Counter) Add(delta int64) { c.value.Add(delta) }
func (c *Counter) Get() int64      { return c.value.Load() }

// CounterVec is a collection of counters keyed by label.
type CounterVec struct {
	*labeled[*Counter]
}

// NewCounterVec creates a new counter vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{newLabeled(NewCounter)}
}

// WithLabels returns the counter for the given label string.
func (cv *CounterVec) WithLabels(labels string) *Counter {
	return cv.get(labels)
}

// Snapshot returns the current values of all counters.
func (cv *CounterVec) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	cv.each(func(label string, c *Counter) { out[label] = c.Get() })
	return out
}

// AtomicGauge is a gauge that can be set and read atomically.
type AtomicGauge struct {
	value atomic.Int64
}

// NewAtomicGauge creates a new atomic gauge.
func NewAtomicGauge() *AtomicGauge {
	return &AtomicGauge{}
}

func (g *AtomicGauge) Set(val int64) { g.value.Store(val) }
func (g *AtomicGauge) Inc()          { g.value.Add(1) }
func (g *AtomicGauge) Dec()          { g.value.Add(-1) }
func (g *AtomicGauge) Get() int64    { return g.value.Load() }

// GaugeVec is a collection of gauges keyed by label.
type GaugeVec struct {
	mu     sync.RWMutex
	gauges map[string]float64
}

// NewGaugeVec creates a new gauge vector.
func NewGaugeVec() *GaugeVec {
	return &GaugeVec{gauges: make(map[string]float64)}
}

// Set sets the gauge for the given labels.
func (gv *GaugeVec) Set(labels string, value float64) {
	gv.mu.Lock()
	gv.gauges[labels] = value
	gv.mu.Unlock()
}

// Delete drops a label, e.g. when an execution finishes.
func (gv *GaugeVec) Delete(labels string) {
	gv.mu.Lock()
	delete(gv.gauges, labels)
	gv.mu.Unlock()
}

// Snapshot returns the current values of all gauges.
func (gv *GaugeVec) Snapshot() map[string]float64 {
	gv.mu.RLock()
	defer gv.mu.RUnlock()
	out := make(map[string]float64, len(gv.gauges))
	for label, value := range gv.gauges {
		out[label] = value
	}
	return out
}
