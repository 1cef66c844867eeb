package metrics

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"warden/internal/events"
	"warden/internal/storage"
)

// defaultSnapshotLimit bounds the retained snapshot ring.
const defaultSnapshotLimit = 100

// Snapshot is an atomic capture of every counter, histogram and window.
type Snapshot struct {
	TakenAt    time.Time                 `json:"taken_at"`
	Counters   map[string]CounterStats   `json:"counters,omitempty"`
	Histograms map[string]HistogramStats `json:"histograms,omitempty"`
	Windows    map[string]WindowStats    `json:"windows,omitempty"`
}

// Aggregator owns named counters, histograms and rolling windows behind a
// single mutex. All reads and writes serialize through it, which is what
// makes Snapshot atomic without stopping writers for long.
type Aggregator struct {
	mu          sync.Mutex
	histograms  map[string]*Histogram
	counters    map[string]*Counter
	windows     map[string]*RollingWindow
	snapshots   []Snapshot
	snapshotCap int
	bus         *events.Bus
	store       func() *storage.Store
	now         func() time.Time
	closed      bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBus attaches the event bus; snapshots, resets, persists and close
// are announced on it.
func WithBus(bus *events.Bus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// WithStore attaches the coordination store used by Persist.
func WithStore(store *storage.Store) Option {
	return WithStoreFunc(func() *storage.Store { return store })
}

// WithStoreFunc attaches a store lookup instead of a fixed handle. The
// registry swaps its store during fallback recovery, so Persist must
// resolve the handle on every call.
func WithStoreFunc(fn func() *storage.Store) Option {
	return func(a *Aggregator) { a.store = fn }
}

// WithSnapshotLimit overrides the retained snapshot count (default 100).
func WithSnapshotLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.snapshotCap = n
		}
	}
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		histograms:  make(map[string]*Histogram),
		counters:    make(map[string]*Counter),
		windows:     make(map[string]*RollingWindow),
		snapshotCap: defaultSnapshotLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterHistogram creates or replaces a named histogram with explicit
// bucket bounds. Use the package presets for the standard layouts.
func (a *Aggregator) RegisterHistogram(name string, bounds []float64, bufferSize int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.histograms[name] = NewHistogram(bounds, bufferSize)
}

// Observe records a sample into the named histogram. Unregistered names
// are created on first use with the duration bucket preset.
func (a *Aggregator) Observe(name string, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	h, ok := a.histograms[name]
	if !ok {
		h = NewHistogram(DurationBucketsMS, 0)
		a.histograms[name] = h
	}
	h.Observe(v)
}

// ObserveDuration records a duration sample in milliseconds.
func (a *Aggregator) ObserveDuration(name string, d time.Duration) {
	a.Observe(name, float64(d.Milliseconds()))
}

// HistogramStats returns the named histogram's stats.
func (a *Aggregator) HistogramStats(name string) (HistogramStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.histograms[name]
	if !ok {
		return HistogramStats{}, false
	}
	return h.Stats(), true
}

// IncCounter adds one to the named counter, creating it on first use.
func (a *Aggregator) IncCounter(name string) {
	a.AddCounter(name, 1)
}

// AddCounter adds delta to the named counter, creating it on first use.
func (a *Aggregator) AddCounter(name string, delta float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	c, ok := a.counters[name]
	if !ok {
		c = NewCounter()
		c.now = a.now
		a.counters[name] = c
	}
	c.Add(delta)
}

// CounterValue returns the named counter's value, 0 when absent.
func (a *Aggregator) CounterValue(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[name]; ok {
		return c.Value()
	}
	return 0
}

// CounterRate returns the named counter's per-minute rate, 0 when absent.
func (a *Aggregator) CounterRate(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[name]; ok {
		return c.RatePerMinute()
	}
	return 0
}

// RegisterWindow creates or replaces a named rolling window.
func (a *Aggregator) RegisterWindow(name string, bucketCount int, width time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	w := NewRollingWindow(bucketCount, width)
	w.now = a.now
	w.start = a.now()
	a.windows[name] = w
}

// AddToWindow accumulates v into the named window. Unregistered names are
// created on first use with the default 60x1s layout.
func (a *Aggregator) AddToWindow(name string, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	w, ok := a.windows[name]
	if !ok {
		w = NewRollingWindow(0, 0)
		w.now = a.now
		w.start = a.now()
		a.windows[name] = w
	}
	w.Add(v)
}

// WindowSum returns the named window's live total, 0 when absent.
func (a *Aggregator) WindowSum(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.windows[name]; ok {
		return w.Sum()
	}
	return 0
}

// Snapshot atomically captures all metrics, retains the capture in the
// snapshot ring and emits metrics:snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Snapshot{}
	}
	snap := a.captureLocked()
	a.snapshots = append(a.snapshots, snap)
	if len(a.snapshots) > a.snapshotCap {
		a.snapshots = a.snapshots[len(a.snapshots)-a.snapshotCap:]
	}
	retained := len(a.snapshots)
	a.mu.Unlock()

	a.bus.Emit(events.MetricsSnapshot, map[string]any{
		"histograms": len(snap.Histograms),
		"counters":   len(snap.Counters),
		"windows":    len(snap.Windows),
		"retained":   retained,
	})
	return snap
}

// captureLocked builds a snapshot. Caller holds a.mu.
func (a *Aggregator) captureLocked() Snapshot {
	snap := Snapshot{TakenAt: a.now()}
	if len(a.counters) > 0 {
		snap.Counters = make(map[string]CounterStats, len(a.counters))
		for name, c := range a.counters {
			snap.Counters[name] = CounterStats{Value: c.Value(), RatePerMinute: c.RatePerMinute()}
		}
	}
	if len(a.histograms) > 0 {
		snap.Histograms = make(map[string]HistogramStats, len(a.histograms))
		for name, h := range a.histograms {
			snap.Histograms[name] = h.Stats()
		}
	}
	if len(a.windows) > 0 {
		snap.Windows = make(map[string]WindowStats, len(a.windows))
		for name, w := range a.windows {
			snap.Windows[name] = WindowStats{Sum: w.Sum(), Buckets: w.Buckets(), SpanMS: w.Span().Milliseconds()}
		}
	}
	return snap
}

// Snapshots returns a copy of the retained snapshot ring, oldest first.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Snapshot, len(a.snapshots))
	copy(out, a.snapshots)
	return out
}

// Latest returns the most recent snapshot, if any.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.snapshots) == 0 {
		return Snapshot{}, false
	}
	return a.snapshots[len(a.snapshots)-1], true
}

// Reset discards every metric and the snapshot ring, then emits
// metrics:reset.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	dropped := len(a.histograms) + len(a.counters) + len(a.windows)
	a.histograms = make(map[string]*Histogram)
	a.counters = make(map[string]*Counter)
	a.windows = make(map[string]*RollingWindow)
	a.snapshots = nil
	a.mu.Unlock()

	a.bus.Emit(events.MetricsReset, map[string]any{"dropped": dropped})
}

// Persist writes the latest snapshot to the store's system_info table,
// taking a fresh snapshot when none is retained. Best-effort: failures are
// logged and returned, never fatal to the caller's schedule.
func (a *Aggregator) Persist() error {
	var st *storage.Store
	if a.store != nil {
		st = a.store()
	}
	if st == nil {
		return fmt.Errorf("metrics: no store attached")
	}

	snap, ok := a.Latest()
	if !ok {
		snap = a.Snapshot()
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("metrics: marshal snapshot: %w", err)
	}
	if err := st.SetInfo(storage.KeyMetricsSnapshot, string(payload)); err != nil {
		log.Warn().Err(err).Msg("metrics snapshot persist failed")
		return err
	}

	a.bus.Emit(events.MetricsPersist, map[string]any{"bytes": len(payload)})
	return nil
}

// Close marks the aggregator closed and emits metrics:closed. Further
// writes are dropped. Close is idempotent.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.bus.Emit(events.MetricsClosed, nil)
	return nil
}
