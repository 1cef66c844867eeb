package metrics

import "time"

// RollingWindow accumulates values into a fixed ring of time buckets.
// The ring advances lazily: each operation first rotates forward by
// elapsed/bucketWidth steps, zeroing the buckets it passes, so no timer
// goroutine is needed.
type RollingWindow struct {
	buckets []float64
	width   time.Duration
	head    int
	start   time.Time // start of the head bucket
	now     func() time.Time
}

// NewRollingWindow creates a window of bucketCount buckets, each covering
// bucketWidth. Defaults: 60 buckets of one second.
func NewRollingWindow(bucketCount int, bucketWidth time.Duration) *RollingWindow {
	if bucketCount <= 0 {
		bucketCount = 60
	}
	if bucketWidth <= 0 {
		bucketWidth = time.Second
	}
	return &RollingWindow{
		buckets: make([]float64, bucketCount),
		width:   bucketWidth,
		now:     time.Now,
	}
}

// advance rotates the ring forward to cover now.
func (w *RollingWindow) advance(now time.Time) {
	if w.start.IsZero() {
		w.start = now
		return
	}
	elapsed := now.Sub(w.start)
	if elapsed < w.width {
		return
	}
	steps := int(elapsed / w.width)
	if steps >= len(w.buckets) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for i := 0; i < steps; i++ {
			w.head = (w.head + 1) % len(w.buckets)
			w.buckets[w.head] = 0
		}
	}
	w.start = w.start.Add(time.Duration(steps) * w.width)
}

// Add accumulates v into the current bucket.
func (w *RollingWindow) Add(v float64) {
	w.advance(w.now())
	w.buckets[w.head] += v
}

// Sum returns the total over all live buckets.
func (w *RollingWindow) Sum() float64 {
	w.advance(w.now())
	var total float64
	for _, v := range w.buckets {
		total += v
	}
	return total
}

// Buckets returns the live buckets ordered oldest to newest.
func (w *RollingWindow) Buckets() []float64 {
	w.advance(w.now())
	out := make([]float64, len(w.buckets))
	for i := range w.buckets {
		out[i] = w.buckets[(w.head+1+i)%len(w.buckets)]
	}
	return out
}

// Span returns the total duration the window covers.
func (w *RollingWindow) Span() time.Duration {
	return w.width * time.Duration(len(w.buckets))
}

// Reset zeroes all buckets and restarts the window at the current time.
func (w *RollingWindow) Reset() {
	for i := range w.buckets {
		w.buckets[i] = 0
	}
	w.head = 0
	w.start = w.now()
}

// WindowStats is the externally visible state of a rolling window.
type WindowStats struct {
	Sum     float64   `json:"sum"`
	Buckets []float64 `json:"buckets"`
	SpanMS  int64     `json:"span_ms"`
}
