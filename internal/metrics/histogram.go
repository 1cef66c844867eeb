// Package metrics implements the in-process metrics aggregator: bucketed
// histograms with exact percentiles over a bounded sample buffer, counters
// with an approximate per-minute rate, lazily advanced rolling windows, and
// an aggregator that snapshots all of them atomically.
package metrics

import (
	"math"
	"sort"
	"strconv"
)

// Bucket presets matching the configuration defaults.
var (
	// DurationBucketsMS splits operation durations (in milliseconds) at
	// 1s, 5s, 30s, 1m and 5m; everything above lands in the +Inf bucket.
	DurationBucketsMS = []float64{1000, 5000, 30000, 60000, 300000}

	// SubtaskBuckets groups subtask counts as 1, 2-3, 4-7, 8-15 and 16+.
	SubtaskBuckets = []float64{1, 3, 7, 15}

	// DepthBuckets groups delegation depth as 0, 1, 2, 3 and 4+.
	DepthBuckets = []float64{0, 1, 2, 3}
)

// defaultSampleBuffer is the circular sample buffer size used when a
// histogram is created without an explicit size.
const defaultSampleBuffer = 10000

// Histogram is a bucketed histogram with a circular buffer of raw samples.
// Percentiles are exact over the buffered samples, computed by sorting on
// demand. A Histogram is not safe for concurrent use; the Aggregator
// serializes access.
type Histogram struct {
	bounds  []float64 // inclusive upper bounds, ascending; +Inf implied
	counts  []int64   // len(bounds)+1, last is the overflow bucket
	samples []float64
	bufSize int
	next    int
	count   int64
	sum     float64
	min     float64
	max     float64
}

// NewHistogram creates a histogram with the given inclusive upper bounds.
// bufferSize bounds the raw sample buffer; zero or negative selects the
// default of 10000.
func NewHistogram(bounds []float64, bufferSize int) *Histogram {
	if bufferSize <= 0 {
		bufferSize = defaultSampleBuffer
	}
	b := make([]float64, len(bounds))
	copy(b, bounds)
	sort.Float64s(b)
	return &Histogram{
		bounds:  b,
		counts:  make([]int64, len(b)+1),
		bufSize: bufferSize,
	}
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.count++
	h.sum += v
	if h.count == 1 || v < h.min {
		h.min = v
	}
	if h.count == 1 || v > h.max {
		h.max = v
	}

	idx := sort.SearchFloat64s(h.bounds, v)
	h.counts[idx]++

	if len(h.samples) < h.bufSize {
		h.samples = append(h.samples, v)
		return
	}
	h.samples[h.next] = v
	h.next = (h.next + 1) % h.bufSize
}

// Count returns the total number of observed samples, including those
// already evicted from the buffer.
func (h *Histogram) Count() int64 { return h.count }

// Sum returns the sum of all observed samples.
func (h *Histogram) Sum() float64 { return h.sum }

// Min returns the smallest observed sample, 0 when empty.
func (h *Histogram) Min() float64 { return h.min }

// Max returns the largest observed sample, 0 when empty.
func (h *Histogram) Max() float64 { return h.max }

// Percentile returns the exact nearest-rank percentile of the buffered
// samples. p is in (0, 100]. Returns 0 when no samples are buffered.
func (h *Histogram) Percentile(p float64) float64 {
	if len(h.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)
	return nearestRank(sorted, p)
}

// nearestRank picks the nearest-rank percentile from an ascending slice.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// BucketCount is one histogram bucket in a stats snapshot. Le is the
// inclusive upper bound rendered as a string so the +Inf bucket survives
// JSON encoding.
type BucketCount struct {
	Le    string `json:"le"`
	Count int64  `json:"count"`
}

// HistogramStats is the externally visible state of a histogram.
type HistogramStats struct {
	Count   int64         `json:"count"`
	Sum     float64       `json:"sum"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	P50     float64       `json:"p50"`
	P95     float64       `json:"p95"`
	P99     float64       `json:"p99"`
	Buckets []BucketCount `json:"buckets"`
}

// Stats captures counts, extremes, bucket counts and exact percentiles.
// The sample buffer is sorted once for all three percentiles.
func (h *Histogram) Stats() HistogramStats {
	st := HistogramStats{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}

	if len(h.samples) > 0 {
		sorted := make([]float64, len(h.samples))
		copy(sorted, h.samples)
		sort.Float64s(sorted)
		st.P50 = nearestRank(sorted, 50)
		st.P95 = nearestRank(sorted, 95)
		st.P99 = nearestRank(sorted, 99)
	}

	st.Buckets = make([]BucketCount, len(h.counts))
	for i, c := range h.counts {
		le := "+Inf"
		if i < len(h.bounds) {
			le = strconv.FormatFloat(h.bounds[i], 'f', -1, 64)
		}
		st.Buckets[i] = BucketCount{Le: le, Count: c}
	}
	return st
}

// Reset clears all recorded state but keeps the bucket layout.
func (h *Histogram) Reset() {
	h.counts = make([]int64, len(h.bounds)+1)
	h.samples = h.samples[:0]
	h.next = 0
	h.count = 0
	h.sum = 0
	h.min = 0
	h.max = 0
}
