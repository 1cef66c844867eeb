package metrics

import (
	"testing"
)

func TestHistogramBucketing(t *testing.T) {
	h := NewHistogram(DurationBucketsMS, 0)

	// One sample per range, boundaries land in the lower bucket.
	for _, v := range []float64{500, 1000, 1001, 5000, 30000, 59999, 300000, 300001} {
		h.Observe(v)
	}

	want := []int64{2, 2, 1, 1, 1, 1}
	st := h.Stats()
	if len(st.Buckets) != len(want) {
		t.Fatalf("bucket count = %d, want %d", len(st.Buckets), len(want))
	}
	for i, w := range want {
		if st.Buckets[i].Count != w {
			t.Errorf("bucket[%d] (%s) = %d, want %d", i, st.Buckets[i].Le, st.Buckets[i].Count, w)
		}
	}
	if st.Buckets[len(st.Buckets)-1].Le != "+Inf" {
		t.Errorf("last bucket label = %q, want +Inf", st.Buckets[len(st.Buckets)-1].Le)
	}
}

func TestHistogramStats(t *testing.T) {
	h := NewHistogram(DurationBucketsMS, 0)
	for i := 1; i <= 100; i++ {
		h.Observe(float64(i))
	}

	st := h.Stats()
	if st.Count != 100 {
		t.Errorf("Count = %d, want 100", st.Count)
	}
	if st.Sum != 5050 {
		t.Errorf("Sum = %v, want 5050", st.Sum)
	}
	if st.Min != 1 || st.Max != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", st.Min, st.Max)
	}
	// Nearest-rank percentiles over 1..100 hit the exact values.
	if st.P50 != 50 {
		t.Errorf("P50 = %v, want 50", st.P50)
	}
	if st.P95 != 95 {
		t.Errorf("P95 = %v, want 95", st.P95)
	}
	if st.P99 != 99 {
		t.Errorf("P99 = %v, want 99", st.P99)
	}
}

func TestHistogramCircularBuffer(t *testing.T) {
	h := NewHistogram(nil, 10)
	for i := 1; i <= 25; i++ {
		h.Observe(float64(i))
	}

	// Count, sum and extremes track every sample ever observed.
	if h.Count() != 25 {
		t.Errorf("Count = %d, want 25", h.Count())
	}
	if h.Min() != 1 || h.Max() != 25 {
		t.Errorf("Min/Max = %v/%v, want 1/25", h.Min(), h.Max())
	}

	// Percentiles only see the last 10 buffered samples (16..25).
	if got := h.Percentile(50); got != 20 {
		t.Errorf("P50 = %v, want 20", got)
	}
	if got := h.Percentile(99); got != 25 {
		t.Errorf("P99 = %v, want 25", got)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram(SubtaskBuckets, 0)

	st := h.Stats()
	if st.Count != 0 || st.Sum != 0 || st.Min != 0 || st.Max != 0 {
		t.Errorf("empty stats = %+v", st)
	}
	if st.P50 != 0 || st.P95 != 0 || st.P99 != 0 {
		t.Errorf("empty percentiles = %v/%v/%v", st.P50, st.P95, st.P99)
	}
	if got := h.Percentile(50); got != 0 {
		t.Errorf("Percentile(50) = %v, want 0", got)
	}
}

func TestHistogramSubtaskBounds(t *testing.T) {
	h := NewHistogram(SubtaskBuckets, 0)
	for _, v := range []float64{1, 2, 3, 4, 7, 8, 15, 16} {
		h.Observe(v)
	}

	want := []int64{1, 2, 2, 2, 1}
	st := h.Stats()
	for i, w := range want {
		if st.Buckets[i].Count != w {
			t.Errorf("bucket[%d] (%s) = %d, want %d", i, st.Buckets[i].Le, st.Buckets[i].Count, w)
		}
	}
}

func TestHistogramReset(t *testing.T) {
	h := NewHistogram(DepthBuckets, 0)
	h.Observe(2)
	h.Observe(5)

	h.Reset()

	st := h.Stats()
	if st.Count != 0 || st.Sum != 0 {
		t.Errorf("stats after reset = %+v", st)
	}
	for i, b := range st.Buckets {
		if b.Count != 0 {
			t.Errorf("bucket[%d] = %d after reset", i, b.Count)
		}
	}
	// Layout survives the reset.
	if len(st.Buckets) != len(DepthBuckets)+1 {
		t.Errorf("bucket count = %d, want %d", len(st.Buckets), len(DepthBuckets)+1)
	}
}
