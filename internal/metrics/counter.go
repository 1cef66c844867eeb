package metrics

import "time"

// rateWindow is the horizon of the per-counter rate log.
const rateWindow = time.Minute

type rateEvent struct {
	at    time.Time
	delta float64
}

// Counter is a monotonically adjustable value with an approximate
// per-minute rate derived from a log of recent increments. The log is
// pruned on every access, so idle counters do not accumulate history.
// The rate is intentionally coarse; precise rates should be derived from
// aggregator snapshots instead.
type Counter struct {
	value  float64
	events []rateEvent
	now    func() time.Time
}

// NewCounter creates a zero-valued counter.
func NewCounter() *Counter {
	return &Counter{now: time.Now}
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Add increases the counter by delta and logs the increment for the rate.
func (c *Counter) Add(delta float64) {
	now := c.now()
	c.value += delta
	c.events = append(c.events, rateEvent{at: now, delta: delta})
	c.prune(now)
}

// Value returns the current counter value.
func (c *Counter) Value() float64 { return c.value }

// RatePerMinute sums the increments recorded over the last minute.
func (c *Counter) RatePerMinute() float64 {
	c.prune(c.now())
	var total float64
	for _, e := range c.events {
		total += e.delta
	}
	return total
}

// prune drops log entries at or beyond the rate horizon. Entries are
// appended in time order, so a single scan from the front suffices.
func (c *Counter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(c.events) && !c.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.events = c.events[i:]
	}
}

// Reset zeroes the value and clears the rate log.
func (c *Counter) Reset() {
	c.value = 0
	c.events = nil
}

// CounterStats is the externally visible state of a counter.
type CounterStats struct {
	Value         float64 `json:"value"`
	RatePerMinute float64 `json:"rate_per_minute"`
}
