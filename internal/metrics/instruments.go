package metrics

import "time"

// Standard coordination instruments. The daemon registers them at boot
// and producers observe them by name, so the names are part of the
// snapshot contract.
const (
	// HistTaskDuration tracks delegated task wall time in seconds.
	HistTaskDuration = "task_duration_seconds"

	// HistSubtaskCount tracks how many subtasks a delegated task implies.
	HistSubtaskCount = "subtask_count"

	// HistDelegationDepth tracks the hierarchy depth at which
	// delegations are evaluated.
	HistDelegationDepth = "delegation_depth"

	// WindowBusEvents counts coordination events over the last minute.
	WindowBusEvents = "bus_events"
)

// RegisterDefaults installs the standard instruments. Duration buckets
// split at 1s/5s/30s/1m/5m, subtask buckets at 1/3/7/15 and depth
// buckets at 0/1/2/3.
func (a *Aggregator) RegisterDefaults(bufferSize int) {
	a.RegisterHistogram(HistTaskDuration, []float64{1, 5, 30, 60, 300}, bufferSize)
	a.RegisterHistogram(HistSubtaskCount, []float64{1, 3, 7, 15}, bufferSize)
	a.RegisterHistogram(HistDelegationDepth, []float64{0, 1, 2, 3}, bufferSize)
	a.RegisterWindow(WindowBusEvents, 60, time.Second)
}
