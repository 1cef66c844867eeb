package v1

import (
	"net/http"

	"warden/internal/gateway/handlers"
	"warden/internal/metrics"
)

// HandleMetricsSnapshot captures and returns a fresh metrics snapshot.
func (r *Router) HandleMetricsSnapshot(w http.ResponseWriter, req *http.Request) {
	if r.metrics == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"metrics aggregator not available")
		return
	}

	handlers.SendJSON(w, http.StatusOK, r.metrics.Snapshot())
}

// HandleMetricsHistory returns the retained snapshot ring, oldest
// first.
func (r *Router) HandleMetricsHistory(w http.ResponseWriter, req *http.Request) {
	if r.metrics == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"metrics aggregator not available")
		return
	}

	snapshots := r.metrics.Snapshots()
	if snapshots == nil {
		snapshots = []metrics.Snapshot{}
	}

	handlers.SendJSON(w, http.StatusOK, MetricsHistoryResponse{Snapshots: snapshots})
}
