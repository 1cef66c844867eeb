package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime records the process start time. Called once when the
// daemon boots; later calls are no-ops.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// Uptime returns seconds since InitStartTime, or 0 before boot.
func Uptime() int64 {
	if startTime.IsZero() {
		return 0
	}
	return int64(time.Since(startTime).Seconds())
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"`
}

// HealthHandler returns a liveness handler. The degraded probe reports
// whether the daemon is running on reduced capability, for example with
// persistence in memory fallback.
func HealthHandler(version string, degraded func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if degraded != nil && degraded() {
			status = "degraded"
		}

		SendJSON(w, http.StatusOK, HealthResponse{
			Status:  status,
			Version: version,
			Uptime:  Uptime(),
		})
	}
}
