package v1

import (
	"net/http"

	"warden/internal/gateway/handlers"
)

// HandleFallbackStatus reports the persistence fallback machine.
func (r *Router) HandleFallbackStatus(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	handlers.SendJSON(w, http.StatusOK, r.registry.FallbackStatus())
}

// HandleForceRecovery triggers an immediate store reopen, ignoring the
// backoff schedule and the attempt budget.
func (r *Router) HandleForceRecovery(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	if err := r.registry.ForceRecovery(); err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, r.registry.FallbackStatus())
}
