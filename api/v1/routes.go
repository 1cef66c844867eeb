// Package v1 implements the coordination REST API served under
// /api/v1. Handlers are thin adapters over the registry, lifecycle
// machine, governor, metrics aggregator and coordination store; the
// interesting semantics live in those packages.
package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"warden/internal/delegation"
	"warden/internal/gateway/handlers"
	"warden/internal/lifecycle"
	"warden/internal/metrics"
	"warden/internal/ratelimit"
	"warden/internal/registry"
	"warden/internal/storage"
)

// RouterDeps holds dependencies for the v1 API router.
type RouterDeps struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Machine
	Governor  *ratelimit.Governor
	Metrics   *metrics.Aggregator
	Decider   *delegation.Decider
	Version   string
}

// Router wraps v1 API dependencies.
type Router struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Machine
	governor  *ratelimit.Governor
	metrics   *metrics.Aggregator
	decider   *delegation.Decider
	version   string
}

// NewRouter creates a new v1 API router.
func NewRouter(deps *RouterDeps) *Router {
	if deps == nil {
		deps = &RouterDeps{}
	}
	return &Router{
		registry:  deps.Registry,
		lifecycle: deps.Lifecycle,
		governor:  deps.Governor,
		metrics:   deps.Metrics,
		decider:   deps.Decider,
		version:   deps.Version,
	}
}

// RegisterRoutes registers all v1 API routes.
func (r *Router) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Health
	v1.HandleFunc("/health", r.HandleHealth).Methods(http.MethodGet)

	// Sessions
	v1.HandleFunc("/sessions", r.HandleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", r.HandleRegisterSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", r.HandleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", r.HandleUpdateSession).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}", r.HandleDeregisterSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/heartbeat", r.HandleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/hierarchy", r.HandleGetHierarchy).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/rollup", r.HandleGetRollup).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/alerts", r.HandleSessionAlerts).Methods(http.MethodGet)

	// Per-session delegations
	v1.HandleFunc("/sessions/{id}/delegations", r.HandleSessionDelegations).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/delegations", r.HandleAddDelegation).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/delegations/{delegationId}", r.HandleUpdateDelegation).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}/delegations/{delegationId}/retry", r.HandleRetryDelegation).Methods(http.MethodPost)

	// Alerts
	v1.HandleFunc("/alerts", r.HandleListAlerts).Methods(http.MethodGet)

	// Delegation audit trail and decision engine
	v1.HandleFunc("/delegations", r.HandleRecentDelegations).Methods(http.MethodGet)
	v1.HandleFunc("/delegations/decide", r.HandleDecide).Methods(http.MethodPost)
	v1.HandleFunc("/delegations/sequence", r.HandleSequence).Methods(http.MethodPost)

	// Coordination locks
	v1.HandleFunc("/locks", r.HandleListLocks).Methods(http.MethodGet)
	v1.HandleFunc("/locks/release", r.HandleReleaseLock).Methods(http.MethodPost)

	// Conflicts
	v1.HandleFunc("/conflicts", r.HandleListConflicts).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts/{id}", r.HandleGetConflict).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts/{id}/resolve", r.HandleResolveConflict).Methods(http.MethodPost)

	// Change journal
	v1.HandleFunc("/journal", r.HandleJournal).Methods(http.MethodGet)

	// Usage governor
	v1.HandleFunc("/usage", r.HandleUsage).Methods(http.MethodGet)
	v1.HandleFunc("/usage/check", r.HandleUsageCheck).Methods(http.MethodPost)
	v1.HandleFunc("/usage/record", r.HandleUsageRecord).Methods(http.MethodPost)

	// Metrics
	v1.HandleFunc("/metrics", r.HandleMetricsSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/history", r.HandleMetricsHistory).Methods(http.MethodGet)

	// Agent lifecycle
	v1.HandleFunc("/agents", r.HandleListAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}", r.HandleGetAgent).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/aggregate", r.HandleAgentAggregate).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/history", r.HandleAgentHistory).Methods(http.MethodGet)

	// System
	v1.HandleFunc("/system/fallback", r.HandleFallbackStatus).Methods(http.MethodGet)
	v1.HandleFunc("/system/recover", r.HandleForceRecovery).Methods(http.MethodPost)
}

// HandleHealth reports daemon liveness, session counts and which
// persistence tier is active.
func (r *Router) HandleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: r.version,
		Uptime:  handlers.Uptime(),
		Storage: StorageConditions{Backend: "memory", Fallback: false},
	}

	if r.registry != nil {
		resp.Sessions = SessionCounts{
			Total:  len(r.registry.ListSessions()),
			Active: r.registry.ActiveCount(),
		}
		if store := r.registry.Store(); store != nil {
			resp.Storage.Backend = "sqlite"
			resp.Storage.Path = store.Path()
		} else {
			resp.Storage.Fallback = r.registry.FallbackStatus().Active
			if resp.Storage.Fallback {
				resp.Status = "degraded"
			}
		}
	}

	handlers.SendJSON(w, http.StatusOK, resp)
}

// store returns the coordination store, or nil while the registry runs
// on the memory fallback.
func (r *Router) store() *storage.Store {
	if r.registry == nil {
		return nil
	}
	return r.registry.Store()
}

// sessionID parses the {id} route variable. A false return means the
// response has already been written.
func sessionID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

// queryLimit parses a ?limit= parameter with a default and upper bound.
func queryLimit(req *http.Request, def, max int) int {
	limit := def
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// sendStoreUnavailable answers requests that need the store while the
// registry is degraded to memory.
func sendStoreUnavailable(w http.ResponseWriter) {
	handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
		"persistence unavailable, daemon is running on memory fallback")
}
