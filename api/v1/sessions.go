package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"warden/internal/gateway/handlers"
	"warden/internal/registry"
)

func (r *Router) requireRegistry(w http.ResponseWriter) bool {
	if r.registry == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"session registry not available")
		return false
	}
	return true
}

// HandleListSessions returns registered sessions, optionally filtered
// by ?status=.
func (r *Router) HandleListSessions(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	sessions := r.registry.ListSessions()

	if status := req.URL.Query().Get("status"); status != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Status == status {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	if sessions == nil {
		sessions = []*registry.Session{}
	}

	handlers.SendJSON(w, http.StatusOK, SessionsListResponse{Sessions: sessions})
}

// HandleRegisterSession registers a session and returns its id.
func (r *Router) HandleRegisterSession(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	var body RegisterSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.ProjectKey == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "project_key is required")
		return
	}

	id, err := r.registry.Register(registry.RegisterOptions{
		ProjectKey: body.ProjectKey,
		AgentType:  body.AgentType,
		ParentID:   body.ParentID,
		Status:     body.Status,
		Metadata:   body.Metadata,
	})
	if err != nil {
		if errors.Is(err, registry.ErrParentNotFound) {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "parent session not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusCreated, RegisterSessionResponse{ID: id})
}

// HandleGetSession returns one session.
func (r *Router) HandleGetSession(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	s, err := r.registry.GetSession(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, s)
}

// HandleUpdateSession applies a partial update and propagates token
// and cost deltas into ancestor rollups.
func (r *Router) HandleUpdateSession(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	var body UpdateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	before, err := r.registry.GetSession(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	err = r.registry.Update(id, registry.SessionUpdate{
		Status:          body.Status,
		ContextPercent:  body.ContextPercent,
		QualityScore:    body.QualityScore,
		ConfidenceScore: body.ConfidenceScore,
		Tokens:          body.Tokens,
		Cost:            body.Cost,
		Metadata:        body.Metadata,
	})
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	if body.Tokens != nil {
		if delta := *body.Tokens - before.Tokens; delta != 0 {
			_ = r.registry.PropagateMetricUpdate(id, "tokens", float64(delta))
		}
	}
	if body.Cost != nil {
		if delta := *body.Cost - before.Cost; delta != 0 {
			_ = r.registry.PropagateMetricUpdate(id, "cost", delta)
		}
	}

	after, err := r.registry.GetSession(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, after)
}

// HandleDeregisterSession marks a session ended. The entry remains
// visible until the stale sweep collects it.
func (r *Router) HandleDeregisterSession(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	if err := r.registry.Deregister(id); err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "session deregistered"})
}

// HandleHeartbeat refreshes a session's liveness timestamps.
func (r *Router) HandleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	if err := r.registry.Heartbeat(id); err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleGetHierarchy returns the session's subtree with per-node
// rollup metrics.
func (r *Router) HandleGetHierarchy(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	node, err := r.registry.GetHierarchy(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, node)
}

// HandleGetRollup returns freshly computed subtree metrics.
func (r *Router) HandleGetRollup(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	rollup, err := r.registry.GetRollupMetrics(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, rollup)
}

// HandleSessionAlerts returns the alerts firing for one session.
func (r *Router) HandleSessionAlerts(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	alerts, err := r.registry.SessionAlerts(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	if alerts == nil {
		alerts = []registry.Alert{}
	}

	handlers.SendJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts})
}

// HandleListAlerts returns every alert currently firing.
func (r *Router) HandleListAlerts(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	alerts := r.registry.GetAlerts()
	if alerts == nil {
		alerts = []registry.Alert{}
	}

	handlers.SendJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts})
}
