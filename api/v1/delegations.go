package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"warden/internal/delegation"
	"warden/internal/gateway/handlers"
	"warden/internal/metrics"
	"warden/internal/registry"
)

// HandleSessionDelegations returns the active and completed
// delegations of one session.
func (r *Router) HandleSessionDelegations(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	active, completed, err := r.registry.GetDelegations(id)
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	if active == nil {
		active = []registry.Delegation{}
	}
	if completed == nil {
		completed = []registry.Delegation{}
	}

	handlers.SendJSON(w, http.StatusOK, SessionDelegationsResponse{
		Active:    active,
		Completed: completed,
	})
}

// HandleAddDelegation attaches a delegation to a session.
func (r *Router) HandleAddDelegation(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}

	var body AddDelegationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.TargetAgentID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "target_agent_id is required")
		return
	}

	delegationID, err := r.registry.AddDelegation(id, registry.Delegation{
		ID:            body.ID,
		TargetAgentID: body.TargetAgentID,
		TaskID:        body.TaskID,
		Pattern:       body.Pattern,
		Status:        body.Status,
		Metadata:      body.Metadata,
	})
	if errors.Is(err, registry.ErrTooManyDelegations) {
		handlers.SendError(w, http.StatusConflict, handlers.ErrCodeConflict, err.Error())
		return
	}
	if err != nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusCreated, AddDelegationResponse{ID: delegationID})
}

// HandleUpdateDelegation transitions a delegation's status. Terminal
// states carry the result or error payload along.
func (r *Router) HandleUpdateDelegation(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}
	delegationID := mux.Vars(req)["delegationId"]

	var body UpdateDelegationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.Status == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "status is required")
		return
	}

	err := r.registry.UpdateDelegation(id, delegationID, body.Status, registry.DelegationResult{
		Result: body.Result,
		Error:  body.Error,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDelegationNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "delegation not found")
			return
		}
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleRetryDelegation requeues a delegation and bumps its retry
// counter.
func (r *Router) HandleRetryDelegation(w http.ResponseWriter, req *http.Request) {
	if !r.requireRegistry(w) {
		return
	}

	id, ok := sessionID(w, req)
	if !ok {
		return
	}
	delegationID := mux.Vars(req)["delegationId"]

	retries, err := r.registry.MarkDelegationRetry(id, delegationID)
	if err != nil {
		if errors.Is(err, registry.ErrDelegationNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "delegation not found")
			return
		}
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "session not found")
		return
	}

	handlers.SendJSON(w, http.StatusOK, RetryDelegationResponse{
		ID:      delegationID,
		Retries: retries,
		Status:  registry.DelegationPending,
	})
}

// HandleRecentDelegations returns the latest delegation audit rows
// from the store.
func (r *Router) HandleRecentDelegations(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	limit := queryLimit(req, 50, 500)
	records, err := store.GetRecentDelegations(limit)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, RecentDelegationsResponse{Delegations: records})
}

// HandleDecide scores a task and agent pairing and answers with the
// full decision trace.
func (r *Router) HandleDecide(w http.ResponseWriter, req *http.Request) {
	if r.decider == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"delegation decider not available")
		return
	}

	var body DecideRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.Task.ID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "task.id is required")
		return
	}

	decision := r.decider.Decide(body.Task, body.Agent, delegation.DecideOptions{
		ContextUtilization: body.ContextUtilization,
		SkipCache:          body.SkipCache,
	})

	// Cache hits repeat the same factor values and would skew the
	// distributions.
	if r.metrics != nil && !decision.Cached {
		r.metrics.Observe(metrics.HistSubtaskCount, float64(decision.Factors.SubtaskCount))
		r.metrics.Observe(metrics.HistDelegationDepth, float64(body.Agent.CurrentDepth))
	}

	handlers.SendJSON(w, http.StatusOK, decision)
}

// HandleSequence orders tasks so dependencies run before dependents.
func (r *Router) HandleSequence(w http.ResponseWriter, req *http.Request) {
	var body SequenceRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	ordered, err := delegation.OrderSequential(body.Tasks)
	if err != nil {
		if errors.Is(err, delegation.ErrDependencyCycle) {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, SequenceResponse{Tasks: ordered})
}
