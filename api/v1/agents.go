package v1

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"warden/internal/gateway/handlers"
	"warden/internal/lifecycle"
)

func (r *Router) requireLifecycle(w http.ResponseWriter) bool {
	if r.lifecycle == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"lifecycle machine not available")
		return false
	}
	return true
}

// HandleListAgents returns the lifecycle state of every tracked agent.
func (r *Router) HandleListAgents(w http.ResponseWriter, req *http.Request) {
	if !r.requireLifecycle(w) {
		return
	}

	agents := r.lifecycle.List()
	if agents == nil {
		agents = []*lifecycle.StateEntry{}
	}

	handlers.SendJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

// HandleGetAgent returns the lifecycle entry of one agent.
func (r *Router) HandleGetAgent(w http.ResponseWriter, req *http.Request) {
	if !r.requireLifecycle(w) {
		return
	}

	id := mux.Vars(req)["id"]
	entry, err := r.lifecycle.GetState(id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "agent not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, entry)
}

// HandleAgentAggregate returns the subtree state rollup for one agent.
func (r *Router) HandleAgentAggregate(w http.ResponseWriter, req *http.Request) {
	if !r.requireLifecycle(w) {
		return
	}

	id := mux.Vars(req)["id"]
	agg, err := r.lifecycle.GetAggregateState(id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "agent not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, agg)
}

// HandleAgentHistory returns an agent's state transition history.
func (r *Router) HandleAgentHistory(w http.ResponseWriter, req *http.Request) {
	if !r.requireLifecycle(w) {
		return
	}

	id := mux.Vars(req)["id"]
	history, err := r.lifecycle.GetHistory(id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "agent not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	if history == nil {
		history = []lifecycle.HistoryEntry{}
	}

	handlers.SendJSON(w, http.StatusOK, AgentHistoryResponse{History: history})
}
