package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"warden/internal/gateway/handlers"
	"warden/internal/storage"
)

// HandleListConflicts returns recent conflicts, newest first.
func (r *Router) HandleListConflicts(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	limit := queryLimit(req, 50, 500)
	conflicts, err := store.ListConflicts(limit)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	if conflicts == nil {
		conflicts = []*storage.Conflict{}
	}

	handlers.SendJSON(w, http.StatusOK, ConflictsResponse{Conflicts: conflicts})
}

// HandleGetConflict returns one conflict with its full field diff.
func (r *Router) HandleGetConflict(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	id := mux.Vars(req)["id"]
	conflict, err := store.GetConflict(id)
	if err != nil {
		if errors.Is(err, storage.ErrConflictNotFound) {
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "conflict not found")
			return
		}
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, conflict)
}

// HandleResolveConflict records a resolution on a pending conflict.
// Conflicts already in a terminal state answer 409.
func (r *Router) HandleResolveConflict(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	id := mux.Vars(req)["id"]

	var body ResolveConflictRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.Resolution == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "resolution is required")
		return
	}

	err := store.ResolveConflict(id, body.Resolution, storage.ResolveOptions{
		ResolvedBy: body.ResolvedBy,
		Notes:      body.Notes,
		Data:       body.Data,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflictNotFound):
			handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "conflict not found")
		case errors.Is(err, storage.ErrConflictResolved):
			handlers.SendError(w, http.StatusConflict, handlers.ErrCodeConflict, "conflict already resolved")
		default:
			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		}
		return
	}

	handlers.SendJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "conflict resolved"})
}
