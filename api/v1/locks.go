package v1

import (
	"encoding/json"
	"net/http"

	"warden/internal/gateway/handlers"
	"warden/internal/storage"
)

// HandleListLocks returns every live resource lock.
func (r *Router) HandleListLocks(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	locks, err := store.ListLocks()
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	if locks == nil {
		locks = []*storage.Lock{}
	}

	handlers.SendJSON(w, http.StatusOK, LocksResponse{Locks: locks})
}

// HandleReleaseLock releases a lock on behalf of its holder. Releasing
// a lock held by a different session answers 409 rather than silently
// stealing it.
func (r *Router) HandleReleaseLock(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	var body ReleaseLockRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if body.Resource == "" || body.SessionID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest,
			"resource and session_id are required")
		return
	}

	released, err := store.ReleaseLock(body.Resource, body.SessionID)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	if !released {
		handlers.SendError(w, http.StatusConflict, handlers.ErrCodeConflict,
			"lock is not held by that session")
		return
	}

	handlers.SendJSON(w, http.StatusOK, ReleaseLockResponse{Released: true})
}
