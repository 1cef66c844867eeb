package v1

import (
	"net/http"

	"warden/internal/gateway/handlers"
	"warden/internal/storage"
)

// HandleJournal returns the latest change journal entries, newest
// first.
func (r *Router) HandleJournal(w http.ResponseWriter, req *http.Request) {
	store := r.store()
	if store == nil {
		sendStoreUnavailable(w)
		return
	}

	limit := queryLimit(req, 50, 1000)
	changes, err := store.GetRecentChanges(limit)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	if changes == nil {
		changes = []*storage.ChangeEntry{}
	}

	handlers.SendJSON(w, http.StatusOK, JournalResponse{Changes: changes})
}
