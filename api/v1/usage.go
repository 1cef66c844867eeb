package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"warden/internal/gateway/handlers"
)

func (r *Router) requireGovernor(w http.ResponseWriter) bool {
	if r.governor == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable,
			"rate governor not available")
		return false
	}
	return true
}

// HandleUsage returns the governor's three-window usage snapshot.
func (r *Router) HandleUsage(w http.ResponseWriter, req *http.Request) {
	if !r.requireGovernor(w) {
		return
	}

	handlers.SendJSON(w, http.StatusOK, r.governor.GetUsage())
}

// HandleUsageCheck runs an admission check without consuming quota.
func (r *Router) HandleUsageCheck(w http.ResponseWriter, req *http.Request) {
	if !r.requireGovernor(w) {
		return
	}

	var body UsageCheckRequest
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}

	decision := r.governor.CanMakeCall(body.EstimatedTokens)
	if !decision.Safe {
		retryAfter := decision.TimeToResetMS / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited,
			fmt.Sprintf("%s at %.0f%% utilization", decision.LimitingFactor, decision.Utilization*100))
		return
	}

	handlers.SendJSON(w, http.StatusOK, decision)
}

// HandleUsageRecord books a completed call against every window and
// the cost ledger.
func (r *Router) HandleUsageRecord(w http.ResponseWriter, req *http.Request) {
	if !r.requireGovernor(w) {
		return
	}

	var body UsageRecordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	r.governor.RecordCall(body.Tokens)
	if body.CostUSD > 0 {
		r.governor.RecordSpend(body.CostUSD)
	}

	handlers.SendJSON(w, http.StatusOK, r.governor.GetUsage())
}
