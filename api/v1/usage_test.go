package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/ratelimit"
)

func TestHandleUsage(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	rr := httptest.NewRecorder()

	router.HandleUsage(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var usage ratelimit.Usage
	err := json.NewDecoder(rr.Body).Decode(&usage)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.PlanPro, usage.Plan)
	assert.Equal(t, ratelimit.LevelOK, usage.Level)
	assert.Zero(t, usage.Minute.Calls)
}

func TestHandleUsageRecord(t *testing.T) {
	router := newTestRouter(t)

	body := bytes.NewBufferString(`{"tokens":1200,"cost_usd":0.75}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/record", body)
	rr := httptest.NewRecorder()

	router.HandleUsageRecord(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var usage ratelimit.Usage
	err := json.NewDecoder(rr.Body).Decode(&usage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Minute.Calls)
	assert.Equal(t, int64(1200), usage.Minute.Tokens)
	assert.InDelta(t, 0.75, usage.SpentUSD, 0.001)
}

func TestHandleUsageCheck_Safe(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/check", bytes.NewBufferString(`{"estimated_tokens":100}`))
	rr := httptest.NewRecorder()

	router.HandleUsageCheck(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var decision ratelimit.Decision
	err := json.NewDecoder(rr.Body).Decode(&decision)
	require.NoError(t, err)
	assert.True(t, decision.Safe)
}

func TestHandleUsageCheck_RateLimited(t *testing.T) {
	router := newTestRouter(t)

	// Projecting the full minute token budget in one call pushes
	// utilization to 100% and the emergency level.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/check", bytes.NewBufferString(`{"estimated_tokens":40000}`))
	rr := httptest.NewRecorder()

	router.HandleUsageCheck(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	err := json.NewDecoder(rr.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
}
