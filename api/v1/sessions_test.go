package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/registry"
)

func registerSession(t *testing.T, router *Router, opts registry.RegisterOptions) int64 {
	t.Helper()
	if opts.ProjectKey == "" {
		opts.ProjectKey = "proj-test"
	}
	id, err := router.registry.Register(opts)
	require.NoError(t, err)
	return id
}

func sessionVars(req *http.Request, id int64) *http.Request {
	return mux.SetURLVars(req, map[string]string{"id": strconv.FormatInt(id, 10)})
}

func TestHandleRegisterSession(t *testing.T) {
	router := newTestRouter(t)

	body := bytes.NewBufferString(`{"project_key":"proj-a","agent_type":"researcher"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	rr := httptest.NewRecorder()

	router.HandleRegisterSession(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var resp RegisterSessionResponse
	err := json.NewDecoder(rr.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Positive(t, resp.ID)

	s, err := router.registry.GetSession(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-a", s.ProjectKey)
	assert.Equal(t, "researcher", s.AgentType)
}

func TestHandleRegisterSession_MissingProjectKey(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()

	router.HandleRegisterSession(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRegisterSession_ParentNotFound(t *testing.T) {
	router := newTestRouter(t)

	body := bytes.NewBufferString(`{"project_key":"proj-a","parent_id":999}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	rr := httptest.NewRecorder()

	router.HandleRegisterSession(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleListSessions_StatusFilter(t *testing.T) {
	router := newTestRouter(t)

	registerSession(t, router, registry.RegisterOptions{Status: registry.StatusActive})
	registerSession(t, router, registry.RegisterOptions{Status: registry.StatusIdle})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?status=active", nil)
	rr := httptest.NewRecorder()

	router.HandleListSessions(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp SessionsListResponse
	err := json.NewDecoder(rr.Body).Decode(&resp)
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, registry.StatusActive, resp.Sessions[0].Status)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/42", nil)
	req = sessionVars(req, 42)
	rr := httptest.NewRecorder()

	router.HandleGetSession(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleUpdateSession_PropagatesTokens(t *testing.T) {
	router := newTestRouter(t)

	parentID := registerSession(t, router, registry.RegisterOptions{})
	childID := registerSession(t, router, registry.RegisterOptions{ParentID: parentID})

	body := bytes.NewBufferString(`{"tokens":500,"cost":1.25}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions/x", body)
	req = sessionVars(req, childID)
	rr := httptest.NewRecorder()

	router.HandleUpdateSession(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var updated registry.Session
	err := json.NewDecoder(rr.Body).Decode(&updated)
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.Tokens)
	assert.InDelta(t, 1.25, updated.Cost, 0.001)

	// The handler must refresh the parent's cached rollup, not just
	// the child row.
	parent, err := router.registry.GetSession(parentID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), parent.Rollup.TotalTokens)
	assert.InDelta(t, 1.25, parent.Rollup.TotalCost, 0.001)
}

func TestHandleUpdateSession_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions/7", bytes.NewBufferString(`{"status":"active"}`))
	req = sessionVars(req, 7)
	rr := httptest.NewRecorder()

	router.HandleUpdateSession(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleHeartbeatAndDeregister(t *testing.T) {
	router := newTestRouter(t)
	id := registerSession(t, router, registry.RegisterOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/heartbeat", nil)
	req = sessionVars(req, id)
	rr := httptest.NewRecorder()
	router.HandleHeartbeat(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/x", nil)
	req = sessionVars(req, id)
	rr = httptest.NewRecorder()
	router.HandleDeregisterSession(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	s, err := router.registry.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, s.Status)
}

func TestHandleGetHierarchy(t *testing.T) {
	router := newTestRouter(t)

	rootID := registerSession(t, router, registry.RegisterOptions{})
	registerSession(t, router, registry.RegisterOptions{ParentID: rootID})
	registerSession(t, router, registry.RegisterOptions{ParentID: rootID})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x/hierarchy", nil)
	req = sessionVars(req, rootID)
	rr := httptest.NewRecorder()

	router.HandleGetHierarchy(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var node registry.HierarchyNode
	err := json.NewDecoder(rr.Body).Decode(&node)
	require.NoError(t, err)
	assert.Equal(t, rootID, node.SessionID)
	assert.True(t, node.IsRoot)
	assert.Len(t, node.Children, 2)
}

func TestHandleListAlerts_Empty(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	rr := httptest.NewRecorder()

	router.HandleListAlerts(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"alerts":[]}`, rr.Body.String())
}
