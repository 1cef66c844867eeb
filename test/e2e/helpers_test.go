package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
)

// Request helpers

// makeRequest makes an HTTP request to the test server.
func makeRequest(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	env := GetTestEnv()
	if env == nil {
		t.Fatal("Test environment not initialized")
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	url := env.BaseURL + path //nolint:staticcheck // SA5011: Check above ensures non-nil
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := env.Client.Do(req) //nolint:staticcheck // SA5011: env checked above
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	return resp
}

// parseResponse parses a JSON response into the given target.
func parseResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			t.Fatalf("Failed to parse response JSON: %v\nBody: %s", err, string(data))
		}
	}
}

// assertStatus asserts the response status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()

	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("Expected status %d, got %d. Body: %s", expected, resp.StatusCode, string(body))
	}
}

// Session helpers

// registerSession registers a new session and returns its ID.
//
//nolint:unused // Test helper
func registerSession(t *testing.T, projectKey string) float64 {
	t.Helper()

	body := map[string]interface{}{
		"project_key": projectKey,
	}

	resp := makeRequest(t, "POST", "/api/v1/sessions", body)
	assertStatus(t, resp, http.StatusCreated)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	id, ok := result["id"].(float64)
	if !ok {
		t.Fatal("Session ID not found in response")
	}
	return id
}

// getSession retrieves a session by ID.
//
//nolint:unused // Test helper
func getSession(t *testing.T, id int64) map[string]interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)
	return result
}

// listSessions retrieves all sessions.
func listSessions(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/sessions", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	sessions, ok := result["sessions"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return sessions
}

// Lock helpers

// listLocks retrieves all active coordination locks.
func listLocks(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/locks", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	locks, ok := result["locks"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return locks
}

// releaseLock releases a lock held by the given session.
//
//nolint:unused // Test helper
func releaseLock(t *testing.T, resource, sessionID string) {
	t.Helper()

	body := map[string]interface{}{
		"resource":   resource,
		"session_id": sessionID,
	}

	resp := makeRequest(t, "POST", "/api/v1/locks/release", body)
	assertStatus(t, resp, http.StatusOK)
}

// Conflict helpers

// listConflicts retrieves pending conflicts.
func listConflicts(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/conflicts", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	conflicts, ok := result["conflicts"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return conflicts
}

// Journal helpers

// listJournal retrieves recent change journal entries.
func listJournal(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/journal", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	changes, ok := result["changes"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return changes
}

// Usage helpers

// getUsage retrieves the governor usage snapshot.
func getUsage(t *testing.T) map[string]interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/usage", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)
	return result
}

// checkUsage runs an admission check for the given token estimate. The
// raw response is returned so callers can assert on 429s.
//
//nolint:unused // Test helper
func checkUsage(t *testing.T, estimatedTokens int64) *http.Response {
	t.Helper()

	body := map[string]interface{}{
		"estimated_tokens": estimatedTokens,
	}
	return makeRequest(t, "POST", "/api/v1/usage/check", body)
}

// Delegation helpers

// listDelegations retrieves the recent delegation audit trail.
func listDelegations(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/delegations", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	delegations, ok := result["delegations"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return delegations
}

// Metrics helpers

// getMetrics retrieves the current metrics snapshot.
func getMetrics(t *testing.T) map[string]interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/metrics", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)
	return result
}

// Agent helpers

// listAgents retrieves all lifecycle agent states.
func listAgents(t *testing.T) []interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/agents", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)

	agents, ok := result["agents"].([]interface{})
	if !ok {
		return []interface{}{}
	}
	return agents
}

// Health helpers

// getHealth retrieves the health status.
func getHealth(t *testing.T) map[string]interface{} {
	t.Helper()

	resp := makeRequest(t, "GET", "/api/v1/health", nil)
	assertStatus(t, resp, http.StatusOK)

	var result map[string]interface{}
	parseResponse(t, resp, &result)
	return result
}
