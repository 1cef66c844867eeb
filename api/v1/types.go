package v1

import (
	"encoding/json"

	"warden/internal/delegation"
	"warden/internal/lifecycle"
	"warden/internal/metrics"
	"warden/internal/registry"
	"warden/internal/storage"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Uptime   int64             `json:"uptime"`
	Sessions SessionCounts     `json:"sessions"`
	Storage  StorageConditions `json:"storage"`
}

// SessionCounts summarizes the in-process session registry.
type SessionCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// StorageConditions reports which persistence tier is serving writes.
type StorageConditions struct {
	Backend  string `json:"backend"`
	Path     string `json:"path,omitempty"`
	Fallback bool   `json:"fallback"`
}

// RegisterSessionRequest is the body of POST /api/v1/sessions.
type RegisterSessionRequest struct {
	ProjectKey string            `json:"project_key"`
	AgentType  string            `json:"agent_type,omitempty"`
	ParentID   int64             `json:"parent_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RegisterSessionResponse returns the assigned session id.
type RegisterSessionResponse struct {
	ID int64 `json:"id"`
}

// UpdateSessionRequest is the body of PUT /api/v1/sessions/{id}.
// Omitted fields leave the session untouched.
type UpdateSessionRequest struct {
	Status          string            `json:"status,omitempty"`
	ContextPercent  *int              `json:"context_percent,omitempty"`
	QualityScore    *int              `json:"quality_score,omitempty"`
	ConfidenceScore *int              `json:"confidence_score,omitempty"`
	Tokens          *int64            `json:"tokens,omitempty"`
	Cost            *float64          `json:"cost,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SessionsListResponse is the body of GET /api/v1/sessions.
type SessionsListResponse struct {
	Sessions []*registry.Session `json:"sessions"`
}

// AlertsResponse is the body of the alert listing endpoints.
type AlertsResponse struct {
	Alerts []registry.Alert `json:"alerts"`
}

// AddDelegationRequest is the body of POST /api/v1/sessions/{id}/delegations.
type AddDelegationRequest struct {
	ID            string            `json:"id,omitempty"`
	TargetAgentID string            `json:"target_agent_id"`
	TaskID        string            `json:"task_id"`
	Pattern       string            `json:"pattern,omitempty"`
	Status        string            `json:"status,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AddDelegationResponse returns the delegation id.
type AddDelegationResponse struct {
	ID string `json:"id"`
}

// UpdateDelegationRequest is the body of
// PUT /api/v1/sessions/{id}/delegations/{delegationId}.
type UpdateDelegationRequest struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SessionDelegationsResponse lists a session's delegations.
type SessionDelegationsResponse struct {
	Active    []registry.Delegation `json:"active"`
	Completed []registry.Delegation `json:"completed"`
}

// RetryDelegationResponse reports the new retry count.
type RetryDelegationResponse struct {
	ID      string `json:"id"`
	Retries int    `json:"retries"`
	Status  string `json:"status"`
}

// RecentDelegationsResponse is the body of GET /api/v1/delegations.
type RecentDelegationsResponse struct {
	Delegations []*storage.DelegationRecord `json:"delegations"`
}

// DecideRequest is the body of POST /api/v1/delegations/decide.
type DecideRequest struct {
	Task               delegation.Task  `json:"task"`
	Agent              delegation.Agent `json:"agent"`
	ContextUtilization int              `json:"context_utilization,omitempty"`
	SkipCache          bool             `json:"skip_cache,omitempty"`
}

// SequenceRequest is the body of POST /api/v1/delegations/sequence.
type SequenceRequest struct {
	Tasks []delegation.Task `json:"tasks"`
}

// SequenceResponse returns tasks in dependency order.
type SequenceResponse struct {
	Tasks []delegation.Task `json:"tasks"`
}

// LocksResponse is the body of GET /api/v1/locks.
type LocksResponse struct {
	Locks []*storage.Lock `json:"locks"`
}

// ReleaseLockRequest is the body of POST /api/v1/locks/release.
type ReleaseLockRequest struct {
	Resource  string `json:"resource"`
	SessionID string `json:"session_id"`
}

// ReleaseLockResponse reports whether the lock was released.
type ReleaseLockResponse struct {
	Released bool `json:"released"`
}

// ConflictsResponse is the body of GET /api/v1/conflicts.
type ConflictsResponse struct {
	Conflicts []*storage.Conflict `json:"conflicts"`
}

// ResolveConflictRequest is the body of
// POST /api/v1/conflicts/{id}/resolve.
type ResolveConflictRequest struct {
	Resolution string          `json:"resolution"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// JournalResponse is the body of GET /api/v1/journal.
type JournalResponse struct {
	Changes []*storage.ChangeEntry `json:"changes"`
}

// UsageCheckRequest is the body of POST /api/v1/usage/check.
type UsageCheckRequest struct {
	EstimatedTokens int64 `json:"estimated_tokens,omitempty"`
}

// UsageRecordRequest is the body of POST /api/v1/usage/record.
type UsageRecordRequest struct {
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// MetricsHistoryResponse is the body of GET /api/v1/metrics/history.
type MetricsHistoryResponse struct {
	Snapshots []metrics.Snapshot `json:"snapshots"`
}

// AgentsResponse is the body of GET /api/v1/agents.
type AgentsResponse struct {
	Agents []*lifecycle.StateEntry `json:"agents"`
}

// AgentHistoryResponse is the body of GET /api/v1/agents/{id}/history.
type AgentHistoryResponse struct {
	History []lifecycle.HistoryEntry `json:"history"`
}

// SuccessResponse is a generic acknowledgement body.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
