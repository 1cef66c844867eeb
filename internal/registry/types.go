package registry

import (
	"errors"
	"time"
)

// Session status values.
const (
	StatusIdle   = "idle"
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Delegation status values. Completed, failed and cancelled are terminal.
const (
	DelegationPending   = "pending"
	DelegationActive    = "active"
	DelegationCompleted = "completed"
	DelegationFailed    = "failed"
	DelegationCancelled = "cancelled"
)

// IsTerminalDelegation reports whether a delegation status is final.
func IsTerminalDelegation(status string) bool {
	switch status {
	case DelegationCompleted, DelegationFailed, DelegationCancelled:
		return true
	}
	return false
}

// ErrSessionNotFound is returned when the target session is not registered.
var ErrSessionNotFound = errors.New("session not found")

// ErrParentNotFound is returned when a register call names a missing parent.
var ErrParentNotFound = errors.New("parent session not found")

// ErrDelegationNotFound is returned when a delegation id is not active on
// the session.
var ErrDelegationNotFound = errors.New("delegation not found")

// ErrTooManyDelegations is returned when a session is already at its
// concurrent delegation cap.
var ErrTooManyDelegations = errors.New("too many concurrent delegations")

// maxCompletedDelegations bounds the per-session completed ring.
const maxCompletedDelegations = 50

// maxFallbackHistory bounds the fallback activation history ring.
const maxFallbackHistory = 20

// Hierarchy describes where a session sits in the delegation tree.
type Hierarchy struct {
	IsRoot   bool    `json:"is_root"`
	ParentID int64   `json:"parent_id,omitempty"`
	RootID   int64   `json:"root_id"`
	Depth    int     `json:"depth"`
	ChildIDs []int64 `json:"child_ids,omitempty"`
}

// RollupMetrics is the recursive aggregation of a session and its
// registered descendants.
type RollupMetrics struct {
	TotalTokens        int64   `json:"total_tokens"`
	TotalCost          float64 `json:"total_cost"`
	ActiveAgentCount   int     `json:"active_agent_count"`
	TotalAgentCount    int     `json:"total_agent_count"`
	MaxDelegationDepth int     `json:"max_delegation_depth"`
	ChildSessionCount  int     `json:"child_session_count"`
	AvgQuality         int     `json:"avg_quality"`
}

// Delegation is one unit of work handed from a parent session to a
// target agent.
type Delegation struct {
	ID              string            `json:"id"`
	ParentSessionID int64             `json:"parent_session_id"`
	TargetAgentID   string            `json:"target_agent_id"`
	TaskID          string            `json:"task_id"`
	Pattern         string            `json:"pattern,omitempty"`
	Status          string            `json:"status"`
	Retries         int               `json:"retries,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Result          string            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Session is the in-process record of one agent session.
type Session struct {
	ID              int64     `json:"id"`
	ProjectKey      string    `json:"project_key"`
	AgentType       string    `json:"agent_type,omitempty"`
	Status          string    `json:"status"`
	StartTime       time.Time `json:"start_time"`
	LastUpdate      time.Time `json:"last_update"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	EndedAt         time.Time `json:"ended_at"`
	RuntimeMS       int64     `json:"runtime_ms"`
	ContextPercent  int       `json:"context_percent"`
	QualityScore    int       `json:"quality_score"`
	ConfidenceScore int       `json:"confidence_score"`
	Tokens          int64     `json:"tokens"`
	Cost            float64   `json:"cost"`

	Hierarchy Hierarchy `json:"hierarchy"`

	ActiveDelegations    []Delegation `json:"active_delegations,omitempty"`
	CompletedDelegations []Delegation `json:"completed_delegations,omitempty"`

	// Rollup holds the last computed aggregation for this subtree.
	Rollup RollupMetrics `json:"rollup_metrics"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// HierarchyNode is one element of a subtree snapshot.
type HierarchyNode struct {
	SessionID             int64            `json:"session_id"`
	Project               string           `json:"project"`
	Status                string           `json:"status"`
	Depth                 int              `json:"depth"`
	IsRoot                bool             `json:"is_root"`
	ActiveDelegationCount int              `json:"active_delegation_count"`
	Metrics               RollupMetrics    `json:"metrics"`
	Children              []*HierarchyNode `json:"children,omitempty"`
}

// Alert kinds and severities.
const (
	AlertContextHigh   = "context_high"
	AlertConfidenceLow = "confidence_low"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a currently firing per-session predicate.
type Alert struct {
	SessionID int64     `json:"session_id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Config tunes stale cleanup and persistence recovery.
type Config struct {
	// StaleTimeout is how long a session may go without updates before
	// the sweep removes it. Default 30 minutes.
	StaleTimeout time.Duration

	// RecoveryInterval is the initial delay before a recovery attempt.
	// Default 60 seconds.
	RecoveryInterval time.Duration

	// BackoffMultiplier scales the recovery delay after each failed
	// attempt. Default 2, capped at 5 minutes.
	BackoffMultiplier int

	// MaxRecoveryAttempts bounds scheduled recovery before the machine
	// declares exhaustion. Default 5.
	MaxRecoveryAttempts int

	// HealthCheckInterval is the cadence of SELECT 1 probes while the
	// store is considered healthy. Default 30 seconds.
	HealthCheckInterval time.Duration

	// MaxConcurrentDelegations caps the active delegations per session.
	// Default 5.
	MaxConcurrentDelegations int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StaleTimeout:             30 * time.Minute,
		RecoveryInterval:         60 * time.Second,
		BackoffMultiplier:        2,
		MaxRecoveryAttempts:      5,
		HealthCheckInterval:      30 * time.Second,
		MaxConcurrentDelegations: 5,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = def.StaleTimeout
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = def.RecoveryInterval
	}
	if c.BackoffMultiplier < 2 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.MaxConcurrentDelegations <= 0 {
		c.MaxConcurrentDelegations = def.MaxConcurrentDelegations
	}
	return c
}

// RegisterOptions carries the initial attributes of a new session.
type RegisterOptions struct {
	ProjectKey string
	AgentType  string

	// ParentID links the new session under an existing one. Zero means
	// the session is a root.
	ParentID int64

	// Status defaults to active.
	Status string

	Metadata map[string]string
}

// SessionUpdate is a partial mutation. Nil pointers leave the field
// untouched; an empty Status is ignored.
type SessionUpdate struct {
	Status          string
	ContextPercent  *int
	QualityScore    *int
	ConfidenceScore *int
	Tokens          *int64
	Cost            *float64
	Metadata        map[string]string
}
