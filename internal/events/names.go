package events

// Event type names form the external contract consumed by the metrics
// aggregator, the WebSocket feed and downstream tooling. Renaming one
// is a breaking change.
const (
	SessionRegistered    = "session:registered"
	SessionHeartbeat     = "session:heartbeat"
	SessionDeregistered  = "session:deregistered"
	SessionExpired       = "session:expired"
	SessionChildAdded    = "session:childAdded"
	SessionRollupUpdated = "session:rollupUpdated"

	LockAcquired  = "lock:acquired"
	LockExtended  = "lock:extended"
	LockRefreshed = "lock:refreshed"
	LockReleased  = "lock:released"
	LockExpired   = "lock:expired"
	LocksCleanup  = "locks:cleanup"

	ChangeRecorded = "change:recorded"
	ChangeApplied  = "change:applied"
	JournalPruned  = "journal:pruned"

	ConflictDetected = "conflict:detected"
	ConflictResolved = "conflict:resolved"
	ConflictsPruned  = "conflicts:pruned"

	StateChanged      = "state:changed"
	AgentRegistered   = "agent:registered"
	AgentUnregistered = "agent:unregistered"

	DelegationAdded     = "delegation:added"
	DelegationUpdated   = "delegation:updated"
	DelegationStarted   = "delegation:started"
	DelegationCompleted = "delegation:completed"
	DelegationRetry     = "delegation:retry"
	DelegationTimeout   = "delegation:timeout"

	MetricsSnapshot = "metrics:snapshot"
	MetricsReset    = "metrics:reset"
	MetricsPersist  = "metrics:persist"
	MetricsClosed   = "metrics:closed"

	PersistenceFallback          = "persistence:fallback"
	PersistenceReconnected       = "persistence:reconnected"
	PersistenceRecoveryAttempt   = "persistence:recoveryAttempt"
	PersistenceRecoveryExhausted = "persistence:recoveryExhausted"

	ShadowEnabled  = "shadow:enabled"
	ShadowDisabled = "shadow:disabled"

	ConfigReloaded = "config:reloaded"
)
