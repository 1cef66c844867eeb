package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"warden/internal/events"
	"warden/internal/storage"
	"warden/pkg/logger"
)

// Reason classifies why the store became unusable.
type Reason string

const (
	ReasonModuleMissing    Reason = "module_missing"
	ReasonDirectoryFailure Reason = "directory_failure"
	ReasonOpenFailure      Reason = "open_failure"
	ReasonInitFailure      Reason = "init_failure"
	ReasonLocked           Reason = "locked"
	ReasonCorrupt          Reason = "corrupt"
	ReasonDiskFull         Reason = "disk_full"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonUnknown          Reason = "unknown"
)

// Strategy describes what the registry does about a fallback reason.
type Strategy string

const (
	// StrategyRetry schedules automatic recovery with backoff.
	StrategyRetry Strategy = "retry"
	// StrategyUserAction waits for the operator to free space or fix
	// permissions; ForceRecovery retries on demand.
	StrategyUserAction Strategy = "user_action"
	// StrategyManual means the database itself needs intervention.
	StrategyManual Strategy = "manual"
	// StrategyNone marks conditions recovery cannot fix.
	StrategyNone Strategy = "none"
)

// maxRecoveryDelay caps the exponential backoff between attempts.
const maxRecoveryDelay = 5 * time.Minute

func strategyFor(reason Reason) Strategy {
	switch reason {
	case ReasonDirectoryFailure, ReasonOpenFailure, ReasonLocked, ReasonUnknown:
		return StrategyRetry
	case ReasonDiskFull, ReasonPermissionDenied:
		return StrategyUserAction
	case ReasonCorrupt, ReasonInitFailure:
		return StrategyManual
	case ReasonModuleMissing:
		return StrategyNone
	}
	return StrategyRetry
}

// classifyReason maps a store error onto a fallback reason. Open errors
// carry the failing stage; anything else is judged by its cause text.
func classifyReason(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var oe *storage.OpenError
	if errors.As(err, &oe) {
		switch oe.Stage {
		case storage.StageDirectory:
			return ReasonDirectoryFailure
		case storage.StageInit:
			if inspectCause(oe.Err) == ReasonCorrupt {
				return ReasonCorrupt
			}
			return ReasonInitFailure
		case storage.StageOpen:
			if reason := inspectCause(oe.Err); reason != ReasonUnknown {
				return reason
			}
			return ReasonOpenFailure
		}
	}
	return inspectCause(err)
}

func inspectCause(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unknown driver"):
		return ReasonModuleMissing
	case os.IsPermission(err), strings.Contains(msg, "permission denied"), strings.Contains(msg, "readonly database"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "no space left"), strings.Contains(msg, "database or disk is full"):
		return ReasonDiskFull
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "locked"):
		return ReasonLocked
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"), strings.Contains(msg, "corrupt"):
		return ReasonCorrupt
	}
	return ReasonUnknown
}

// FallbackEvent is one entry in the activation history ring.
type FallbackEvent struct {
	Reason   Reason    `json:"reason"`
	Strategy Strategy  `json:"strategy"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// FallbackStatus is a point-in-time snapshot of the fallback machine.
type FallbackStatus struct {
	Active              bool            `json:"active"`
	Reason              Reason          `json:"reason,omitempty"`
	Strategy            Strategy        `json:"strategy,omitempty"`
	ActivatedAt         time.Time       `json:"activated_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecoveryAttempts    int             `json:"recovery_attempts"`
	MaxRecoveryAttempts int             `json:"max_recovery_attempts"`
	Exhausted           bool            `json:"exhausted"`
	CurrentDelayMS      int64           `json:"current_delay_ms"`
	History             []FallbackEvent `json:"history,omitempty"`
}

type fallbackState struct {
	active           bool
	reason           Reason
	strategy         Strategy
	activatedAt      time.Time
	consecutiveFails int
	recoveryAttempts int
	exhausted        bool
	currentDelay     time.Duration
	recoveryTimer    *time.Timer
	history          []FallbackEvent
}

// recordFallbackLocked updates the current reason and appends to the
// bounded history ring.
func (r *Registry) recordFallbackLocked(reason Reason, cause error) {
	r.fb.reason = reason
	r.fb.strategy = strategyFor(reason)
	ev := FallbackEvent{Reason: reason, Strategy: r.fb.strategy, At: r.now()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.fb.history = append(r.fb.history, ev)
	if n := len(r.fb.history); n > maxFallbackHistory {
		r.fb.history = r.fb.history[n-maxFallbackHistory:]
	}
}

// activateFallbackLocked switches the registry to memory-only operation
// and, for retryable reasons, schedules recovery. Returned events must
// be emitted after the mutex is released.
func (r *Registry) activateFallbackLocked(reason Reason, cause error) []pendingEvent {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed store")
		}
		r.store = nil
	}

	first := !r.fb.active
	r.fb.active = true
	r.fb.consecutiveFails++
	r.recordFallbackLocked(reason, cause)
	if first {
		r.fb.activatedAt = r.now()
		r.fb.currentDelay = r.cfg.RecoveryInterval
	}

	logger.Error().
		Err(cause).
		Str("reason", string(reason)).
		Str("strategy", string(r.fb.strategy)).
		Msg("persistence fallback activated")

	evts := []pendingEvent{{events.PersistenceFallback, map[string]any{
		"reason":   string(reason),
		"strategy": string(r.fb.strategy),
	}}}
	if r.fb.strategy == StrategyRetry {
		evts = append(evts, r.scheduleRecoveryLocked()...)
	}
	return evts
}

// scheduleRecoveryLocked arms the recovery timer, or declares the
// machine exhausted once the attempt budget is spent.
func (r *Registry) scheduleRecoveryLocked() []pendingEvent {
	if r.fb.recoveryAttempts >= r.cfg.MaxRecoveryAttempts {
		r.fb.exhausted = true
		logger.Error().
			Int("attempts", r.fb.recoveryAttempts).
			Str("reason", string(r.fb.reason)).
			Msg("store recovery exhausted")
		return []pendingEvent{{events.PersistenceRecoveryExhausted, map[string]any{
			"attempts": r.fb.recoveryAttempts,
			"reason":   string(r.fb.reason),
		}}}
	}

	if r.fb.recoveryTimer != nil {
		r.fb.recoveryTimer.Stop()
	}
	delay := r.fb.currentDelay
	r.fb.recoveryTimer = time.AfterFunc(delay, func() {
		if err := r.attemptRecovery(false); err != nil {
			logger.Debug().Err(err).Msg("scheduled recovery attempt failed")
		}
	})
	logger.Info().Dur("delay", delay).Msg("store recovery scheduled")
	return nil
}

// attemptRecovery reopens the store. Scheduled attempts respect the
// exhaustion flag; forced attempts ignore it.
func (r *Registry) attemptRecovery(force bool) error {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return errors.New("registry closed")
	default:
	}
	if !r.fb.active {
		r.mu.Unlock()
		return nil
	}
	if r.fb.exhausted && !force {
		r.mu.Unlock()
		return fmt.Errorf("recovery exhausted after %d attempts", r.cfg.MaxRecoveryAttempts)
	}
	if r.open == nil {
		r.mu.Unlock()
		return errors.New("no store opener configured")
	}

	r.fb.recoveryAttempts++
	attempt := r.fb.recoveryAttempts
	evts := []pendingEvent{{events.PersistenceRecoveryAttempt, map[string]any{
		"attempt": attempt,
		"forced":  force,
	}}}

	store, err := r.open()
	if err != nil {
		reason := classifyReason(err)
		r.recordFallbackLocked(reason, err)
		r.fb.consecutiveFails++
		next := r.fb.currentDelay * time.Duration(r.cfg.BackoffMultiplier)
		if next > maxRecoveryDelay {
			next = maxRecoveryDelay
		}
		r.fb.currentDelay = next
		if r.fb.strategy == StrategyRetry && !force {
			evts = append(evts, r.scheduleRecoveryLocked()...)
		}
		r.mu.Unlock()

		r.emitAll(evts)
		logger.Warn().Err(err).Int("attempt", attempt).Msg("store recovery attempt failed")
		return err
	}

	r.store = store
	// Reconcile the id allocator both ways: push the in-memory
	// high-water mark out, then adopt the store's counter if it is
	// further along.
	if serr := store.SetNextSessionID(r.nextID); serr != nil {
		logger.Warn().Err(serr).Msg("push session id high-water mark")
	}
	if next, perr := store.PeekNextSessionID(); perr == nil && next > r.nextID {
		r.nextID = next
	}

	r.fb.active = false
	r.fb.reason = ""
	r.fb.strategy = ""
	r.fb.consecutiveFails = 0
	r.fb.recoveryAttempts = 0
	r.fb.exhausted = false
	r.fb.currentDelay = r.cfg.RecoveryInterval
	if r.fb.recoveryTimer != nil {
		r.fb.recoveryTimer.Stop()
		r.fb.recoveryTimer = nil
	}
	nextID := r.nextID
	evts = append(evts, pendingEvent{events.PersistenceReconnected, map[string]any{
		"attempts": attempt,
		"nextId":   nextID,
	}})
	r.mu.Unlock()

	r.emitAll(evts)
	logger.Info().Int("attempts", attempt).Int64("nextId", nextID).Msg("persistence store reconnected")
	return nil
}

// ForceRecovery attempts an immediate reopen regardless of exhaustion,
// for operator-driven repair flows.
func (r *Registry) ForceRecovery() error {
	return r.attemptRecovery(true)
}

// ResetFallbackMetrics clears the failure history and re-arms the
// attempt budget without touching the active flag.
func (r *Registry) ResetFallbackMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fb.history = nil
	r.fb.consecutiveFails = 0
	r.fb.recoveryAttempts = 0
	r.fb.exhausted = false
	r.fb.currentDelay = r.cfg.RecoveryInterval
}

// FallbackStatus snapshots the fallback machine for status surfaces.
func (r *Registry) FallbackStatus() FallbackStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := FallbackStatus{
		Active:              r.fb.active,
		Reason:              r.fb.reason,
		Strategy:            r.fb.strategy,
		ConsecutiveFailures: r.fb.consecutiveFails,
		RecoveryAttempts:    r.fb.recoveryAttempts,
		MaxRecoveryAttempts: r.cfg.MaxRecoveryAttempts,
		Exhausted:           r.fb.exhausted,
		CurrentDelayMS:      r.fb.currentDelay.Milliseconds(),
		History:             append([]FallbackEvent(nil), r.fb.history...),
	}
	if r.fb.active {
		st.ActivatedAt = r.fb.activatedAt
	}
	return st
}

func (r *Registry) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.runHealthCheck()
		}
	}
}

// runHealthCheck probes the store and trips the fallback on failure.
func (r *Registry) runHealthCheck() {
	r.mu.RLock()
	store := r.store
	active := r.fb.active
	r.mu.RUnlock()

	if active || store == nil {
		return
	}
	if err := store.HealthCheck(); err != nil {
		logger.Warn().Err(err).Msg("store health check failed")
		r.handleStoreError(err)
	}
}
