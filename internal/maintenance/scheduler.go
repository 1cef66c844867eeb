// Package maintenance runs the daemon's periodic sweeps on a
// robfig/cron scheduler: expired locks, stale sessions, delegation
// timeouts, journal and conflict pruning, metrics snapshots, and the
// refresh of the daemon lock that enforces single-instance operation.
package maintenance

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/config"
	"warden/internal/metrics"
	"warden/internal/registry"
	"warden/pkg/logger"
)

// DaemonLockResource is the coordination lock held by a live daemon.
const DaemonLockResource = "warden.daemon"

// DaemonLockTTL returns how long the daemon lock stays valid without a
// refresh. Three heartbeat intervals tolerate two missed ticks before
// another daemon may take over.
func DaemonLockTTL(cfg *config.Config) time.Duration {
	return 3 * interval(cfg.Coordination.HeartbeatInterval, 30*time.Second)
}

// Options wires the scheduler's dependencies.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Metrics  *metrics.Aggregator

	// HolderID identifies this daemon on the warden.daemon lock. Empty
	// disables the refresh job (memory-only boot, or tests).
	HolderID string
}

// Scheduler owns the cron entries for the maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.Config
	registry *registry.Registry
	metrics  *metrics.Aggregator
	holderID string

	entries map[string]cron.EntryID
	mu      sync.Mutex
	running bool
}

// New creates a scheduler. Jobs are registered by Start.
func New(opts Options) *Scheduler {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger.Get()))),
	)

	return &Scheduler{
		cron:     c,
		cfg:      opts.Config,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		holderID: opts.HolderID,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start registers the jobs at their configured cadence and starts the
// cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("maintenance scheduler already running")
	}

	jobs := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"coordination-sweep", interval(s.cfg.Coordination.CleanupInterval, time.Minute), s.sweep},
		{"metrics-snapshot", interval(s.cfg.Metrics.SnapshotInterval, time.Minute), s.snapshot},
	}
	if s.holderID != "" {
		jobs = append(jobs, struct {
			name  string
			every time.Duration
			fn    func()
		}{"daemon-lock-refresh", interval(s.cfg.Coordination.HeartbeatInterval, 30*time.Second), s.refreshDaemonLock})
	}

	for _, job := range jobs {
		id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.every), job.fn)
		if err != nil {
			return fmt.Errorf("register %s job: %w", job.name, err)
		}
		s.entries[job.name] = id
	}

	s.cron.Start()
	s.running = true
	logger.Info().Int("jobs", len(s.entries)).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logger.Info().Msg("maintenance scheduler stopped")
}

// sweep clears expired locks, stale sessions and overdue delegations,
// then prunes journal and conflict history past retention. The store
// half is skipped while the daemon runs on the memory fallback.
func (s *Scheduler) sweep() {
	if !s.cfg.Coordination.AutoCleanup {
		return
	}

	staleAfter := interval(s.cfg.Coordination.StaleSessionThreshold, 5*time.Minute)

	swept := s.registry.SweepStale()
	timedOut := s.registry.TimeoutDelegations(staleAfter)

	var locks, sessions, changes, conflicts int64
	if st := s.registry.Store(); st != nil {
		var err error
		if locks, err = st.CleanupExpiredLocks(); err != nil {
			logger.Warn().Err(err).Msg("expired lock sweep failed")
		}
		if sessions, err = st.CleanupStaleSessions(staleAfter); err != nil {
			logger.Warn().Err(err).Msg("stale session sweep failed")
		}

		retention := interval(s.cfg.Coordination.JournalRetention, 7*24*time.Hour)
		if changes, err = st.PruneOldChanges(retention); err != nil {
			logger.Warn().Err(err).Msg("journal prune failed")
		}
		if conflicts, err = st.PruneResolvedConflicts(retention); err != nil {
			logger.Warn().Err(err).Msg("conflict prune failed")
		}
	}

	if swept > 0 || timedOut > 0 || locks > 0 || sessions > 0 || changes > 0 || conflicts > 0 {
		logger.Info().
			Int("stale_registry_sessions", swept).
			Int("delegation_timeouts", timedOut).
			Int64("expired_locks", locks).
			Int64("stale_store_sessions", sessions).
			Int64("pruned_changes", changes).
			Int64("pruned_conflicts", conflicts).
			Msg("maintenance sweep complete")
	}
}

// snapshot captures a metrics snapshot and persists it when a store is
// reachable.
func (s *Scheduler) snapshot() {
	if s.metrics == nil {
		return
	}

	s.metrics.Snapshot()
	if err := s.metrics.Persist(); err != nil {
		// Routine while running on the memory fallback.
		logger.Debug().Err(err).Msg("metrics snapshot not persisted")
	}
}

// refreshDaemonLock extends the warden.daemon lock. AcquireLock extends
// a lock the holder already owns and re-acquires one that lapsed during
// a fallback window, so the refresh self-heals after recovery.
func (s *Scheduler) refreshDaemonLock() {
	st := s.registry.Store()
	if st == nil {
		return
	}

	res, err := st.AcquireLock(DaemonLockResource, s.holderID, DaemonLockTTL(s.cfg))
	if err != nil {
		logger.Warn().Err(err).Msg("daemon lock refresh failed")
		return
	}
	if !res.Acquired {
		logger.Error().
			Str("holder", res.Holder).
			Msg("daemon lock held by another process")
	}
}

// interval returns d, or def when the config left it unset.
func interval(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
