// Package server assembles and runs the warden daemon. One process
// owns the coordination store, the session registry, the lifecycle
// machine, the usage governor, the delegation decider, the metrics
// aggregator and the HTTP gateway; the CLI and external agents talk to
// all of them through the gateway.
package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/delegation"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/lifecycle"
	"warden/internal/maintenance"
	"warden/internal/metrics"
	"warden/internal/ratelimit"
	"warden/internal/registry"
	"warden/internal/storage"
	"warden/pkg/logger"
)

// Server is the warden daemon running in-process.
type Server struct {
	cfg         *config.Config
	configPath  string
	storagePath string
	version     string
	holderID    string

	bus      *events.Bus
	machine  *lifecycle.Machine
	registry *registry.Registry
	governor *ratelimit.Governor
	decider  *delegation.Decider
	metrics  *metrics.Aggregator
	gateway  *gateway.Server
	sched    *maintenance.Scheduler
	busTap   int

	running   bool
	mu        sync.RWMutex
	startedAt time.Time
	errChan   chan error
}

// ServerConfig holds construction parameters for the daemon.
type ServerConfig struct {
	// ConfigPath locates the YAML config file. Empty runs on defaults
	// plus WARDEN_* environment overrides.
	ConfigPath string

	// StoragePath overrides storage.path from the config.
	StoragePath string

	// Port and Host override the gateway address from the config when
	// non-zero.
	Port int
	Host string

	// Version is stamped into the store and reported by /health.
	// Empty falls back to the config's version, then "dev".
	Version string
}

// NewServer loads configuration and prepares a daemon. Components are
// assembled by Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	wardenCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Port > 0 {
		wardenCfg.Gateway.Port = cfg.Port
	}
	if cfg.Host != "" {
		wardenCfg.Gateway.Host = cfg.Host
	}
	if wardenCfg.Gateway.Port == 0 {
		wardenCfg.Gateway.Port = 7177
	}
	if wardenCfg.Gateway.Host == "" {
		wardenCfg.Gateway.Host = "127.0.0.1"
	}

	version := cfg.Version
	if version == "" {
		version = wardenCfg.Version
	}
	if version == "" {
		version = "dev"
	}

	// The watcher needs the expanded path; config.Load tolerates ~ but
	// fsnotify does not.
	configPath, err := config.ExpandPath(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:         wardenCfg,
		configPath:  configPath,
		storagePath: cfg.StoragePath,
		version:     version,
		holderID:    fmt.Sprintf("daemon:%d", os.Getpid()),
		errChan:     make(chan error, 1),
	}, nil
}

// ErrorChan returns the channel carrying fatal daemon errors.
func (s *Server) ErrorChan() <-chan error {
	return s.errChan
}

// Start assembles the daemon in a goroutine and waits until the gateway
// accepts connections or assembly fails.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	go s.run()

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("daemon start timeout")
		case err := <-s.errChan:
			return fmt.Errorf("daemon start failed: %w", err)
		case <-ticker.C:
			if s.IsReady() {
				return nil
			}
		}
	}
}

// run assembles the coordination components bottom-up and then blocks
// serving the gateway. Fatal errors go to errChan.
func (s *Server) run() {
	logger.Info().Str("version", s.version).Msg("starting warden daemon")

	bus := events.NewBus()
	s.bus = bus

	machine := lifecycle.New(
		lifecycle.WithBus(bus),
		lifecycle.WithFamilyLockTimeout(s.cfg.Lifecycle.FamilyLockTimeout),
	)
	s.machine = machine

	dbPath := s.storagePath
	if dbPath == "" {
		dbPath = s.cfg.Storage.Path
	}
	if dbPath == "" {
		var err error
		dbPath, err = config.DefaultDataPath()
		if err != nil {
			s.errChan <- fmt.Errorf("resolve storage path: %w", err)
			return
		}
	}

	// A nil opener keeps the registry memory-only; any other driver
	// value means sqlite, the only on-disk backend.
	var opener registry.Opener
	if s.cfg.Storage.Driver != "memory" {
		busyTimeout := s.cfg.Storage.BusyTimeout
		version := s.version
		opener = func() (*storage.Store, error) {
			return storage.Open(dbPath,
				storage.WithBus(bus),
				storage.WithBusyTimeout(busyTimeout),
				storage.WithVersion(version),
			)
		}
	} else {
		logger.Info().Msg("storage driver is memory, coordination state will not persist")
	}

	reg := registry.New(opener,
		registry.WithBus(bus),
		registry.WithLifecycle(machine),
		registry.WithConfig(registry.Config{
			StaleTimeout:             s.cfg.Registry.StaleTimeout,
			RecoveryInterval:         s.cfg.Registry.RecoveryInterval,
			BackoffMultiplier:        s.cfg.Registry.RecoveryBackoffMultiplier,
			MaxRecoveryAttempts:      s.cfg.Registry.MaxRecoveryAttempts,
			HealthCheckInterval:      s.cfg.Registry.HealthCheckInterval,
			MaxConcurrentDelegations: s.cfg.Delegation.MaxConcurrent,
		}),
	)
	s.registry = reg
	reg.Start()

	if opener != nil && reg.Store() == nil {
		logger.Warn().Str("path", dbPath).
			Msg("coordination store unavailable at boot, running on memory fallback")
	}

	// One daemon per store. Boot fails fast when another process holds
	// the lock; the maintenance scheduler keeps it fresh afterwards.
	if st := reg.Store(); st != nil {
		res, err := st.AcquireLock(maintenance.DaemonLockResource, s.holderID, maintenance.DaemonLockTTL(s.cfg))
		if err != nil {
			s.errChan <- fmt.Errorf("acquire daemon lock: %w", err)
			return
		}
		if !res.Acquired {
			s.errChan <- fmt.Errorf("another warden daemon is already running (lock held by %s)", res.Holder)
			return
		}
	}

	governor, err := ratelimit.New(ratelimit.Options{
		Plan: s.cfg.RateLimit.Plan,
		Thresholds: ratelimit.Thresholds{
			Warning:   s.cfg.RateLimit.WarningThreshold,
			Critical:  s.cfg.RateLimit.CriticalThreshold,
			Emergency: s.cfg.RateLimit.EmergencyThreshold,
		},
		BudgetDailyUSD: s.cfg.RateLimit.BudgetDailyUSD,
	})
	if err != nil {
		s.errChan <- fmt.Errorf("configure usage governor: %w", err)
		return
	}
	s.governor = governor

	decider := delegation.New(deciderConfig(s.cfg))
	s.decider = decider

	agg := metrics.New(
		metrics.WithBus(bus),
		metrics.WithStoreFunc(reg.Store),
		metrics.WithSnapshotLimit(s.cfg.Metrics.BufferSize),
	)
	agg.RegisterDefaults(s.cfg.Metrics.BufferSize)
	s.metrics = agg

	// Every bus event feeds the per-type counters and the event-rate
	// window; completed delegations feed the task duration histogram.
	s.busTap = bus.Subscribe(func(evt events.Event) {
		agg.IncCounter(evt.Type)
		agg.AddToWindow(metrics.WindowBusEvents, 1)
		if evt.Type == events.DelegationCompleted {
			if ms, ok := evt.Data["durationMs"].(int64); ok {
				agg.Observe(metrics.HistTaskDuration, float64(ms)/1000)
			}
		}
	})

	gw := gateway.NewServer(gateway.Options{
		Config:    s.cfg,
		Bus:       bus,
		Registry:  reg,
		Lifecycle: machine,
		Governor:  governor,
		Metrics:   agg,
		Decider:   decider,
		Version:   s.version,
	})
	s.gateway = gw

	if s.configPath != "" {
		watcher, err := gateway.NewWatcher(bus, s.reloadConfig, s.configPath)
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable, hot reload disabled")
		} else {
			gw.SetWatcher(watcher)
			if err := watcher.Start(); err != nil {
				logger.Warn().Err(err).Msg("failed to start config watcher")
			}
		}
	}

	if s.cfg.Cron.Enabled {
		sched := maintenance.New(maintenance.Options{
			Config:   s.cfg,
			Registry: reg,
			Metrics:  agg,
			HolderID: s.holderID,
		})
		if err := sched.Start(); err != nil {
			s.errChan <- fmt.Errorf("start maintenance scheduler: %w", err)
			return
		}
		s.sched = sched
	}

	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	logger.Info().
		Str("address", fmt.Sprintf("http://%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)).
		Msg("warden daemon started")

	if err := gw.Start(); err != nil {
		logger.Error().Err(err).Msg("gateway error")
		s.errChan <- err
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// reloadConfig applies a changed config file. Governor plan, thresholds,
// budget and decider tuning take effect immediately; the gateway address
// and maintenance cadences only change on restart.
func (s *Server) reloadConfig(path string) error {
	config.Reset()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// The plan name is the one reload input that can be rejected, so
	// apply it first and leave everything else untouched on failure.
	plan := cfg.RateLimit.Plan
	if plan == "" {
		plan = ratelimit.PlanPro
	}
	if err := s.governor.SetPlan(plan); err != nil {
		return fmt.Errorf("ratelimit.plan: %w", err)
	}
	s.governor.SetThresholds(ratelimit.Thresholds{
		Warning:   cfg.RateLimit.WarningThreshold,
		Critical:  cfg.RateLimit.CriticalThreshold,
		Emergency: cfg.RateLimit.EmergencyThreshold,
	})
	s.governor.SetBudget(cfg.RateLimit.BudgetDailyUSD)
	s.decider.UpdateConfig(deciderConfig(cfg))

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Stop shuts the daemon down: background jobs first, then the gateway,
// then the daemon lock and the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	logger.Info().Msg("stopping warden daemon")

	if s.sched != nil {
		s.sched.Stop()
	}

	if s.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.gateway.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("gateway shutdown")
		}
	}

	if s.bus != nil && s.busTap != 0 {
		s.bus.Unsubscribe(s.busTap)
	}

	if s.metrics != nil {
		if err := s.metrics.Persist(); err != nil {
			logger.Debug().Err(err).Msg("final metrics snapshot not persisted")
		}
		s.metrics.Close()
	}

	if s.registry != nil {
		if st := s.registry.Store(); st != nil {
			if _, err := st.ReleaseLock(maintenance.DaemonLockResource, s.holderID); err != nil {
				logger.Warn().Err(err).Msg("release daemon lock")
			}
		}
		s.registry.Close()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	logger.Info().Msg("warden daemon stopped")
	return nil
}

// IsRunning reports whether assembly completed and the gateway loop is
// alive.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// IsReady reports whether the daemon accepts connections.
func (s *Server) IsReady() bool {
	if !s.IsRunning() {
		return false
	}
	return s.gateway != nil && s.gateway.IsReady()
}

// GetStartedAt returns when the daemon finished assembling.
func (s *Server) GetStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Address returns the gateway base URL. Reloads never move the
// listener, so this is fixed for the life of the process.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("http://%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
}

// deciderConfig maps the delegation config section onto the decider's
// tuning. Zero fields take the decider's documented defaults.
func deciderConfig(cfg *config.Config) delegation.Config {
	return delegation.Config{
		MaxDepth:    cfg.Delegation.MaxDepth,
		MaxChildren: cfg.Delegation.MaxChildren,
		MinScore:    cfg.Delegation.MinScore,
		CacheMaxAge: cfg.Delegation.CacheMaxAge,
	}
}
