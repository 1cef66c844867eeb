package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"warden/internal/events"
	"warden/internal/storage"
)

// flakyOpener fails with a configured error until healed.
type flakyOpener struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (o *flakyOpener) open() (*storage.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return storage.Open(":memory:")
}

func (o *flakyOpener) set(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *flakyOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newFallbackRegistry(t *testing.T, open Opener, cfg Config) (*Registry, *eventLog) {
	t.Helper()
	bus := events.NewBus()
	log := &eventLog{}
	bus.Subscribe(log.record)
	r := New(open, WithBus(bus), WithConfig(cfg))
	t.Cleanup(func() { r.Close() })
	return r, log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{
			name: "directory stage wins over inner cause",
			err:  &storage.OpenError{Stage: storage.StageDirectory, Err: errors.New("create directory: permission denied")},
			want: ReasonDirectoryFailure,
		},
		{
			name: "init stage with corruption markers",
			err:  &storage.OpenError{Stage: storage.StageInit, Err: errors.New("database disk image is malformed")},
			want: ReasonCorrupt,
		},
		{
			name: "init stage otherwise",
			err:  &storage.OpenError{Stage: storage.StageInit, Err: errors.New("run migrations: syntax error")},
			want: ReasonInitFailure,
		},
		{
			name: "missing driver",
			err:  &storage.OpenError{Stage: storage.StageOpen, Err: errors.New(`sql: unknown driver "sqlite" (forgotten import?)`)},
			want: ReasonModuleMissing,
		},
		{
			name: "locked database",
			err:  &storage.OpenError{Stage: storage.StageOpen, Err: errors.New("database is locked (5) (SQLITE_BUSY)")},
			want: ReasonLocked,
		},
		{
			name: "disk full",
			err:  &storage.OpenError{Stage: storage.StageOpen, Err: errors.New("write: no space left on device")},
			want: ReasonDiskFull,
		},
		{
			name: "readonly database",
			err:  &storage.OpenError{Stage: storage.StageOpen, Err: errors.New("attempt to write a readonly database (8)")},
			want: ReasonPermissionDenied,
		},
		{
			name: "open stage without markers",
			err:  &storage.OpenError{Stage: storage.StageOpen, Err: errors.New("open database: handshake failed")},
			want: ReasonOpenFailure,
		},
		{
			name: "wrapped permission error",
			err:  fmt.Errorf("stat state dir: %w", os.ErrPermission),
			want: ReasonPermissionDenied,
		},
		{
			name: "unrecognized error",
			err:  errors.New("connection reset by peer"),
			want: ReasonUnknown,
		},
		{
			name: "nil error",
			err:  nil,
			want: ReasonUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		reason Reason
		want   Strategy
	}{
		{ReasonDirectoryFailure, StrategyRetry},
		{ReasonOpenFailure, StrategyRetry},
		{ReasonLocked, StrategyRetry},
		{ReasonUnknown, StrategyRetry},
		{ReasonDiskFull, StrategyUserAction},
		{ReasonPermissionDenied, StrategyUserAction},
		{ReasonCorrupt, StrategyManual},
		{ReasonInitFailure, StrategyManual},
		{ReasonModuleMissing, StrategyNone},
	}
	for _, tt := range tests {
		if got := strategyFor(tt.reason); got != tt.want {
			t.Errorf("strategyFor(%s) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestNew_FailedOpenerActivatesFallback(t *testing.T) {
	op := &flakyOpener{err: &storage.OpenError{
		Stage: storage.StageDirectory,
		Err:   errors.New("create directory: permission denied"),
	}}
	r, log := newFallbackRegistry(t, op.open, Config{RecoveryInterval: time.Hour})

	st := r.FallbackStatus()
	if !st.Active {
		t.Fatal("fallback not active after failed open")
	}
	if st.Reason != ReasonDirectoryFailure || st.Strategy != StrategyRetry {
		t.Errorf("classified as %s/%s, want directory_failure/retry", st.Reason, st.Strategy)
	}
	if st.ConsecutiveFailures != 1 || len(st.History) != 1 {
		t.Errorf("failures = %d, history = %d, want 1/1", st.ConsecutiveFailures, len(st.History))
	}
	if r.Store() != nil {
		t.Error("Store() should be nil in fallback")
	}

	evt := log.find(events.PersistenceFallback)
	if evt == nil {
		t.Fatal("missing persistence:fallback event")
	}
	if evt.Data["reason"] != "directory_failure" || evt.Data["strategy"] != "retry" {
		t.Errorf("fallback data = %v", evt.Data)
	}

	// The registry keeps working from memory.
	if id := mustRegisterSession(t, r, RegisterOptions{}); id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
}

func TestForceRecovery_RestoresStoreAndAllocator(t *testing.T) {
	op := &flakyOpener{err: &storage.OpenError{
		Stage: storage.StageDirectory,
		Err:   errors.New("create directory: permission denied"),
	}}
	r, log := newFallbackRegistry(t, op.open, Config{RecoveryInterval: time.Hour})

	mustRegisterSession(t, r, RegisterOptions{})
	mustRegisterSession(t, r, RegisterOptions{})

	op.set(nil)
	if err := r.ForceRecovery(); err != nil {
		t.Fatalf("ForceRecovery: %v", err)
	}

	st := r.FallbackStatus()
	if st.Active || st.Exhausted || st.RecoveryAttempts != 0 {
		t.Errorf("status after recovery = %+v, want reset", st)
	}

	attempt := log.find(events.PersistenceRecoveryAttempt)
	if attempt == nil {
		t.Fatal("missing persistence:recoveryAttempt event")
	}
	if attempt.Data["forced"] != true {
		t.Errorf("attempt data = %v, want forced", attempt.Data)
	}
	reconnected := log.find(events.PersistenceReconnected)
	if reconnected == nil {
		t.Fatal("missing persistence:reconnected event")
	}
	if reconnected.Data["nextId"] != int64(3) {
		t.Errorf("reconnected nextId = %v, want 3", reconnected.Data["nextId"])
	}

	// Ids continue where the memory allocator left off, now durable.
	if id := mustRegisterSession(t, r, RegisterOptions{}); id != 3 {
		t.Errorf("id after recovery = %d, want 3", id)
	}
	store := r.Store()
	if store == nil {
		t.Fatal("Store() = nil after recovery")
	}
	next, err := store.PeekNextSessionID()
	if err != nil {
		t.Fatalf("PeekNextSessionID: %v", err)
	}
	if next != 4 {
		t.Errorf("persisted next id = %d, want 4", next)
	}
}

func TestScheduledRecovery_BacksOffAndExhausts(t *testing.T) {
	op := &flakyOpener{err: errors.New("database is locked")}
	cfg := Config{
		RecoveryInterval:    5 * time.Millisecond,
		MaxRecoveryAttempts: 2,
		BackoffMultiplier:   2,
	}
	r, log := newFallbackRegistry(t, op.open, cfg)

	waitFor(t, 2*time.Second, func() bool {
		return log.find(events.PersistenceRecoveryExhausted) != nil
	}, "recovery never exhausted")

	st := r.FallbackStatus()
	if !st.Exhausted || st.RecoveryAttempts != 2 {
		t.Errorf("status = %+v, want exhausted after 2 attempts", st)
	}
	if st.CurrentDelayMS != 20 {
		t.Errorf("CurrentDelayMS = %d, want 20 after two doublings", st.CurrentDelayMS)
	}
	if n := log.count(events.PersistenceRecoveryAttempt); n != 2 {
		t.Errorf("attempt events = %d, want 2", n)
	}

	// Scheduled retries are spent; only a forced attempt runs now.
	if err := r.ForceRecovery(); err == nil {
		t.Error("ForceRecovery with broken opener should fail")
	}

	r.ResetFallbackMetrics()
	st = r.FallbackStatus()
	if st.Exhausted || st.RecoveryAttempts != 0 || len(st.History) != 0 {
		t.Errorf("status after reset = %+v", st)
	}
	if !st.Active {
		t.Error("reset must not flip the active flag")
	}

	op.set(nil)
	if err := r.ForceRecovery(); err != nil {
		t.Fatalf("ForceRecovery after repair: %v", err)
	}
	if r.Store() == nil {
		t.Error("Store() = nil after repaired recovery")
	}
}

func TestScheduledRecovery_RecoversAutomatically(t *testing.T) {
	op := &flakyOpener{err: errors.New("database is locked")}
	cfg := Config{
		RecoveryInterval:    5 * time.Millisecond,
		MaxRecoveryAttempts: 50,
		BackoffMultiplier:   2,
	}
	r, log := newFallbackRegistry(t, op.open, cfg)
	op.set(nil)

	waitFor(t, 2*time.Second, func() bool {
		return log.find(events.PersistenceReconnected) != nil
	}, "store never reconnected")

	if st := r.FallbackStatus(); st.Active {
		t.Errorf("status = %+v, want inactive after reconnect", st)
	}
	if op.callCount() < 2 {
		t.Errorf("opener calls = %d, want the initial open plus a retry", op.callCount())
	}
}

func TestRunHealthCheck_TripsFallback(t *testing.T) {
	r, log, _ := newStoreRegistry(t)

	if err := r.Store().DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	r.runHealthCheck()

	if st := r.FallbackStatus(); !st.Active {
		t.Error("fallback not active after failed health check")
	}
	if log.count(events.PersistenceFallback) != 1 {
		t.Errorf("fallback events = %d, want 1", log.count(events.PersistenceFallback))
	}

	// Once in fallback the probe is a no-op.
	r.runHealthCheck()
	if log.count(events.PersistenceFallback) != 1 {
		t.Error("health check re-tripped an active fallback")
	}
}
