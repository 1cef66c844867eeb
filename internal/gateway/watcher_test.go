package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"warden/internal/events"
)

func TestNewWatcher(t *testing.T) {
	dir := t.TempDir()

	watcher, err := NewWatcher(nil, nil, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	if len(watcher.paths) != 1 {
		t.Errorf("expected 1 path, got %d", len(watcher.paths))
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	bus := events.NewBus()
	busEvents := make(chan events.Event, 4)
	bus.Subscribe(func(evt events.Event) { busEvents <- evt }, events.ConfigReloaded)

	reloaded := make(chan string, 4)
	watcher, err := NewWatcher(bus, func(path string) error {
		reloaded <- path
		return nil
	}, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(cfgFile, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case path := <-reloaded:
		if path != cfgFile {
			t.Errorf("reload path = %q, want %q", path, cfgFile)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback never fired")
	}

	select {
	case evt := <-busEvents:
		if evt.Type != events.ConfigReloaded {
			t.Errorf("event type = %q, want %q", evt.Type, events.ConfigReloaded)
		}
		if evt.Data["path"] != cfgFile {
			t.Errorf("event path = %v, want %q", evt.Data["path"], cfgFile)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("config:reloaded event never emitted")
	}
}

func TestWatcherFailedReloadNotAnnounced(t *testing.T) {
	dir := t.TempDir()

	bus := events.NewBus()
	busEvents := make(chan events.Event, 4)
	bus.Subscribe(func(evt events.Event) { busEvents <- evt }, events.ConfigReloaded)

	watcher, err := NewWatcher(bus, func(path string) error {
		return errors.New("bad yaml")
	}, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("::"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case evt := <-busEvents:
		t.Fatalf("unexpected event %q after failed reload", evt.Type)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")

	reloads := make(chan string, 16)
	watcher, err := NewWatcher(nil, func(path string) error {
		reloads <- path
		return nil
	}, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// A burst of writes within the debounce window collapses into one
	// reload.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgFile, []byte("x"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after burst")
	}

	select {
	case <-reloads:
		t.Error("burst produced more than one reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStop(t *testing.T) {
	dir := t.TempDir()

	watcher, err := NewWatcher(nil, nil, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Stop twice must not panic.
	watcher.Stop()
	watcher.Stop()
}
