package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"warden/internal/events"
)

// newTestStore 创建临时目录上的测试存储
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "warden.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// collectEvents 给存储挂上总线并收集事件
func collectEvents(t *testing.T, s *Store) *[]events.Event {
	t.Helper()

	var got []events.Event
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		got = append(got, e)
	})
	s.SetBus(bus)
	return &got
}

// findEvent 找到第一个匹配类型的事件
func findEvent(got []events.Event, eventType string) (events.Event, bool) {
	for _, e := range got {
		if e.Type == eventType {
			return e, true
		}
	}
	return events.Event{}, false
}

func TestOpen_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "deep", "warden.db")

	// 打开时应自动创建父目录
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if s.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", s.Path(), dbPath)
	}
}

func TestOpen_WALMode(t *testing.T) {
	s := newTestStore(t)

	var mode string
	if err := s.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_Memory(t *testing.T) {
	// 内存模式用于测试，不触达文件系统
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	defer s.Close()

	if err := s.RegisterSession(&Session{ID: "mem-1", ProjectPath: "/tmp/p"}); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if _, err := s.GetSession("mem-1"); err != nil {
		t.Errorf("GetSession() error = %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	// 第一次打开并写入
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.RegisterSession(&Session{ID: "sess-1", ProjectPath: "/tmp/p", PID: 42}); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// 重新打开后数据仍在
	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	sess, err := s2.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() after reopen: %v", err)
	}
	if sess.PID != 42 {
		t.Errorf("PID = %d, want 42", sess.PID)
	}
}

func TestOpen_DirectoryFailure(t *testing.T) {
	dir := t.TempDir()

	// 用普通文件占住父路径，目录创建必然失败
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := Open(filepath.Join(blocker, "sub", "warden.db"))
	if err == nil {
		t.Fatal("Open() should fail when parent path is a file")
	}

	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OpenError", err)
	}
	if oe.Stage != StageDirectory {
		t.Errorf("Stage = %q, want %q", oe.Stage, StageDirectory)
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("OpenError should match ErrStoreUnavailable")
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)

	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() on open store: %v", err)
	}

	// 关闭后探活应失败且可识别为存储不可用
	s.Close()
	err := s.HealthCheck()
	if err == nil {
		t.Fatal("HealthCheck() should fail after Close")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("error should match ErrStoreUnavailable, got %v", err)
	}
}

func TestOpen_StampsVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	s, err := Open(dbPath, WithVersion("1.2.3"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	v, err := s.GetInfo(KeyStoreVersion)
	if err != nil {
		t.Fatalf("GetInfo(%s) error = %v", KeyStoreVersion, err)
	}
	if v != "1.2.3" {
		t.Errorf("store version = %q, want 1.2.3", v)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	// 造一点数据
	if err := s.RegisterSession(&Session{ID: "sess-1", ProjectPath: "/tmp/p"}); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if _, err := s.AcquireLock("task:1", "sess-1", 0); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if _, err := s.RecordChange("sess-1", "task:1", "update", nil); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	if err := s.RecordConflict(&Conflict{Type: ConflictVersion, Resource: "task:1"}); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if st.JournalMode != "wal" {
		t.Errorf("JournalMode = %q, want wal", st.JournalMode)
	}
	if st.SchemaVersion < 1 {
		t.Errorf("SchemaVersion = %d, want >= 1", st.SchemaVersion)
	}
	if st.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", st.Sessions)
	}
	if st.ActiveLocks != 1 {
		t.Errorf("ActiveLocks = %d, want 1", st.ActiveLocks)
	}
	if st.UnappliedChanges != 1 {
		t.Errorf("UnappliedChanges = %d, want 1", st.UnappliedChanges)
	}
	if st.PendingConflicts != 1 {
		t.Errorf("PendingConflicts = %d, want 1", st.PendingConflicts)
	}
}

func TestWithTx_Rollback(t *testing.T) {
	s := newTestStore(t)

	// 事务内出错应整体回滚
	wantErr := errors.New("boom")
	err := s.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO sessions (id, project_path, agent_type, started_at, last_heartbeat, metadata, pid) VALUES ('tx-1', '/p', '', 0, 0, '{}', 0)",
		); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithTx() error = %v, want %v", err, wantErr)
	}

	if _, err := s.GetSession("tx-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session should be rolled back, got err = %v", err)
	}
}
