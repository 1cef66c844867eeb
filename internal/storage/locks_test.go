package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/events"
)

func TestAcquireLock_New(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	res, err := s.AcquireLock("task:42", "sess-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	if !res.Acquired {
		t.Fatal("first acquire should succeed")
	}
	if res.Holder != "sess-a" {
		t.Errorf("Holder = %q, want sess-a", res.Holder)
	}
	if res.Extended {
		t.Error("first acquire should not be an extension")
	}
	if !res.ExpiresAt.After(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}

	// 事件核对
	e, ok := findEvent(*got, events.LockAcquired)
	if !ok {
		t.Fatal("lock:acquired event not emitted")
	}
	if e.Data["resource"] != "task:42" || e.Data["sessionId"] != "sess-a" {
		t.Errorf("event data = %v", e.Data)
	}

	// GetLock 能读回
	l, err := s.GetLock("task:42")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if l.SessionID != "sess-a" || l.LockType != "exclusive" || l.RefreshCount != 0 {
		t.Errorf("lock = %+v", l)
	}
}

func TestAcquireLock_Extend(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	first, err := s.AcquireLock("task:42", "sess-a", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// 同一持有者重复获取应延长有效期并递增刷新计数
	time.Sleep(5 * time.Millisecond)
	second, err := s.AcquireLock("task:42", "sess-a", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if !second.Acquired || !second.Extended {
		t.Fatalf("re-acquire by holder = %+v, want acquired+extended", second)
	}
	if second.RefreshCount != 1 {
		t.Errorf("RefreshCount = %d, want 1", second.RefreshCount)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Error("extension should push expiry forward")
	}

	if _, ok := findEvent(*got, events.LockExtended); !ok {
		t.Error("lock:extended event not emitted")
	}
}

func TestAcquireLock_HeldByOther(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	res, err := s.AcquireLock("task:42", "sess-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	if res.Acquired {
		t.Fatal("acquire against a held lock should fail")
	}
	if res.Holder != "sess-a" {
		t.Errorf("Holder = %q, want sess-a", res.Holder)
	}
	if res.RemainingMS <= 0 {
		t.Errorf("RemainingMS = %d, want > 0", res.RemainingMS)
	}
}

func TestAcquireLock_ExpiredHandoff(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	// sess-a 拿短 TTL 锁后静默到过期
	if _, err := s.AcquireLock("task:42", "sess-a", 20*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	// sess-b 应拿到锁，且先发 lock:expired 再发 lock:acquired
	res, err := s.AcquireLock("task:42", "sess-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatal("acquire after expiry should succeed")
	}

	var expiredIdx, acquiredIdx = -1, -1
	for i, e := range *got {
		switch {
		case e.Type == events.LockExpired && e.Data["sessionId"] == "sess-a":
			expiredIdx = i
		case e.Type == events.LockAcquired && e.Data["sessionId"] == "sess-b":
			acquiredIdx = i
		}
	}
	if expiredIdx == -1 {
		t.Fatal("lock:expired for sess-a not emitted")
	}
	if acquiredIdx == -1 {
		t.Fatal("lock:acquired for sess-b not emitted")
	}
	if expiredIdx > acquiredIdx {
		t.Error("lock:expired should precede lock:acquired")
	}

	// 过期持有者的刷新计数不应带到新锁上
	l, err := s.GetLock("task:42")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if l.SessionID != "sess-b" || l.RefreshCount != 0 {
		t.Errorf("lock after handoff = %+v", l)
	}
}

func TestReleaseLock_Idempotent(t *testing.T) {
	s := newTestStore(t)

	// 不存在的锁释放也返回 true
	ok, err := s.ReleaseLock("task:absent", "sess-a")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if !ok {
		t.Error("releasing an absent lock should report released")
	}

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	ok, err = s.ReleaseLock("task:42", "sess-a")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if !ok {
		t.Error("holder release should succeed")
	}

	// 重复释放仍是 true
	ok, err = s.ReleaseLock("task:42", "sess-a")
	if err != nil {
		t.Fatalf("ReleaseLock() repeat error = %v", err)
	}
	if !ok {
		t.Error("repeated release should stay true")
	}
}

func TestReleaseLock_ForeignHolder(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	// 他人持有时释放失败且锁保留
	ok, err := s.ReleaseLock("task:42", "sess-b")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if ok {
		t.Error("foreign release should be rejected")
	}

	held, err := s.IsLockHeld("task:42")
	if err != nil {
		t.Fatalf("IsLockHeld() error = %v", err)
	}
	if !held {
		t.Error("lock should survive a foreign release")
	}
}

func TestRefreshLock(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	// 不存在
	if _, err := s.RefreshLock("task:42", "sess-a", time.Minute); !errors.Is(err, ErrLockNotFound) {
		t.Errorf("refresh absent lock error = %v, want ErrLockNotFound", err)
	}

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	// 他人刷新
	_, err := s.RefreshLock("task:42", "sess-b", time.Minute)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("foreign refresh error = %v, want *LockHeldError", err)
	}
	if held.Holder != "sess-a" || held.Remaining <= 0 {
		t.Errorf("LockHeldError = %+v", held)
	}

	// 持有者刷新
	res, err := s.RefreshLock("task:42", "sess-a", time.Minute)
	if err != nil {
		t.Fatalf("RefreshLock() error = %v", err)
	}
	if res.RefreshCount != 1 || !res.Extended {
		t.Errorf("refresh result = %+v", res)
	}
	if _, ok := findEvent(*got, events.LockRefreshed); !ok {
		t.Error("lock:refreshed event not emitted")
	}
}

func TestRefreshLock_Expired(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", 20*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := s.RefreshLock("task:42", "sess-a", time.Minute); !errors.Is(err, ErrLockExpired) {
		t.Errorf("refresh expired lock error = %v, want ErrLockExpired", err)
	}
}

func TestGetLock_Expired(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", 20*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	// 过期锁对查询不可见
	if _, err := s.GetLock("task:42"); !errors.Is(err, ErrLockNotFound) {
		t.Errorf("GetLock() on expired lock error = %v, want ErrLockNotFound", err)
	}

	held, err := s.IsLockHeld("task:42")
	if err != nil {
		t.Fatalf("IsLockHeld() error = %v", err)
	}
	if held {
		t.Error("expired lock should not count as held")
	}
}

func TestListLocks(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:1", "sess-a", time.Minute); err != nil {
		t.Fatalf("acquire task:1: %v", err)
	}
	if _, err := s.AcquireLock("task:2", "sess-b", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire task:2: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	// 过期锁不出现在列表里
	locks, err := s.ListLocks()
	if err != nil {
		t.Fatalf("ListLocks() error = %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("len(locks) = %d, want 1", len(locks))
	}
	if locks[0].Resource != "task:1" {
		t.Errorf("resource = %q, want task:1", locks[0].Resource)
	}
}

func TestCleanupExpiredLocks(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	if _, err := s.AcquireLock("task:1", "sess-a", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire task:1: %v", err)
	}
	if _, err := s.AcquireLock("task:2", "sess-a", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire task:2: %v", err)
	}
	if _, err := s.AcquireLock("task:3", "sess-a", time.Minute); err != nil {
		t.Fatalf("acquire task:3: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	count, err := s.CleanupExpiredLocks()
	if err != nil {
		t.Fatalf("CleanupExpiredLocks() error = %v", err)
	}
	if count != 2 {
		t.Errorf("cleaned = %d, want 2", count)
	}

	e, ok := findEvent(*got, events.LocksCleanup)
	if !ok {
		t.Fatal("locks:cleanup event not emitted")
	}
	if e.Data["count"] != int64(2) {
		t.Errorf("event count = %v, want 2", e.Data["count"])
	}

	// 再清理一次应为 0 且不再发事件
	*got = (*got)[:0]
	count, err = s.CleanupExpiredLocks()
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("second cleanup = %d, want 0", count)
	}
	if len(*got) != 0 {
		t.Error("no event expected when nothing was cleaned")
	}
}

func TestWithLock(t *testing.T) {
	s := newTestStore(t)

	ran := false
	err := s.WithLock(context.Background(), "task:42", "sess-a", WithLockOptions{}, func() error {
		ran = true

		// 回调执行期间锁必须在手上
		held, err := s.IsLockHeld("task:42")
		if err != nil {
			return err
		}
		if !held {
			t.Error("lock should be held inside fn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}

	// 返回后锁已释放
	held, err := s.IsLockHeld("task:42")
	if err != nil {
		t.Fatalf("IsLockHeld() error = %v", err)
	}
	if held {
		t.Error("lock should be released after fn returns")
	}
}

func TestWithLock_Timeout(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	err := s.WithLock(context.Background(), "task:42", "sess-b", WithLockOptions{
		Timeout:       50 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}, func() error {
		t.Error("fn should not run when the lock cannot be acquired")
		return nil
	})

	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("error = %v, want ErrLockTimeout", err)
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	s := newTestStore(t)

	wantErr := errors.New("fn failed")
	err := s.WithLock(context.Background(), "task:42", "sess-a", WithLockOptions{}, func() error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock() error = %v, want %v", err, wantErr)
	}

	// 出错也要释放锁
	held, err := s.IsLockHeld("task:42")
	if err != nil {
		t.Fatalf("IsLockHeld() error = %v", err)
	}
	if held {
		t.Error("lock should be released after fn error")
	}
}

func TestWithLock_ContextCancel(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AcquireLock("task:42", "sess-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithLock(ctx, "task:42", "sess-b", WithLockOptions{
		Timeout:       time.Second,
		RetryInterval: 10 * time.Millisecond,
	}, func() error { return nil })

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
