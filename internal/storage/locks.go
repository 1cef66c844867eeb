package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/internal/events"
	"warden/pkg/logger"
)

// 锁相关默认值
const (
	DefaultLockTTL               = 60 * time.Second
	DefaultWithLockTimeout       = 10 * time.Second
	DefaultWithLockRetryInterval = 100 * time.Millisecond
)

// Lock 协调锁实体
type Lock struct {
	Resource     string    `json:"resource"`
	SessionID    string    `json:"session_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LockType     string    `json:"lock_type"`
	RefreshCount int       `json:"refresh_count"`
}

// LockResult 描述一次获取锁的结果
type LockResult struct {
	Acquired     bool      `json:"acquired"`
	Holder       string    `json:"holder,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Extended     bool      `json:"extended,omitempty"`
	RefreshCount int       `json:"refresh_count"`
	RemainingMS  int64     `json:"remaining_ms,omitempty"`
}

// AcquireLock 尝试获取资源的排他锁
// 语义按顺序执行：过期锁先删除再视为不存在；同一持有者延长有效期；
// 其他持有者返回剩余时间；否则插入新行。
func (s *Store) AcquireLock(resource, sessionID string, ttl time.Duration) (*LockResult, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	var res *LockResult
	var expiredHolder string

	err := s.retryTx(func(tx *Tx) error {
		// 重试会重新执行整个闭包，先重置输出
		res = nil
		expiredHolder = ""

		now := nowMS()

		var holder string
		var expiresMs int64
		var refresh int
		err := tx.QueryRow(
			"SELECT session_id, expires_at, refresh_count FROM locks WHERE resource = ?",
			resource,
		).Scan(&holder, &expiresMs, &refresh)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// 不存在，直接插入

		case err != nil:
			return err

		default:
			if expiresMs <= now {
				// 过期锁删除后按不存在处理
				if _, err := tx.Exec("DELETE FROM locks WHERE resource = ?", resource); err != nil {
					return err
				}
				expiredHolder = holder
			} else if holder == sessionID {
				// 同一持有者，延长有效期
				newExpiry := now + ttl.Milliseconds()
				if _, err := tx.Exec(
					"UPDATE locks SET expires_at = ?, refresh_count = refresh_count + 1 WHERE resource = ?",
					newExpiry, resource,
				); err != nil {
					return err
				}
				res = &LockResult{
					Acquired:     true,
					Holder:       sessionID,
					ExpiresAt:    time.UnixMilli(newExpiry),
					Extended:     true,
					RefreshCount: refresh + 1,
				}
				return nil
			} else {
				// 其他会话持有
				res = &LockResult{
					Acquired:     false,
					Holder:       holder,
					ExpiresAt:    time.UnixMilli(expiresMs),
					RefreshCount: refresh,
					RemainingMS:  expiresMs - now,
				}
				return nil
			}
		}

		expiry := now + ttl.Milliseconds()
		_, err = tx.Exec(
			"INSERT INTO locks (resource, session_id, acquired_at, expires_at, lock_type, refresh_count) VALUES (?, ?, ?, ?, 'exclusive', 0)",
			resource, sessionID, now, expiry,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// 竞争落败，重读当前持有者
				var h string
				var e int64
				var rc int
				if err2 := tx.QueryRow(
					"SELECT session_id, expires_at, refresh_count FROM locks WHERE resource = ?",
					resource,
				).Scan(&h, &e, &rc); err2 == nil {
					res = &LockResult{
						Acquired:     false,
						Holder:       h,
						ExpiresAt:    time.UnixMilli(e),
						RefreshCount: rc,
						RemainingMS:  e - now,
					}
					return nil
				}
			}
			return err
		}

		res = &LockResult{
			Acquired:  true,
			Holder:    sessionID,
			ExpiresAt: time.UnixMilli(expiry),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expiredHolder != "" {
		s.emit(events.LockExpired, map[string]any{"resource": resource, "sessionId": expiredHolder})
	}
	if res.Acquired {
		if res.Extended {
			s.emit(events.LockExtended, map[string]any{
				"resource":     resource,
				"sessionId":    sessionID,
				"refreshCount": res.RefreshCount,
			})
		} else {
			s.emit(events.LockAcquired, map[string]any{"resource": resource, "sessionId": sessionID})
		}
	}

	s.mirrorAcquireLock(resource, sessionID, ttl, res)
	return res, nil
}

// ReleaseLock 释放锁，幂等
// 不存在返回 true；已过期删除并返回 true；他人持有返回 false。
func (s *Store) ReleaseLock(resource, sessionID string) (bool, error) {
	released := false
	expired := false
	var expiredHolder string

	err := s.retryTx(func(tx *Tx) error {
		released = false
		expired = false
		expiredHolder = ""

		now := nowMS()

		var holder string
		var expiresMs int64
		err := tx.QueryRow(
			"SELECT session_id, expires_at FROM locks WHERE resource = ?",
			resource,
		).Scan(&holder, &expiresMs)

		if errors.Is(err, sql.ErrNoRows) {
			released = true
			return nil
		}
		if err != nil {
			return err
		}

		if expiresMs <= now {
			if _, err := tx.Exec("DELETE FROM locks WHERE resource = ?", resource); err != nil {
				return err
			}
			released = true
			expired = true
			expiredHolder = holder
			return nil
		}

		if holder != sessionID {
			return nil
		}

		if _, err := tx.Exec("DELETE FROM locks WHERE resource = ?", resource); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if expired {
		s.emit(events.LockExpired, map[string]any{"resource": resource, "sessionId": expiredHolder})
	} else if released {
		s.emit(events.LockReleased, map[string]any{"resource": resource, "sessionId": sessionID})
	}

	s.mirrorReleaseLock(resource, sessionID, released)
	return released, nil
}

// RefreshLock 延长已持有锁的有效期
// 仅持有者可刷新；锁不存在返回 ErrLockNotFound，已过期返回 ErrLockExpired，
// 他人持有返回 *LockHeldError。
func (s *Store) RefreshLock(resource, sessionID string, ttl time.Duration) (*LockResult, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	var res *LockResult

	err := s.retryTx(func(tx *Tx) error {
		res = nil
		now := nowMS()

		var holder string
		var expiresMs int64
		var refresh int
		err := tx.QueryRow(
			"SELECT session_id, expires_at, refresh_count FROM locks WHERE resource = ?",
			resource,
		).Scan(&holder, &expiresMs, &refresh)

		if errors.Is(err, sql.ErrNoRows) {
			return ErrLockNotFound
		}
		if err != nil {
			return err
		}

		if expiresMs <= now {
			if _, err := tx.Exec("DELETE FROM locks WHERE resource = ?", resource); err != nil {
				return err
			}
			return ErrLockExpired
		}

		if holder != sessionID {
			return &LockHeldError{
				Resource:  resource,
				Holder:    holder,
				Remaining: time.Duration(expiresMs-now) * time.Millisecond,
			}
		}

		newExpiry := now + ttl.Milliseconds()
		if _, err := tx.Exec(
			"UPDATE locks SET expires_at = ?, refresh_count = refresh_count + 1 WHERE resource = ?",
			newExpiry, resource,
		); err != nil {
			return err
		}

		res = &LockResult{
			Acquired:     true,
			Holder:       sessionID,
			ExpiresAt:    time.UnixMilli(newExpiry),
			Extended:     true,
			RefreshCount: refresh + 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.LockRefreshed, map[string]any{
		"resource":     resource,
		"sessionId":    sessionID,
		"refreshCount": res.RefreshCount,
	})
	return res, nil
}

// IsLockHeld 检查资源上是否存在未过期的锁
func (s *Store) IsLockHeld(resource string) (bool, error) {
	var count int
	err := s.QueryRow(
		"SELECT COUNT(*) FROM locks WHERE resource = ? AND expires_at > ?",
		resource, nowMS(),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetLock 查询锁信息，过期或不存在返回 ErrLockNotFound
func (s *Store) GetLock(resource string) (*Lock, error) {
	var l Lock
	var acquiredMs, expiresMs int64

	err := s.QueryRow(
		"SELECT resource, session_id, acquired_at, expires_at, lock_type, refresh_count FROM locks WHERE resource = ?",
		resource,
	).Scan(&l.Resource, &l.SessionID, &acquiredMs, &expiresMs, &l.LockType, &l.RefreshCount)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresMs <= nowMS() {
		// 过期视为不存在，删除交由获取或清理路径
		return nil, ErrLockNotFound
	}

	l.AcquiredAt = time.UnixMilli(acquiredMs)
	l.ExpiresAt = time.UnixMilli(expiresMs)
	return &l, nil
}

// ListLocks 列出所有未过期的锁
func (s *Store) ListLocks() ([]*Lock, error) {
	rows, err := s.Query(
		"SELECT resource, session_id, acquired_at, expires_at, lock_type, refresh_count FROM locks WHERE expires_at > ? ORDER BY acquired_at",
		nowMS(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		var l Lock
		var acquiredMs, expiresMs int64
		if err := rows.Scan(&l.Resource, &l.SessionID, &acquiredMs, &expiresMs, &l.LockType, &l.RefreshCount); err != nil {
			return nil, err
		}
		l.AcquiredAt = time.UnixMilli(acquiredMs)
		l.ExpiresAt = time.UnixMilli(expiresMs)
		locks = append(locks, &l)
	}

	return locks, rows.Err()
}

// CleanupExpiredLocks 删除所有过期锁，返回删除数量
func (s *Store) CleanupExpiredLocks() (int64, error) {
	result, err := s.Exec("DELETE FROM locks WHERE expires_at <= ?", nowMS())
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.emit(events.LocksCleanup, map[string]any{"count": count})
	}
	return count, nil
}

// WithLockOptions 配置 WithLock 的获取行为
type WithLockOptions struct {
	TTL           time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
}

// WithLock 在持有资源锁的前提下执行 fn
// 在 Timeout 内按固定间隔重试获取；无论 fn 正常返回、出错还是 panic，
// 锁都会被释放。
func (s *Store) WithLock(ctx context.Context, resource, sessionID string, opts WithLockOptions, fn func() error) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWithLockTimeout
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultWithLockRetryInterval
	}

	deadline := time.Now().Add(timeout)
	for {
		res, err := s.AcquireLock(resource, sessionID, ttl)
		if err != nil {
			return err
		}
		if res.Acquired {
			break
		}
		if !time.Now().Add(interval).Before(deadline) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, &LockHeldError{
				Resource:  resource,
				Holder:    res.Holder,
				Remaining: time.Duration(res.RemainingMS) * time.Millisecond,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	defer func() {
		if _, err := s.ReleaseLock(resource, sessionID); err != nil {
			logger.Warn().Err(err).Str("resource", resource).Msg("release lock after fn")
		}
	}()

	return fn()
}
