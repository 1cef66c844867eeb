package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable 表示底层数据库无法打开或初始化
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrLockNotFound 表示目标资源上不存在锁
var ErrLockNotFound = errors.New("lock not found")

// ErrLockExpired 表示锁已过期
var ErrLockExpired = errors.New("lock expired")

// ErrLockTimeout 表示在超时时间内未能获取锁
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrConflictNotFound 表示冲突记录不存在
var ErrConflictNotFound = errors.New("conflict not found")

// ErrConflictResolved 表示冲突已处于终态，不能再次解决
var ErrConflictResolved = errors.New("conflict already resolved")

// LockHeldError 表示锁被其他会话持有
type LockHeldError struct {
	Resource  string
	Holder    string
	Remaining time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q held by session %q for another %s", e.Resource, e.Holder, e.Remaining)
}

// Open 阶段标识，供持久化降级分类使用
const (
	StageDirectory = "directory"
	StageOpen      = "open"
	StageInit      = "init"
)

// OpenError 携带打开存储失败的阶段信息
type OpenError struct {
	Stage string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open store (%s): %v", e.Stage, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Is 使所有打开失败都匹配 ErrStoreUnavailable
func (e *OpenError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
