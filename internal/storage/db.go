package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	_ "modernc.org/sqlite"

	"warden/internal/config"
	"warden/internal/events"
	"warden/internal/storage/migrations"
	"warden/pkg/logger"
)

// 默认 busy_timeout，跨进程写竞争在此窗口内等待
const defaultBusyTimeout = 5 * time.Second

// SQLITE_BUSY 重试策略：最多 3 次，退避合计不超过 50ms
const (
	maxBusyRetries = 3
	busyRetryDelay = 15 * time.Millisecond
)

// Store 封装协调存储的数据库连接
type Store struct {
	*sql.DB
	path       string
	bus        *events.Bus
	appVersion string
	shadow     shadowState
}

type options struct {
	busyTimeout time.Duration
	bus         *events.Bus
	version     string
}

// Option 配置打开行为
type Option func(*options)

// WithBusyTimeout 覆盖默认的 busy_timeout
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithBus 设置事件总线
func WithBus(bus *events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithVersion 设置应用版本，用于写入 store_version 并检测降级
func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// Open 打开协调存储
// 失败时返回 *OpenError，其 Stage 字段区分目录、打开、初始化三类失败，
// 且 errors.Is(err, ErrStoreUnavailable) 恒为真。
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	memory := path == ":memory:"
	expandedPath := path

	if !memory {
		// 展开路径
		var err error
		expandedPath, err = config.ExpandPath(path)
		if err != nil {
			return nil, &OpenError{Stage: StageDirectory, Err: fmt.Errorf("expand path: %w", err)}
		}

		// 确保目录存在
		dir := filepath.Dir(expandedPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &OpenError{Stage: StageDirectory, Err: fmt.Errorf("create directory: %w", err)}
		}
	}

	// 打开数据库连接
	db, err := sql.Open("sqlite", expandedPath)
	if err != nil {
		return nil, &OpenError{Stage: StageOpen, Err: fmt.Errorf("open database: %w", err)}
	}

	// 内存模式下每个连接都是独立数据库，必须收敛到单连接
	if memory {
		db.SetMaxOpenConns(1)
	}

	// 配置 SQLite
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &OpenError{Stage: StageOpen, Err: fmt.Errorf("set pragma: %w", err)}
		}
	}

	// 执行迁移
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, &OpenError{Stage: StageInit, Err: fmt.Errorf("run migrations: %w", err)}
	}

	s := &Store{DB: db, path: expandedPath, bus: o.bus, appVersion: o.version}

	// 记录版本并检测降级，失败仅告警
	if o.version != "" {
		s.stampVersion(o.version)
	}

	return s, nil
}

// Path 返回数据库文件路径
func (s *Store) Path() string {
	return s.path
}

// SetBus 设置事件总线，需在并发使用前调用
func (s *Store) SetBus(bus *events.Bus) {
	s.bus = bus
}

// emit 在总线上发布事件，总线未设置时安全忽略
func (s *Store) emit(eventType string, data map[string]any) {
	s.bus.Emit(eventType, data)
}

// HealthCheck 执行最小探活查询
func (s *Store) HealthCheck() error {
	var one int
	if err := s.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close 关闭数据库连接及影子存储
func (s *Store) Close() error {
	s.closeShadow()
	return s.DB.Close()
}

// Tx 封装事务
type Tx struct {
	*sql.Tx
}

// Begin 开启事务
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

// WithTx 在事务中执行函数，自动处理提交或回滚
func (s *Store) WithTx(fn func(*Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// retryTx 对瞬时 SQLITE_BUSY 在整个事务粒度上重试
// fn 可能被执行多次，必须幂等地重建自身状态。
func (s *Store) retryTx(fn func(*Tx) error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = s.WithTx(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * busyRetryDelay)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// nowMS 返回毫秒级 Unix 时间戳，与表结构的时间约定一致
func nowMS() int64 {
	return time.Now().UnixMilli()
}

// stampVersion 写入当前版本并对降级发出告警
func (s *Store) stampVersion(current string) {
	prev, err := s.GetInfo(KeyStoreVersion)
	if err == nil && prev != "" && prev != current {
		pv, errA := semver.NewVersion(prev)
		cv, errB := semver.NewVersion(current)
		if errA == nil && errB == nil && pv.GreaterThan(cv) {
			logger.Warn().
				Str("previous", prev).
				Str("current", current).
				Msg("store was created by a newer version, downgrade detected")
		}
	}

	if err := s.SetInfo(KeyStoreVersion, current); err != nil {
		logger.Warn().Err(err).Msg("failed to stamp store version")
	}
}

// StoreStats 汇总存储当前状态，供 status/doctor 使用
type StoreStats struct {
	Path             string `json:"path"`
	JournalMode      string `json:"journal_mode"`
	SchemaVersion    int    `json:"schema_version"`
	Sessions         int    `json:"sessions"`
	ActiveLocks      int    `json:"active_locks"`
	UnappliedChanges int    `json:"unapplied_changes"`
	PendingConflicts int    `json:"pending_conflicts"`
}

// Stats 查询存储统计信息
func (s *Store) Stats() (*StoreStats, error) {
	st := &StoreStats{Path: s.path}

	if err := s.QueryRow("PRAGMA journal_mode").Scan(&st.JournalMode); err != nil {
		return nil, err
	}
	if err := s.QueryRow("SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&st.SchemaVersion); err != nil {
		return nil, err
	}
	if err := s.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.Sessions); err != nil {
		return nil, err
	}
	if err := s.QueryRow("SELECT COUNT(*) FROM locks WHERE expires_at > ?", nowMS()).Scan(&st.ActiveLocks); err != nil {
		return nil, err
	}
	if err := s.QueryRow("SELECT COUNT(*) FROM change_journal WHERE applied = 0").Scan(&st.UnappliedChanges); err != nil {
		return nil, err
	}
	if err := s.QueryRow("SELECT COUNT(*) FROM conflicts WHERE status = 'pending'").Scan(&st.PendingConflicts); err != nil {
		return nil, err
	}

	return st, nil
}
