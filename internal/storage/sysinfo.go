package storage

import (
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// system_info 保留键
const (
	KeySessionRegistryNextID = "session_registry_next_id"
	KeyStoreVersion          = "store_version"
	KeyMetricsSnapshot       = "metrics_snapshot"
)

// SetInfo 写入系统信息键值
func (s *Store) SetInfo(key, value string) error {
	_, err := s.Exec(
		"INSERT OR REPLACE INTO system_info (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().Unix(),
	)
	return err
}

// GetInfo 读取系统信息键值
func (s *Store) GetInfo(key string) (string, error) {
	var value string
	err := s.QueryRow("SELECT value FROM system_info WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteInfo 删除系统信息键值
func (s *Store) DeleteInfo(key string) error {
	result, err := s.Exec("DELETE FROM system_info WHERE key = ?", key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// NextSessionID 在单个事务内读取并递增会话 id 分配器
func (s *Store) NextSessionID() (int64, error) {
	var next int64

	err := s.retryTx(func(tx *Tx) error {
		next = 0

		var value string
		err := tx.QueryRow(
			"SELECT value FROM system_info WHERE key = ?",
			KeySessionRegistryNextID,
		).Scan(&value)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			next = 1
		case err != nil:
			return err
		default:
			parsed, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil || parsed < 1 {
				// 损坏的计数器按初始值处理
				parsed = 1
			}
			next = parsed
		}

		_, err = tx.Exec(
			"INSERT OR REPLACE INTO system_info (key, value, updated_at) VALUES (?, ?, ?)",
			KeySessionRegistryNextID, strconv.FormatInt(next+1, 10), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	return next, nil
}

// PeekNextSessionID 读取分配器当前值，不递增
func (s *Store) PeekNextSessionID() (int64, error) {
	value, err := s.GetInfo(KeySessionRegistryNextID)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	parsed, perr := strconv.ParseInt(value, 10, 64)
	if perr != nil || parsed < 1 {
		return 1, nil
	}
	return parsed, nil
}

// SetNextSessionID 将分配器推进到至少 next，用于恢复后的对账
func (s *Store) SetNextSessionID(next int64) error {
	current, err := s.PeekNextSessionID()
	if err != nil {
		return err
	}
	if next <= current {
		return nil
	}
	return s.SetInfo(KeySessionRegistryNextID, strconv.FormatInt(next, 10))
}
