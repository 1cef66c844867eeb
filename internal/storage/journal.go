package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"warden/internal/events"
)

// ChangeEntry 变更日志条目，仅追加
type ChangeEntry struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Resource   string          `json:"resource"`
	Operation  string          `json:"operation"`
	ChangeData json.RawMessage `json:"change_data"`
	CreatedAt  time.Time       `json:"created_at"`
	Applied    bool            `json:"applied"`
	Checksum   string          `json:"checksum"`
}

// Checksum 计算变更数据的 SHA-256 十六进制摘要
func Checksum(data json.RawMessage) string {
	if data == nil {
		data = json.RawMessage("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordChange 追加一条变更记录，校验和由存储计算
func (s *Store) RecordChange(sessionID, resource, operation string, changeData json.RawMessage) (*ChangeEntry, error) {
	if changeData == nil {
		changeData = json.RawMessage("{}")
	}

	now := nowMS()
	checksum := Checksum(changeData)

	result, err := s.Exec(
		"INSERT INTO change_journal (session_id, resource, operation, change_data, created_at, applied, checksum) VALUES (?, ?, ?, ?, ?, 0, ?)",
		sessionID, resource, operation, string(changeData), now, checksum,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	entry := &ChangeEntry{
		ID:         id,
		SessionID:  sessionID,
		Resource:   resource,
		Operation:  operation,
		ChangeData: changeData,
		CreatedAt:  time.UnixMilli(now),
		Applied:    false,
		Checksum:   checksum,
	}

	s.emit(events.ChangeRecorded, map[string]any{
		"changeId":  id,
		"sessionId": sessionID,
		"resource":  resource,
		"operation": operation,
	})

	s.mirrorRecordChange(sessionID, resource, operation, changeData)
	return entry, nil
}

// GetRecentChanges 返回最近的变更，按时间倒序
func (s *Store) GetRecentChanges(limit int) ([]*ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Query(
		"SELECT id, session_id, resource, operation, change_data, created_at, applied, checksum FROM change_journal ORDER BY created_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChanges(rows)
}

// GetUnappliedChanges 返回资源上尚未应用的变更，按时间正序
func (s *Store) GetUnappliedChanges(resource string) ([]*ChangeEntry, error) {
	rows, err := s.Query(
		"SELECT id, session_id, resource, operation, change_data, created_at, applied, checksum FROM change_journal WHERE resource = ? AND applied = 0 ORDER BY created_at ASC, id ASC",
		resource,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]*ChangeEntry, error) {
	var entries []*ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var createdMs int64
		var dataStr string

		if err := rows.Scan(&e.ID, &e.SessionID, &e.Resource, &e.Operation, &dataStr, &createdMs, &e.Applied, &e.Checksum); err != nil {
			return nil, err
		}

		e.CreatedAt = time.UnixMilli(createdMs)
		e.ChangeData = json.RawMessage(dataStr)
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// MarkChangeApplied 将变更标记为已应用
func (s *Store) MarkChangeApplied(id int64) error {
	result, err := s.Exec("UPDATE change_journal SET applied = 1 WHERE id = ?", id)
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

	s.emit(events.ChangeApplied, map[string]any{"changeId": id})
	return nil
}

// GetChange 按 id 获取变更记录
func (s *Store) GetChange(id int64) (*ChangeEntry, error) {
	var e ChangeEntry
	var createdMs int64
	var dataStr string

	err := s.QueryRow(
		"SELECT id, session_id, resource, operation, change_data, created_at, applied, checksum FROM change_journal WHERE id = ?",
		id,
	).Scan(&e.ID, &e.SessionID, &e.Resource, &e.Operation, &dataStr, &createdMs, &e.Applied, &e.Checksum)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.CreatedAt = time.UnixMilli(createdMs)
	e.ChangeData = json.RawMessage(dataStr)
	return &e, nil
}

// PruneOldChanges 删除已应用且超过保留期的变更，返回删除数量
func (s *Store) PruneOldChanges(retention time.Duration) (int64, error) {
	cutoff := nowMS() - retention.Milliseconds()

	result, err := s.Exec(
		"DELETE FROM change_journal WHERE applied = 1 AND created_at <= ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.emit(events.JournalPruned, map[string]any{"count": count})
	}
	return count, nil
}
