package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"warden/internal/events"
)

// 冲突类型
const (
	ConflictVersion        = "VERSION_CONFLICT"
	ConflictConcurrentEdit = "CONCURRENT_EDIT"
	ConflictStaleLock      = "STALE_LOCK"
	ConflictMergeFailure   = "MERGE_FAILURE"
)

// 严重程度
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// 冲突状态
const (
	ConflictPending      = "pending"
	ConflictResolvedDone = "resolved"
	ConflictAutoResolved = "auto-resolved"
	ConflictEscalated    = "escalated"
)

// 解决方式
const (
	ResolutionVersionA  = "version_a"
	ResolutionVersionB  = "version_b"
	ResolutionMerged    = "merged"
	ResolutionManual    = "manual"
	ResolutionDiscarded = "discarded"
)

// SessionSnapshot 冲突双方的会话快照
type SessionSnapshot struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conflict 并发冲突记录
type Conflict struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Resource        string          `json:"resource"`
	DetectedAt      time.Time       `json:"detected_at"`
	Severity        string          `json:"severity"`
	SessionA        SessionSnapshot `json:"session_a"`
	SessionB        SessionSnapshot `json:"session_b"`
	AffectedTaskIDs []string        `json:"affected_task_ids,omitempty"`
	FieldConflicts  json.RawMessage `json:"field_conflicts,omitempty"`
	Description     string          `json:"description"`
	Status          string          `json:"status"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolutionData  json.RawMessage `json:"resolution_data,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// RecordConflict 记录一个新冲突
// ID 为空时自动生成；状态强制为 pending。
func (s *Store) RecordConflict(c *Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.UnixMilli(nowMS())
	}
	if c.Severity == "" {
		c.Severity = SeverityWarning
	}
	c.Status = ConflictPending

	affected, err := json.Marshal(c.AffectedTaskIDs)
	if err != nil {
		return err
	}
	if c.FieldConflicts == nil {
		c.FieldConflicts = json.RawMessage("[]")
	}
	if c.SessionA.Data == nil {
		c.SessionA.Data = json.RawMessage("{}")
	}
	if c.SessionB.Data == nil {
		c.SessionB.Data = json.RawMessage("{}")
	}

	_, err = s.Exec(
		`INSERT INTO conflicts (
			id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, description, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Type, c.Resource, c.DetectedAt.UnixMilli(), c.Severity,
		c.SessionA.ID, string(c.SessionA.Data), c.SessionA.Version, c.SessionA.Timestamp.UnixMilli(),
		c.SessionB.ID, string(c.SessionB.Data), c.SessionB.Version, c.SessionB.Timestamp.UnixMilli(),
		string(affected), string(c.FieldConflicts), c.Description, c.Status,
	)
	if err != nil {
		return err
	}

	s.emit(events.ConflictDetected, map[string]any{
		"conflictId": c.ID,
		"type":       c.Type,
		"resource":   c.Resource,
		"severity":   c.Severity,
	})
	return nil
}

// GetConflict 按 id 获取冲突
func (s *Store) GetConflict(id string) (*Conflict, error) {
	row := s.QueryRow(
		`SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, description, status,
			resolution, resolution_data, resolved_at, resolved_by, resolution_notes
		 FROM conflicts WHERE id = ?`,
		id,
	)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	return c, err
}

// GetPendingConflicts 返回所有待解决冲突，按检测时间正序
func (s *Store) GetPendingConflicts() ([]*Conflict, error) {
	return s.queryConflicts(
		`SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, description, status,
			resolution, resolution_data, resolved_at, resolved_by, resolution_notes
		 FROM conflicts WHERE status = 'pending' ORDER BY detected_at ASC`,
	)
}

// ListConflicts 返回所有冲突，按检测时间倒序
func (s *Store) ListConflicts(limit int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryConflicts(
		`SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, description, status,
			resolution, resolution_data, resolved_at, resolved_by, resolution_notes
		 FROM conflicts ORDER BY detected_at DESC LIMIT ?`,
		limit,
	)
}

func (s *Store) queryConflicts(query string, args ...any) ([]*Conflict, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var detectedMs, aTs, bTs int64
	var aData, bData, affected, fieldConflicts string
	var resolution, resolutionData, resolvedBy, notes sql.NullString
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&c.ID, &c.Type, &c.Resource, &detectedMs, &c.Severity,
		&c.SessionA.ID, &aData, &c.SessionA.Version, &aTs,
		&c.SessionB.ID, &bData, &c.SessionB.Version, &bTs,
		&affected, &fieldConflicts, &c.Description, &c.Status,
		&resolution, &resolutionData, &resolvedAt, &resolvedBy, &notes,
	)
	if err != nil {
		return nil, err
	}

	c.DetectedAt = time.UnixMilli(detectedMs)
	c.SessionA.Data = json.RawMessage(aData)
	c.SessionA.Timestamp = time.UnixMilli(aTs)
	c.SessionB.Data = json.RawMessage(bData)
	c.SessionB.Timestamp = time.UnixMilli(bTs)
	c.FieldConflicts = json.RawMessage(fieldConflicts)

	if err := json.Unmarshal([]byte(affected), &c.AffectedTaskIDs); err != nil {
		// 损坏的行按空处理
		c.AffectedTaskIDs = nil
	}

	if resolution.Valid {
		c.Resolution = resolution.String
	}
	if resolutionData.Valid {
		c.ResolutionData = json.RawMessage(resolutionData.String)
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	if notes.Valid {
		c.ResolutionNotes = notes.String
	}

	return &c, nil
}

// ResolveOptions 冲突解决的可选参数
type ResolveOptions struct {
	AutoResolved bool
	ResolvedBy   string
	Notes        string
	Data         json.RawMessage
}

// ResolveConflict 解决冲突，只允许操作 pending 状态的记录
// 已终态的记录返回 ErrConflictResolved。
func (s *Store) ResolveConflict(id, resolution string, opts ResolveOptions) error {
	status := ConflictResolvedDone
	if opts.AutoResolved {
		status = ConflictAutoResolved
	}

	var resolutionData any
	if opts.Data != nil {
		resolutionData = string(opts.Data)
	}

	err := s.retryTx(func(tx *Tx) error {
		result, err := tx.Exec(
			`UPDATE conflicts SET status = ?, resolution = ?, resolution_data = ?,
				resolved_at = ?, resolved_by = ?, resolution_notes = ?
			 WHERE id = ? AND status = 'pending'`,
			status, resolution, resolutionData, nowMS(), opts.ResolvedBy, opts.Notes, id,
		)
		if err != nil {
			return err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// 区分不存在与已解决
			var existing string
			err := tx.QueryRow("SELECT status FROM conflicts WHERE id = ?", id).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflictNotFound
			}
			if err != nil {
				return err
			}
			return ErrConflictResolved
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(events.ConflictResolved, map[string]any{
		"conflictId": id,
		"resolution": resolution,
		"status":     status,
		"resolvedBy": opts.ResolvedBy,
	})
	return nil
}

// PruneResolvedConflicts 删除终态且超过保留期的冲突，返回删除数量
func (s *Store) PruneResolvedConflicts(retention time.Duration) (int64, error) {
	cutoff := nowMS() - retention.Milliseconds()

	result, err := s.Exec(
		"DELETE FROM conflicts WHERE status != 'pending' AND resolved_at IS NOT NULL AND resolved_at <= ?",
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
		s.emit(events.ConflictsPruned, map[string]any{"count": count})
	}
	return count, nil
}
