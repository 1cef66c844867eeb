package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DelegationRecord 委托审计记录，镜像注册中心里到达终态的委托
type DelegationRecord struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id"`
	TargetAgentID   string     `json:"target_agent_id"`
	TaskID          string     `json:"task_id"`
	Pattern         string     `json:"pattern"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ResultSize      int        `json:"result_size"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// RecordDelegation 写入一条委托审计记录
func (s *Store) RecordDelegation(rec *DelegationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.UnixMilli(nowMS())
	}
	if rec.Status == "" {
		rec.Status = "pending"
	}

	_, err := s.Exec(
		`INSERT OR REPLACE INTO delegations
			(id, parent_session_id, target_agent_id, task_id, pattern, status, created_at, completed_at, result_size, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParentSessionID, rec.TargetAgentID, rec.TaskID, rec.Pattern, rec.Status,
		rec.CreatedAt.UnixMilli(), completedMs(rec.CompletedAt), rec.ResultSize, rec.ErrorMessage,
	)
	return err
}

func completedMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// CompleteDelegation 将委托审计记录推进到终态
func (s *Store) CompleteDelegation(id, status string, resultSize int, errorMessage string) error {
	result, err := s.Exec(
		"UPDATE delegations SET status = ?, completed_at = ?, result_size = ?, error_message = ? WHERE id = ?",
		status, nowMS(), resultSize, errorMessage, id,
	)
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

// GetDelegationsByParent 查询某会话发起的全部委托
func (s *Store) GetDelegationsByParent(parentSessionID string) ([]*DelegationRecord, error) {
	rows, err := s.Query(
		`SELECT id, parent_session_id, target_agent_id, task_id, pattern, status, created_at, completed_at, result_size, error_message
		 FROM delegations WHERE parent_session_id = ? ORDER BY created_at DESC`,
		parentSessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDelegations(rows)
}

// GetRecentDelegations 查询最近的委托审计记录
func (s *Store) GetRecentDelegations(limit int) ([]*DelegationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Query(
		`SELECT id, parent_session_id, target_agent_id, task_id, pattern, status, created_at, completed_at, result_size, error_message
		 FROM delegations ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDelegations(rows)
}

func scanDelegations(rows *sql.Rows) ([]*DelegationRecord, error) {
	var records []*DelegationRecord
	for rows.Next() {
		var rec DelegationRecord
		var createdMs int64
		var completed sql.NullInt64

		if err := rows.Scan(
			&rec.ID, &rec.ParentSessionID, &rec.TargetAgentID, &rec.TaskID, &rec.Pattern,
			&rec.Status, &createdMs, &completed, &rec.ResultSize, &rec.ErrorMessage,
		); err != nil {
			return nil, err
		}

		rec.CreatedAt = time.UnixMilli(createdMs)
		if completed.Valid {
			t := time.UnixMilli(completed.Int64)
			rec.CompletedAt = &t
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
