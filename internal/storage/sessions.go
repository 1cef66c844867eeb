package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"warden/internal/events"
)

// Session 跨进程会话存在性记录，靠心跳保活
type Session struct {
	ID            string          `json:"id"`
	ProjectPath   string          `json:"project_path"`
	AgentType     string          `json:"agent_type"`
	StartedAt     time.Time       `json:"started_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Metadata      json.RawMessage `json:"metadata"`
	PID           int             `json:"pid"`
}

// RegisterSession 注册会话，重复注册会刷新原记录
func (s *Store) RegisterSession(sess *Session) error {
	now := nowMS()

	if sess.Metadata == nil {
		sess.Metadata = json.RawMessage("{}")
	}
	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.UnixMilli(now)
	}

	_, err := s.Exec(
		`INSERT INTO sessions (id, project_path, agent_type, started_at, last_heartbeat, metadata, pid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   project_path = excluded.project_path,
		   agent_type = excluded.agent_type,
		   last_heartbeat = excluded.last_heartbeat,
		   metadata = excluded.metadata,
		   pid = excluded.pid`,
		sess.ID, sess.ProjectPath, sess.AgentType, startedAt.UnixMilli(), now, string(sess.Metadata), sess.PID,
	)
	if err != nil {
		return err
	}

	sess.StartedAt = time.UnixMilli(startedAt.UnixMilli())
	sess.LastHeartbeat = time.UnixMilli(now)

	s.emit(events.SessionRegistered, map[string]any{
		"sessionId": sess.ID,
		"project":   sess.ProjectPath,
		"pid":       sess.PID,
	})

	s.mirrorRegisterSession(sess)
	return nil
}

// UpdateHeartbeat 刷新会话心跳
func (s *Store) UpdateHeartbeat(id string) error {
	result, err := s.Exec(
		"UPDATE sessions SET last_heartbeat = ? WHERE id = ?",
		nowMS(), id,
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

	s.emit(events.SessionHeartbeat, map[string]any{"sessionId": id})
	s.mirrorHeartbeat(id)
	return nil
}

// DeregisterSession 注销会话并释放其持有的所有锁，幂等
func (s *Store) DeregisterSession(id string) error {
	var removed bool
	var locksReleased int64

	err := s.retryTx(func(tx *Tx) error {
		removed = false
		locksReleased = 0

		// 先释放该会话持有的所有锁
		res, err := tx.Exec("DELETE FROM locks WHERE session_id = ?", id)
		if err != nil {
			return err
		}
		locksReleased, _ = res.RowsAffected()

		res, err = tx.Exec("DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = affected > 0
		return nil
	})
	if err != nil {
		return err
	}

	if removed {
		s.emit(events.SessionDeregistered, map[string]any{
			"sessionId":     id,
			"locksReleased": locksReleased,
		})
	}

	s.mirrorDeregisterSession(id)
	return nil
}

// GetSession 获取会话
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var startedMs, heartbeatMs int64
	var metadataStr string

	err := s.QueryRow(
		"SELECT id, project_path, agent_type, started_at, last_heartbeat, metadata, pid FROM sessions WHERE id = ?",
		id,
	).Scan(&sess.ID, &sess.ProjectPath, &sess.AgentType, &startedMs, &heartbeatMs, &metadataStr, &sess.PID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.StartedAt = time.UnixMilli(startedMs)
	sess.LastHeartbeat = time.UnixMilli(heartbeatMs)
	sess.Metadata = json.RawMessage(metadataStr)
	return &sess, nil
}

// GetActiveSessions 返回心跳在阈值内的会话
func (s *Store) GetActiveSessions(threshold time.Duration) ([]*Session, error) {
	cutoff := nowMS() - threshold.Milliseconds()

	rows, err := s.Query(
		"SELECT id, project_path, agent_type, started_at, last_heartbeat, metadata, pid FROM sessions WHERE last_heartbeat >= ? ORDER BY last_heartbeat DESC",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListStoreSessions 列出所有会话
func (s *Store) ListStoreSessions() ([]*Session, error) {
	rows, err := s.Query(
		"SELECT id, project_path, agent_type, started_at, last_heartbeat, metadata, pid FROM sessions ORDER BY last_heartbeat DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		var sess Session
		var startedMs, heartbeatMs int64
		var metadataStr string

		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.AgentType, &startedMs, &heartbeatMs, &metadataStr, &sess.PID); err != nil {
			return nil, err
		}

		sess.StartedAt = time.UnixMilli(startedMs)
		sess.LastHeartbeat = time.UnixMilli(heartbeatMs)
		sess.Metadata = json.RawMessage(metadataStr)
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// CleanupStaleSessions 删除心跳超过阈值的会话及其锁，返回删除数量
func (s *Store) CleanupStaleSessions(threshold time.Duration) (int64, error) {
	var staleIDs []string

	err := s.retryTx(func(tx *Tx) error {
		staleIDs = staleIDs[:0]
		cutoff := nowMS() - threshold.Milliseconds()

		rows, err := tx.Query("SELECT id FROM sessions WHERE last_heartbeat < ?", cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			staleIDs = append(staleIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range staleIDs {
			if _, err := tx.Exec("DELETE FROM locks WHERE session_id = ?", id); err != nil {
				return err
			}
			if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range staleIDs {
		s.emit(events.SessionExpired, map[string]any{"sessionId": id})
	}
	return int64(len(staleIDs)), nil
}
