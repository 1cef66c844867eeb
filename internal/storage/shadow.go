package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"warden/internal/events"
	"warden/pkg/logger"
)

// shadowState 影子存储状态
// 迁移验证用：把写操作同步复刻到第二个存储并对比结果。
// 影子结果只做统计，主存储的返回值始终是对外答案。
type shadowState struct {
	mu          sync.Mutex
	secondary   *Store
	writes      int64
	divergences int64
}

// ShadowStats 影子模式统计
type ShadowStats struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	Writes      int64  `json:"writes"`
	Divergences int64  `json:"divergences"`
}

// EnableShadow 打开影子存储并开始镜像写操作
// 影子存储不挂事件总线，避免事件重复发布。
func (s *Store) EnableShadow(path string) error {
	if path == "" {
		return fmt.Errorf("shadow path is empty")
	}
	if path == s.path {
		return fmt.Errorf("shadow path must differ from primary store path")
	}

	s.shadow.mu.Lock()
	defer s.shadow.mu.Unlock()

	if s.shadow.secondary != nil {
		return fmt.Errorf("shadow mode already enabled at %s", s.shadow.secondary.path)
	}

	sec, err := Open(path)
	if err != nil {
		return fmt.Errorf("open shadow store: %w", err)
	}

	s.shadow.secondary = sec
	s.shadow.writes = 0
	s.shadow.divergences = 0

	s.emit(events.ShadowEnabled, map[string]any{"path": sec.path})
	return nil
}

// DisableShadow 关闭影子存储，幂等
func (s *Store) DisableShadow() error {
	s.shadow.mu.Lock()
	sec := s.shadow.secondary
	writes := s.shadow.writes
	divergences := s.shadow.divergences
	s.shadow.secondary = nil
	s.shadow.mu.Unlock()

	if sec == nil {
		return nil
	}

	err := sec.Close()
	s.emit(events.ShadowDisabled, map[string]any{
		"path":        sec.path,
		"writes":      writes,
		"divergences": divergences,
	})
	return err
}

// GetShadowStats 返回影子模式当前统计
func (s *Store) GetShadowStats() ShadowStats {
	s.shadow.mu.Lock()
	defer s.shadow.mu.Unlock()

	st := ShadowStats{
		Writes:      s.shadow.writes,
		Divergences: s.shadow.divergences,
	}
	if s.shadow.secondary != nil {
		st.Enabled = true
		st.Path = s.shadow.secondary.path
	}
	return st
}

// closeShadow 随主存储一起关闭影子存储
func (s *Store) closeShadow() {
	s.shadow.mu.Lock()
	sec := s.shadow.secondary
	s.shadow.secondary = nil
	s.shadow.mu.Unlock()

	if sec != nil {
		sec.Close()
	}
}

// shadowSecondary 取当前影子存储，未启用时返回 nil
func (s *Store) shadowSecondary() *Store {
	s.shadow.mu.Lock()
	defer s.shadow.mu.Unlock()
	return s.shadow.secondary
}

// shadowNote 记录一次镜像写及其对比结果
func (s *Store) shadowNote(diverged bool, op, detail string) {
	s.shadow.mu.Lock()
	s.shadow.writes++
	if diverged {
		s.shadow.divergences++
	}
	s.shadow.mu.Unlock()

	if diverged {
		logger.Debug().
			Str("op", op).
			Str("detail", detail).
			Msg("shadow store diverged from primary")
	}
}

func (s *Store) mirrorAcquireLock(resource, sessionID string, ttl time.Duration, primary *LockResult) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	res, err := sec.AcquireLock(resource, sessionID, ttl)
	diverged := err != nil || res.Acquired != primary.Acquired
	s.shadowNote(diverged, "acquire_lock", resource)
}

func (s *Store) mirrorReleaseLock(resource, sessionID string, primaryReleased bool) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	released, err := sec.ReleaseLock(resource, sessionID)
	diverged := err != nil || released != primaryReleased
	s.shadowNote(diverged, "release_lock", resource)
}

func (s *Store) mirrorRegisterSession(sess *Session) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	// 复制后再写，避免影子写改动调用方的结构体
	clone := *sess
	err := sec.RegisterSession(&clone)
	s.shadowNote(err != nil, "register_session", sess.ID)
}

func (s *Store) mirrorHeartbeat(id string) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	err := sec.UpdateHeartbeat(id)
	s.shadowNote(err != nil, "update_heartbeat", id)
}

func (s *Store) mirrorDeregisterSession(id string) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	err := sec.DeregisterSession(id)
	s.shadowNote(err != nil, "deregister_session", id)
}

func (s *Store) mirrorRecordChange(sessionID, resource, operation string, changeData json.RawMessage) {
	sec := s.shadowSecondary()
	if sec == nil {
		return
	}

	_, err := sec.RecordChange(sessionID, resource, operation, changeData)
	s.shadowNote(err != nil, "record_change", resource)
}
