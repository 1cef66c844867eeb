package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/events"
)

const (
	// maxHistory 每个代理保留的状态历史条数
	maxHistory = 50

	// maxEventLog 每个代理事件日志环的容量
	maxEventLog = 100

	// defaultFamilyLockTimeout 家族锁默认等待时长
	defaultFamilyLockTimeout = 5 * time.Second
)

// agentRecord 单个代理的内部记录，所有字段受 Machine.mu 保护
type agentRecord struct {
	entry   StateEntry
	history []HistoryEntry
	events  []Event
}

// Machine 分层代理状态机
// 全部状态驻留内存，单把读写锁保护；家族锁按父代理细分，
// 用于父子联动跃迁期间排他。
type Machine struct {
	mu       sync.RWMutex
	agents   map[string]*agentRecord
	children map[string][]string // parentID -> 子代理，按注册顺序
	seq      int64

	familyMu    sync.Mutex
	familyLocks map[string]chan struct{}
	lockTimeout time.Duration

	bus *events.Bus
	now func() time.Time
}

// Option 状态机构造选项
type Option func(*Machine)

// WithBus 接入事件总线，注册、跃迁与注销都会发事件
func WithBus(bus *events.Bus) Option {
	return func(m *Machine) { m.bus = bus }
}

// WithFamilyLockTimeout 设置家族锁等待时长，零值用默认 5 秒
func WithFamilyLockTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New 创建空状态机
func New(opts ...Option) *Machine {
	m := &Machine{
		agents:      make(map[string]*agentRecord),
		children:    make(map[string][]string),
		familyLocks: make(map[string]chan struct{}),
		lockTimeout: defaultFamilyLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register 注册代理，初始状态 idle、版本 1
// parentID 非空时父代理必须已注册。
func (m *Machine) Register(agentID, parentID string, metadata map[string]any) (*StateEntry, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id required")
	}

	m.mu.Lock()
	if _, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	if parentID != "" {
		if _, ok := m.agents[parentID]; !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
	}

	now := m.now()
	rec := &agentRecord{
		entry: StateEntry{
			AgentID:   agentID,
			ParentID:  parentID,
			State:     StateIdle,
			Version:   1,
			Metadata:  cloneMeta(metadata),
			UpdatedAt: now,
		},
	}
	m.seq++
	rec.events = append(rec.events, Event{
		ID:      uuid.NewString(),
		Seq:     m.seq,
		AgentID: agentID,
		Kind:    EventRegistered,
		To:      StateIdle,
		Version: 1,
		At:      now,
	})
	m.agents[agentID] = rec
	if parentID != "" {
		m.children[parentID] = append(m.children[parentID], agentID)
	}
	snap := rec.entry.clone()
	m.mu.Unlock()

	m.bus.Emit(events.AgentRegistered, map[string]any{
		"agentId":  agentID,
		"parentId": parentID,
	})
	return &snap, nil
}

// UpdateOptions 状态变更的可选参数
type UpdateOptions struct {
	// ExpectedVersion 非零时做乐观版本检查
	ExpectedVersion int64

	// Metadata 按键合并进现有元数据
	Metadata map[string]any
}

// UpdateState 变更单个代理的状态
// 先做乐观版本检查，再校验跃迁合法性；接受后版本加 1，
// 写入状态历史与事件日志并发出 state:changed。
func (m *Machine) UpdateState(agentID string, next State, opts UpdateOptions) (*StateEntry, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, next)
	}

	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != rec.entry.Version {
		err := &OptimisticLockError{AgentID: agentID, Expected: opts.ExpectedVersion, Actual: rec.entry.Version}
		m.mu.Unlock()
		return nil, err
	}
	cur := rec.entry.State
	if !cur.CanTransitionTo(next) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, agentID, cur, next)
	}

	m.applyLocked(rec, next, opts.Metadata)
	snap := rec.entry.clone()
	m.mu.Unlock()

	m.emitStateChanged(snap.AgentID, cur, next, snap.Version)
	return &snap, nil
}

// applyLocked 执行一次已校验通过的跃迁，调用方须持有 m.mu 写锁
func (m *Machine) applyLocked(rec *agentRecord, next State, metadata map[string]any) {
	now := m.now()
	from := rec.entry.State

	rec.entry.State = next
	rec.entry.Version++
	rec.entry.UpdatedAt = now
	if len(metadata) > 0 {
		if rec.entry.Metadata == nil {
			rec.entry.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			rec.entry.Metadata[k] = v
		}
	}

	rec.history = append(rec.history, HistoryEntry{
		From:    from,
		To:      next,
		Version: rec.entry.Version,
		At:      now,
	})
	if len(rec.history) > maxHistory {
		rec.history = rec.history[len(rec.history)-maxHistory:]
	}

	m.seq++
	rec.events = append(rec.events, Event{
		ID:      uuid.NewString(),
		Seq:     m.seq,
		AgentID: rec.entry.AgentID,
		Kind:    EventStateChanged,
		From:    from,
		To:      next,
		Version: rec.entry.Version,
		At:      now,
	})
	if len(rec.events) > maxEventLog {
		rec.events = rec.events[len(rec.events)-maxEventLog:]
	}
}

func (m *Machine) emitStateChanged(agentID string, from, to State, version int64) {
	m.bus.Emit(events.StateChanged, map[string]any{
		"agentId": agentID,
		"from":    string(from),
		"to":      string(to),
		"version": version,
	})
}

// Unregister 注销代理并移除其记录
// 子代理保留为孤儿，父指针清空。
func (m *Machine) Unregister(agentID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	parentID := rec.entry.ParentID
	lastState := rec.entry.State

	delete(m.agents, agentID)
	if parentID != "" {
		m.children[parentID] = removeID(m.children[parentID], agentID)
		if len(m.children[parentID]) == 0 {
			delete(m.children, parentID)
		}
	}
	for _, childID := range m.children[agentID] {
		if child, ok := m.agents[childID]; ok {
			child.entry.ParentID = ""
		}
	}
	delete(m.children, agentID)
	m.mu.Unlock()

	m.bus.Emit(events.AgentUnregistered, map[string]any{
		"agentId": agentID,
		"state":   string(lastState),
	})
	return nil
}

// GetState 返回代理当前状态条目的副本
func (m *Machine) GetState(agentID string) (*StateEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	snap := rec.entry.clone()
	return &snap, nil
}

// GetHistory 返回代理的状态历史，最早在前
func (m *Machine) GetHistory(agentID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	out := make([]HistoryEntry, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

// GetEventLog 返回代理的事件日志，最早在前
func (m *Machine) GetEventLog(agentID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	out := make([]Event, len(rec.events))
	copy(out, rec.events)
	return out, nil
}

// GetAllEvents 合并全部在册代理的事件日志，按时间戳排序
// 时间戳相同的事件按全局序号保持发生顺序。
func (m *Machine) GetAllEvents() []Event {
	m.mu.RLock()
	var out []Event
	for _, rec := range m.agents {
		out = append(out, rec.events...)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// List 返回全部在册代理的状态条目，按 AgentID 排序
func (m *Machine) List() []*StateEntry {
	m.mu.RLock()
	out := make([]*StateEntry, 0, len(m.agents))
	for _, rec := range m.agents {
		snap := rec.entry.clone()
		out = append(out, &snap)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Children 返回某代理的直接子代理，按注册顺序
func (m *Machine) Children(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.children[agentID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// AgentCount 返回在册代理数量
func (m *Machine) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

func (e StateEntry) clone() StateEntry {
	e.Metadata = cloneMeta(e.Metadata)
	return e
}

func cloneMeta(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
