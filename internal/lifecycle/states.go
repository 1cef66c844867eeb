// Package lifecycle 实现分层代理状态机
// 每个代理持有带版本号的状态条目，状态跃迁须符合跃迁表，
// 父子代理的联动跃迁通过家族锁原子完成。
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State 代理生命周期状态
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateDelegating   State = "delegating"
	StateWaiting      State = "waiting"
	StateCompleting   State = "completing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTerminated   State = "terminated"
)

// transitions 合法跃迁表，表外组合一律拒绝
// completed 与 failed 可回到 idle 复用，terminated 为终态。
var transitions = map[State][]State{
	StateIdle:         {StateInitializing, StateTerminated},
	StateInitializing: {StateActive, StateFailed, StateTerminated},
	StateActive:       {StateDelegating, StateWaiting, StateCompleting, StateFailed, StateTerminated},
	StateDelegating:   {StateWaiting, StateActive, StateFailed, StateTerminated},
	StateWaiting:      {StateActive, StateCompleting, StateFailed, StateTerminated},
	StateCompleting:   {StateCompleted, StateFailed},
	StateCompleted:    {StateIdle, StateTerminated},
	StateFailed:       {StateIdle, StateTerminated},
	StateTerminated:   nil,
}

// Valid 判断 s 是否为已知状态
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo 判断 s 到 next 的跃迁是否合法
func (s State) CanTransitionTo(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal 判断 s 是否为终态
func (s State) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// 包级别错误
var (
	// ErrAgentNotFound 代理未注册
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists 代理已注册
	ErrAgentExists = errors.New("agent already registered")

	// ErrParentNotFound 注册时指定的父代理不存在
	ErrParentNotFound = errors.New("parent agent not found")

	// ErrInvalidState 状态名不在跃迁表中
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidTransition 跃迁不符合跃迁表
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrFamilyLockTimeout 家族锁在超时时间内未取得
	ErrFamilyLockTimeout = errors.New("family lock timeout")
)

// OptimisticLockError 乐观版本检查失败
type OptimisticLockError struct {
	AgentID  string
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s: expected version %d, actual %d",
		e.AgentID, e.Expected, e.Actual)
}

// StateEntry 一个代理的版本化状态条目
// Version 从注册时的 1 起，每次被接受的变更加 1。
type StateEntry struct {
	AgentID   string         `json:"agent_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	State     State          `json:"state"`
	Version   int64          `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HistoryEntry 状态历史中的一条跃迁记录
type HistoryEntry struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
}

// 事件日志中的事件种类
const (
	EventRegistered   = "registered"
	EventStateChanged = "state_changed"
)

// Event 代理事件日志中的一条结构化事件
// Seq 为进程内全局递增序号，时间戳相同的事件按 Seq 排序。
type Event struct {
	ID      string    `json:"id"`
	Seq     int64     `json:"seq"`
	AgentID string    `json:"agent_id"`
	Kind    string    `json:"kind"`
	From    State     `json:"from,omitempty"`
	To      State     `json:"to,omitempty"`
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
}

// AggregateState 一棵代理子树的聚合视图
// 统计自身与全部后代，IsFullyComplete 仅当所有状态均为
// completed 或 terminated 时为真。
type AggregateState struct {
	StateCounts     map[State]int `json:"state_counts"`
	DescendantCount int           `json:"descendant_count"`
	ActiveCount     int           `json:"active_count"`
	HasFailures     bool          `json:"has_failures"`
	IsFullyComplete bool          `json:"is_fully_complete"`
}
