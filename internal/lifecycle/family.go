package lifecycle

import (
	"fmt"
	"time"
)

// FamilyOptions 家族跃迁的可选参数
type FamilyOptions struct {
	// ParentMetadata 合并进父代理元数据
	ParentMetadata map[string]any

	// ChildMetadata 合并进每个子代理元数据
	ChildMetadata map[string]any

	// Timeout 家族锁等待时长，零值用状态机默认
	Timeout time.Duration
}

// AtomicFamilyTransition 原子地变更父代理与其全部直接子代理的状态
// 先取父代理的家族锁，再在同一临界区内校验父与全部子代理的跃迁，
// 全部通过后父先应用、子逐个应用，各自递增版本；任一校验失败则
// 不改动任何状态。锁在所有退出路径上释放。
func (m *Machine) AtomicFamilyTransition(parentID string, parentState, childState State, opts FamilyOptions) error {
	if !parentState.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, parentState)
	}
	if !childState.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, childState)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.lockTimeout
	}
	if err := m.acquireFamilyLock(parentID, timeout); err != nil {
		return err
	}
	defer m.releaseFamilyLock(parentID)

	type applied struct {
		id      string
		from    State
		to      State
		version int64
	}

	m.mu.Lock()
	parent, ok := m.agents[parentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, parentID)
	}

	// 校验先于任何修改；校验与应用在同一临界区内完成，
	// 期间版本不会被并发变更。
	if cur := parent.entry.State; !cur.CanTransitionTo(parentState) {
		m.mu.Unlock()
		return fmt.Errorf("%w: parent %s: %s -> %s", ErrInvalidTransition, parentID, cur, parentState)
	}
	childIDs := m.children[parentID]
	for _, childID := range childIDs {
		child := m.agents[childID]
		if cur := child.entry.State; !cur.CanTransitionTo(childState) {
			m.mu.Unlock()
			return fmt.Errorf("%w: child %s: %s -> %s", ErrInvalidTransition, childID, cur, childState)
		}
	}

	emits := make([]applied, 0, len(childIDs)+1)
	from := parent.entry.State
	m.applyLocked(parent, parentState, opts.ParentMetadata)
	emits = append(emits, applied{parentID, from, parentState, parent.entry.Version})

	for _, childID := range childIDs {
		child := m.agents[childID]
		from := child.entry.State
		m.applyLocked(child, childState, opts.ChildMetadata)
		emits = append(emits, applied{childID, from, childState, child.entry.Version})
	}
	m.mu.Unlock()

	for _, e := range emits {
		m.emitStateChanged(e.id, e.from, e.to, e.version)
	}
	return nil
}

// acquireFamilyLock 以令牌方式取得某父代理的家族锁
// 每个父代理对应一个容量 1 的通道，锁对象懒创建后常驻。
func (m *Machine) acquireFamilyLock(parentID string, timeout time.Duration) error {
	m.familyMu.Lock()
	ch, ok := m.familyLocks[parentID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.familyLocks[parentID] = ch
	}
	m.familyMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: parent %s after %s", ErrFamilyLockTimeout, parentID, timeout)
	}
}

// releaseFamilyLock 归还家族锁令牌，未持有时为空操作
func (m *Machine) releaseFamilyLock(parentID string) {
	m.familyMu.Lock()
	ch := m.familyLocks[parentID]
	m.familyMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}
