package lifecycle

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// GetAggregateState 统计代理自身与其全部后代的状态分布
// 遍历携带访问集，意外成环时不会死循环。
func (m *Machine) GetAggregateState(agentID string) (*AggregateState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.agents[agentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	agg := &AggregateState{
		StateCounts:     make(map[State]int),
		IsFullyComplete: true,
	}
	visited := make(map[string]struct{})
	counted := m.walkLocked(agentID, visited, agg)
	agg.DescendantCount = counted - 1
	return agg, nil
}

// walkLocked 深度优先遍历子树并累加状态计数，返回实际统计到的代理数
// 调用方须持有 m.mu 读锁。
func (m *Machine) walkLocked(agentID string, visited map[string]struct{}, agg *AggregateState) int {
	if _, seen := visited[agentID]; seen {
		// 单亲模型下重访只可能来自环，记日志后跳过
		log.Warn().Str("agent", agentID).Msg("cycle detected in agent hierarchy, skipping revisit")
		return 0
	}
	visited[agentID] = struct{}{}

	rec, ok := m.agents[agentID]
	if !ok {
		return 0
	}

	st := rec.entry.State
	agg.StateCounts[st]++
	if st == StateActive {
		agg.ActiveCount++
	}
	if st == StateFailed {
		agg.HasFailures = true
	}
	if st != StateCompleted && st != StateTerminated {
		agg.IsFullyComplete = false
	}

	counted := 1
	for _, childID := range m.children[agentID] {
		counted += m.walkLocked(childID, visited, agg)
	}
	return counted
}
