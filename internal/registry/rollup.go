package registry

import (
	"math"
	"sort"

	"warden/internal/events"
	"warden/pkg/logger"
)

// rollupAcc accumulates subtree totals during a hierarchy walk. Quality
// is tracked as a sum over contributing sessions so the average stays
// correct when some sessions never report a score.
type rollupAcc struct {
	tokens       int64
	cost         float64
	activeAgents int
	totalAgents  int
	maxDepth     int
	childCount   int
	qualitySum   int64
	qualityCount int
}

func ownAcc(s *Session) rollupAcc {
	acc := rollupAcc{
		tokens:      s.Tokens,
		cost:        s.Cost,
		totalAgents: 1,
		maxDepth:    s.Hierarchy.Depth,
	}
	if s.Status == StatusActive {
		acc.activeAgents = 1
	}
	if s.QualityScore > 0 {
		acc.qualitySum = int64(s.QualityScore)
		acc.qualityCount = 1
	}
	return acc
}

func (a *rollupAcc) add(b rollupAcc) {
	a.tokens += b.tokens
	a.cost += b.cost
	a.activeAgents += b.activeAgents
	a.totalAgents += b.totalAgents
	if b.maxDepth > a.maxDepth {
		a.maxDepth = b.maxDepth
	}
	a.childCount += b.childCount
	a.qualitySum += b.qualitySum
	a.qualityCount += b.qualityCount
}

func (a rollupAcc) finalize() RollupMetrics {
	m := RollupMetrics{
		TotalTokens:        a.tokens,
		TotalCost:          math.Round(a.cost*100) / 100,
		ActiveAgentCount:   a.activeAgents,
		TotalAgentCount:    a.totalAgents,
		MaxDelegationDepth: a.maxDepth,
		ChildSessionCount:  a.childCount,
	}
	if a.qualityCount > 0 {
		m.AvgQuality = int(math.Round(float64(a.qualitySum) / float64(a.qualityCount)))
	}
	return m
}

// computeRollupLocked recomputes the subtree rollup for a session and
// caches it on the entry. The visited set guards against hierarchy
// corruption; a revisited node contributes nothing.
func (r *Registry) computeRollupLocked(s *Session, visited map[int64]bool) rollupAcc {
	if visited[s.ID] {
		logger.Warn().Int64("session", s.ID).Msg("hierarchy cycle detected during rollup")
		return rollupAcc{}
	}
	visited[s.ID] = true

	acc := ownAcc(s)
	for _, childID := range s.Hierarchy.ChildIDs {
		child, ok := r.sessions[childID]
		if !ok {
			continue
		}
		childAcc := r.computeRollupLocked(child, visited)
		childAcc.childCount++
		acc.add(childAcc)
	}
	s.Rollup = acc.finalize()
	return acc
}

// GetRollupMetrics recomputes and returns the rollup for a session's
// subtree.
func (r *Registry) GetRollupMetrics(id int64) (RollupMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return RollupMetrics{}, ErrSessionNotFound
	}
	r.computeRollupLocked(s, make(map[int64]bool))
	return s.Rollup, nil
}

// PropagateMetricUpdate recomputes the session's own rollup and then
// walks up the parent chain, refreshing each ancestor and announcing
// the change nearest ancestor first.
func (r *Registry) PropagateMetricUpdate(id int64, metric string, delta float64) error {
	r.mu.Lock()

	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	r.computeRollupLocked(s, make(map[int64]bool))

	var evts []pendingEvent
	seen := map[int64]bool{id: true}
	for pid := s.Hierarchy.ParentID; pid != 0; {
		if seen[pid] {
			logger.Warn().Int64("session", pid).Msg("hierarchy cycle detected during propagation")
			break
		}
		seen[pid] = true
		parent, ok := r.sessions[pid]
		if !ok {
			break
		}
		r.computeRollupLocked(parent, make(map[int64]bool))
		evts = append(evts, pendingEvent{events.SessionRollupUpdated, map[string]any{
			"sessionId": pid,
			"metric":    metric,
			"delta":     delta,
		}})
		pid = parent.Hierarchy.ParentID
	}
	r.mu.Unlock()

	r.emitAll(evts)
	return nil
}

// GetHierarchy builds the delegation tree rooted at the given session,
// with fresh rollups on every node.
func (r *Registry) GetHierarchy(id int64) (*HierarchyNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	node, _ := r.buildHierarchyLocked(s, make(map[int64]bool))
	return node, nil
}

func (r *Registry) buildHierarchyLocked(s *Session, visited map[int64]bool) (*HierarchyNode, rollupAcc) {
	if visited[s.ID] {
		logger.Warn().Int64("session", s.ID).Msg("hierarchy cycle detected during traversal")
		return nil, rollupAcc{}
	}
	visited[s.ID] = true

	node := &HierarchyNode{
		SessionID:             s.ID,
		Project:               s.ProjectKey,
		Status:                s.Status,
		Depth:                 s.Hierarchy.Depth,
		IsRoot:                s.Hierarchy.IsRoot,
		ActiveDelegationCount: len(s.ActiveDelegations),
	}

	childIDs := append([]int64(nil), s.Hierarchy.ChildIDs...)
	sort.Slice(childIDs, func(i, j int) bool { return childIDs[i] < childIDs[j] })

	acc := ownAcc(s)
	for _, childID := range childIDs {
		child, ok := r.sessions[childID]
		if !ok {
			continue
		}
		childNode, childAcc := r.buildHierarchyLocked(child, visited)
		if childNode == nil {
			continue
		}
		childAcc.childCount++
		acc.add(childAcc)
		node.Children = append(node.Children, childNode)
	}
	s.Rollup = acc.finalize()
	node.Metrics = s.Rollup
	return node, acc
}
