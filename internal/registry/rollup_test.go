package registry

import (
	"errors"
	"testing"

	"warden/internal/events"
)

// buildFamily registers root -> (c1, c2), c1 -> gc and reports metrics
// for each. Returns the ids in registration order.
func buildFamily(t *testing.T, r *Registry) (root, c1, c2, gc int64) {
	t.Helper()
	root = mustRegisterSession(t, r, RegisterOptions{ProjectKey: "proj"})
	c1 = mustRegisterSession(t, r, RegisterOptions{ProjectKey: "proj", ParentID: root})
	c2 = mustRegisterSession(t, r, RegisterOptions{ProjectKey: "proj", ParentID: root})
	gc = mustRegisterSession(t, r, RegisterOptions{ProjectKey: "proj", ParentID: c1})

	report := func(id int64, tokens int64, cost float64, quality int) {
		t.Helper()
		u := SessionUpdate{Tokens: &tokens, Cost: &cost}
		if quality > 0 {
			u.QualityScore = &quality
		}
		if err := r.Update(id, u); err != nil {
			t.Fatalf("Update(%d): %v", id, err)
		}
	}
	report(root, 100, 0.10, 80)
	report(c1, 200, 0.20, 90)
	report(c2, 300, 0.05, 0)
	report(gc, 400, 0.13, 70)
	return root, c1, c2, gc
}

func TestGetRollupMetrics_AggregatesSubtree(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	root, _, _, _ := buildFamily(t, r)

	m, err := r.GetRollupMetrics(root)
	if err != nil {
		t.Fatalf("GetRollupMetrics: %v", err)
	}

	if m.TotalTokens != 1000 {
		t.Errorf("TotalTokens = %d, want 1000", m.TotalTokens)
	}
	if m.TotalCost != 0.48 {
		t.Errorf("TotalCost = %v, want 0.48", m.TotalCost)
	}
	if m.ActiveAgentCount != 4 || m.TotalAgentCount != 4 {
		t.Errorf("agents = %d active / %d total, want 4/4", m.ActiveAgentCount, m.TotalAgentCount)
	}
	if m.MaxDelegationDepth != 2 {
		t.Errorf("MaxDelegationDepth = %d, want 2", m.MaxDelegationDepth)
	}
	if m.ChildSessionCount != 3 {
		t.Errorf("ChildSessionCount = %d, want 3", m.ChildSessionCount)
	}
	// c2 never reported quality, so the average covers three sessions.
	if m.AvgQuality != 80 {
		t.Errorf("AvgQuality = %d, want 80", m.AvgQuality)
	}
}

func TestGetRollupMetrics_IntermediateNode(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, c1, _, _ := buildFamily(t, r)

	m, err := r.GetRollupMetrics(c1)
	if err != nil {
		t.Fatalf("GetRollupMetrics: %v", err)
	}
	if m.TotalTokens != 600 {
		t.Errorf("TotalTokens = %d, want 600", m.TotalTokens)
	}
	if m.TotalAgentCount != 2 || m.ChildSessionCount != 1 {
		t.Errorf("counts = %d agents / %d children, want 2/1", m.TotalAgentCount, m.ChildSessionCount)
	}
	if m.AvgQuality != 80 {
		t.Errorf("AvgQuality = %d, want 80", m.AvgQuality)
	}
}

func TestGetRollupMetrics_LeafWithoutReports(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := mustRegisterSession(t, r, RegisterOptions{})
	if err := r.Deregister(id); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	m, err := r.GetRollupMetrics(id)
	if err != nil {
		t.Fatalf("GetRollupMetrics: %v", err)
	}
	if m.ActiveAgentCount != 0 {
		t.Errorf("ActiveAgentCount = %d, want 0 after deregister", m.ActiveAgentCount)
	}
	if m.TotalAgentCount != 1 {
		t.Errorf("TotalAgentCount = %d, want 1", m.TotalAgentCount)
	}
	if m.AvgQuality != 0 {
		t.Errorf("AvgQuality = %d, want 0 with no reports", m.AvgQuality)
	}
}

func TestGetRollupMetrics_Missing(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if _, err := r.GetRollupMetrics(12); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestPropagateMetricUpdate_RefreshesAncestors(t *testing.T) {
	r, log, _ := newTestRegistry(t)

	parent := mustRegisterSession(t, r, RegisterOptions{})
	child := mustRegisterSession(t, r, RegisterOptions{ParentID: parent})

	tokens := int64(500)
	if err := r.Update(child, SessionUpdate{Tokens: &tokens}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.PropagateMetricUpdate(child, "totalTokens", 500); err != nil {
		t.Fatalf("PropagateMetricUpdate: %v", err)
	}

	p := mustGetSession(t, r, parent)
	if p.Rollup.TotalTokens != 500 {
		t.Errorf("parent TotalTokens = %d, want 500", p.Rollup.TotalTokens)
	}

	evt := log.find(events.SessionRollupUpdated)
	if evt == nil {
		t.Fatal("missing session:rollupUpdated event")
	}
	if evt.Data["sessionId"] != parent || evt.Data["metric"] != "totalTokens" {
		t.Errorf("rollupUpdated data = %v", evt.Data)
	}
}

func TestPropagateMetricUpdate_WalksNearestFirst(t *testing.T) {
	r, log, _ := newTestRegistry(t)

	top := mustRegisterSession(t, r, RegisterOptions{})
	mid := mustRegisterSession(t, r, RegisterOptions{ParentID: top})
	leaf := mustRegisterSession(t, r, RegisterOptions{ParentID: mid})

	cost := 1.25
	if err := r.Update(leaf, SessionUpdate{Cost: &cost}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.PropagateMetricUpdate(leaf, "totalCost", 1.25); err != nil {
		t.Fatalf("PropagateMetricUpdate: %v", err)
	}

	got := log.ofType(events.SessionRollupUpdated)
	if len(got) != 2 {
		t.Fatalf("rollupUpdated events = %d, want 2", len(got))
	}
	if got[0].Data["sessionId"] != mid || got[1].Data["sessionId"] != top {
		t.Errorf("event order = %v then %v, want mid %d then top %d",
			got[0].Data["sessionId"], got[1].Data["sessionId"], mid, top)
	}

	if s := mustGetSession(t, r, top); s.Rollup.TotalCost != 1.25 {
		t.Errorf("top TotalCost = %v, want 1.25", s.Rollup.TotalCost)
	}
}

func TestGetHierarchy_BuildsTree(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	root, c1, c2, gc := buildFamily(t, r)

	node, err := r.GetHierarchy(root)
	if err != nil {
		t.Fatalf("GetHierarchy: %v", err)
	}

	if node.SessionID != root || !node.IsRoot || node.Depth != 0 {
		t.Errorf("root node = %+v", node)
	}
	if len(node.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(node.Children))
	}
	if node.Children[0].SessionID != c1 || node.Children[1].SessionID != c2 {
		t.Errorf("children order = %d, %d, want %d, %d",
			node.Children[0].SessionID, node.Children[1].SessionID, c1, c2)
	}

	c1Node := node.Children[0]
	if len(c1Node.Children) != 1 || c1Node.Children[0].SessionID != gc {
		t.Fatalf("c1 children = %+v, want [%d]", c1Node.Children, gc)
	}
	if c1Node.Children[0].Depth != 2 {
		t.Errorf("grandchild Depth = %d, want 2", c1Node.Children[0].Depth)
	}

	// Each node carries its own subtree metrics.
	if node.Metrics.TotalTokens != 1000 {
		t.Errorf("root Metrics.TotalTokens = %d, want 1000", node.Metrics.TotalTokens)
	}
	if c1Node.Metrics.TotalTokens != 600 {
		t.Errorf("c1 Metrics.TotalTokens = %d, want 600", c1Node.Metrics.TotalTokens)
	}
	if node.Children[1].Metrics.TotalTokens != 300 {
		t.Errorf("c2 Metrics.TotalTokens = %d, want 300", node.Children[1].Metrics.TotalTokens)
	}
}

func TestGetHierarchy_CountsActiveDelegations(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := mustRegisterSession(t, r, RegisterOptions{})

	if _, err := r.AddDelegation(id, Delegation{TargetAgentID: "agent-1", TaskID: "t-1"}); err != nil {
		t.Fatalf("AddDelegation: %v", err)
	}

	node, err := r.GetHierarchy(id)
	if err != nil {
		t.Fatalf("GetHierarchy: %v", err)
	}
	if node.ActiveDelegationCount != 1 {
		t.Errorf("ActiveDelegationCount = %d, want 1", node.ActiveDelegationCount)
	}
}

func TestGetHierarchy_Missing(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if _, err := r.GetHierarchy(5); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRollup_SurvivesHierarchyCycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := mustRegisterSession(t, r, RegisterOptions{})

	// Corrupt the tree so the session lists itself as a child.
	r.mu.Lock()
	s := r.sessions[id]
	s.Hierarchy.ChildIDs = append(s.Hierarchy.ChildIDs, id)
	r.mu.Unlock()

	m, err := r.GetRollupMetrics(id)
	if err != nil {
		t.Fatalf("GetRollupMetrics: %v", err)
	}
	if m.TotalAgentCount != 1 {
		t.Errorf("TotalAgentCount = %d, want the session counted once", m.TotalAgentCount)
	}
}
