package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"warden/internal/events"
)

func TestRecordConflict_Defaults(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	c := &Conflict{
		Type:     ConflictVersion,
		Resource: "task:42",
		SessionA: SessionSnapshot{ID: "sess-a", Version: 3},
		SessionB: SessionSnapshot{ID: "sess-b", Version: 4},
	}
	if err := s.RecordConflict(c); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	// 未填的字段由存储补默认值
	if c.ID == "" {
		t.Error("conflict should get a generated id")
	}
	if c.Status != ConflictPending {
		t.Errorf("Status = %q, want pending", c.Status)
	}
	if c.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning", c.Severity)
	}
	if c.DetectedAt.IsZero() {
		t.Error("DetectedAt should be populated")
	}

	if _, ok := findEvent(*got, events.ConflictDetected); !ok {
		t.Error("conflict:detected event not emitted")
	}

	read, err := s.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if read.SessionA.ID != "sess-a" || read.SessionA.Version != 3 {
		t.Errorf("SessionA = %+v", read.SessionA)
	}
	if read.SessionB.ID != "sess-b" || read.SessionB.Version != 4 {
		t.Errorf("SessionB = %+v", read.SessionB)
	}
}

func TestRecordConflict_FullFields(t *testing.T) {
	s := newTestStore(t)

	c := &Conflict{
		Type:            ConflictConcurrentEdit,
		Resource:        "task:42",
		Severity:        SeverityCritical,
		SessionA:        SessionSnapshot{ID: "sess-a", Data: json.RawMessage(`{"status":"running"}`)},
		SessionB:        SessionSnapshot{ID: "sess-b", Data: json.RawMessage(`{"status":"done"}`)},
		AffectedTaskIDs: []string{"task:42", "task:43"},
		FieldConflicts:  json.RawMessage(`[{"field":"status","a":"running","b":"done"}]`),
		Description:     "status edited by both sessions",
	}
	if err := s.RecordConflict(c); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	read, err := s.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if read.Severity != SeverityCritical {
		t.Errorf("Severity = %q", read.Severity)
	}
	if len(read.AffectedTaskIDs) != 2 || read.AffectedTaskIDs[0] != "task:42" {
		t.Errorf("AffectedTaskIDs = %v", read.AffectedTaskIDs)
	}
	if string(read.SessionA.Data) != `{"status":"running"}` {
		t.Errorf("SessionA.Data = %s", read.SessionA.Data)
	}
	if read.Description != "status edited by both sessions" {
		t.Errorf("Description = %q", read.Description)
	}
}

func TestGetConflict_NotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetConflict("nope"); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("error = %v, want ErrConflictNotFound", err)
	}
}

func TestGetPendingConflicts(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		c := &Conflict{Type: ConflictVersion, Resource: "task:42"}
		if err := s.RecordConflict(c); err != nil {
			t.Fatalf("RecordConflict(%d) error = %v", i, err)
		}
		ids = append(ids, c.ID)
		time.Sleep(2 * time.Millisecond)
	}

	// 解决掉一个，pending 列表应只剩两个
	if err := s.ResolveConflict(ids[1], ResolutionVersionA, ResolveOptions{ResolvedBy: "operator"}); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	pending, err := s.GetPendingConflicts()
	if err != nil {
		t.Fatalf("GetPendingConflicts() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}

	// 按检测时间正序
	if pending[0].ID != ids[0] || pending[1].ID != ids[2] {
		t.Errorf("pending order = [%s %s]", pending[0].ID, pending[1].ID)
	}
}

func TestResolveConflict(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	c := &Conflict{Type: ConflictVersion, Resource: "task:42"}
	if err := s.RecordConflict(c); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	err := s.ResolveConflict(c.ID, ResolutionMerged, ResolveOptions{
		ResolvedBy: "operator",
		Notes:      "merged both edits",
		Data:       json.RawMessage(`{"status":"done"}`),
	})
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	read, err := s.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if read.Status != ConflictResolvedDone {
		t.Errorf("Status = %q, want resolved", read.Status)
	}
	if read.Resolution != ResolutionMerged || read.ResolvedBy != "operator" {
		t.Errorf("conflict = %+v", read)
	}
	if read.ResolvedAt == nil {
		t.Error("ResolvedAt should be set")
	}
	if read.ResolutionNotes != "merged both edits" {
		t.Errorf("ResolutionNotes = %q", read.ResolutionNotes)
	}
	if string(read.ResolutionData) != `{"status":"done"}` {
		t.Errorf("ResolutionData = %s", read.ResolutionData)
	}

	if _, ok := findEvent(*got, events.ConflictResolved); !ok {
		t.Error("conflict:resolved event not emitted")
	}
}

func TestResolveConflict_AutoResolved(t *testing.T) {
	s := newTestStore(t)

	c := &Conflict{Type: ConflictStaleLock, Resource: "task:42"}
	if err := s.RecordConflict(c); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	if err := s.ResolveConflict(c.ID, ResolutionVersionB, ResolveOptions{AutoResolved: true}); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	read, err := s.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if read.Status != ConflictAutoResolved {
		t.Errorf("Status = %q, want auto-resolved", read.Status)
	}
}

func TestResolveConflict_OnlyPending(t *testing.T) {
	s := newTestStore(t)

	c := &Conflict{Type: ConflictVersion, Resource: "task:42"}
	if err := s.RecordConflict(c); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}
	if err := s.ResolveConflict(c.ID, ResolutionVersionA, ResolveOptions{}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// 已终态的冲突拒绝再次解决
	err := s.ResolveConflict(c.ID, ResolutionVersionB, ResolveOptions{})
	if !errors.Is(err, ErrConflictResolved) {
		t.Errorf("second resolve error = %v, want ErrConflictResolved", err)
	}

	// 未知冲突
	if err := s.ResolveConflict("nope", ResolutionVersionA, ResolveOptions{}); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("resolve unknown error = %v, want ErrConflictNotFound", err)
	}
}

func TestListConflicts(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		if err := s.RecordConflict(&Conflict{Type: ConflictVersion, Resource: "task:42"}); err != nil {
			t.Fatalf("RecordConflict(%d) error = %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.ListConflicts(2)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}

	// 最新在前
	if !list[0].DetectedAt.After(list[1].DetectedAt) {
		t.Error("conflicts should be newest first")
	}
}

func TestPruneResolvedConflicts(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	resolved := &Conflict{Type: ConflictVersion, Resource: "task:42"}
	if err := s.RecordConflict(resolved); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}
	if err := s.ResolveConflict(resolved.ID, ResolutionVersionA, ResolveOptions{}); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	open := &Conflict{Type: ConflictVersion, Resource: "task:43"}
	if err := s.RecordConflict(open); err != nil {
		t.Fatalf("RecordConflict(open) error = %v", err)
	}

	count, err := s.PruneResolvedConflicts(0)
	if err != nil {
		t.Fatalf("PruneResolvedConflicts() error = %v", err)
	}
	if count != 1 {
		t.Errorf("pruned = %d, want 1", count)
	}

	// pending 冲突永不被清理
	if _, err := s.GetConflict(open.ID); err != nil {
		t.Errorf("pending conflict should survive, err = %v", err)
	}
	if _, err := s.GetConflict(resolved.ID); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("resolved conflict should be pruned, err = %v", err)
	}

	if _, ok := findEvent(*got, events.ConflictsPruned); !ok {
		t.Error("conflicts:pruned event not emitted")
	}
}
