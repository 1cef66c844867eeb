package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"warden/internal/events"
)

func TestChecksum(t *testing.T) {
	data := json.RawMessage(`{"status":"completed"}`)

	// 校验和是变更数据的 SHA-256 十六进制
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	if got := Checksum(data); got != want {
		t.Errorf("Checksum() = %q, want %q", got, want)
	}

	// 同样的数据校验和必须稳定
	if Checksum(data) != Checksum(json.RawMessage(`{"status":"completed"}`)) {
		t.Error("checksum should be deterministic")
	}

	// nil 按空对象处理
	if Checksum(nil) != Checksum(json.RawMessage("{}")) {
		t.Error("nil data should hash like {}")
	}

	if Checksum(data) == Checksum(json.RawMessage(`{"status":"failed"}`)) {
		t.Error("different payloads should not collide")
	}
}

func TestRecordChange(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	data := json.RawMessage(`{"field":"status","to":"completed"}`)
	entry, err := s.RecordChange("sess-1", "task:42", "update", data)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	if entry.ID == 0 {
		t.Error("entry should get an id")
	}
	if entry.Applied {
		t.Error("new change should start unapplied")
	}
	if entry.Checksum != Checksum(data) {
		t.Errorf("Checksum = %q, want %q", entry.Checksum, Checksum(data))
	}

	e, ok := findEvent(*got, events.ChangeRecorded)
	if !ok {
		t.Fatal("change:recorded event not emitted")
	}
	if e.Data["resource"] != "task:42" || e.Data["operation"] != "update" {
		t.Errorf("event data = %v", e.Data)
	}

	// 读回并核对
	read, err := s.GetChange(entry.ID)
	if err != nil {
		t.Fatalf("GetChange() error = %v", err)
	}
	if read.SessionID != "sess-1" || string(read.ChangeData) != string(data) {
		t.Errorf("change = %+v", read)
	}
}

func TestGetUnappliedChanges(t *testing.T) {
	s := newTestStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		entry, err := s.RecordChange("sess-1", "task:42", "update", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		if err != nil {
			t.Fatalf("RecordChange(%d) error = %v", i, err)
		}
		ids = append(ids, entry.ID)
	}
	// 其他资源的变更不应混进来
	if _, err := s.RecordChange("sess-1", "task:other", "update", nil); err != nil {
		t.Fatalf("RecordChange(other) error = %v", err)
	}

	if err := s.MarkChangeApplied(ids[0]); err != nil {
		t.Fatalf("MarkChangeApplied() error = %v", err)
	}

	// 只剩两条未应用，按时间正序
	pending, err := s.GetUnappliedChanges("task:42")
	if err != nil {
		t.Fatalf("GetUnappliedChanges() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].ID != ids[1] || pending[1].ID != ids[2] {
		t.Errorf("pending order = [%d %d], want [%d %d]", pending[0].ID, pending[1].ID, ids[1], ids[2])
	}
}

func TestMarkChangeApplied(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	entry, err := s.RecordChange("sess-1", "task:42", "update", nil)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	if err := s.MarkChangeApplied(entry.ID); err != nil {
		t.Fatalf("MarkChangeApplied() error = %v", err)
	}

	read, err := s.GetChange(entry.ID)
	if err != nil {
		t.Fatalf("GetChange() error = %v", err)
	}
	if !read.Applied {
		t.Error("change should be marked applied")
	}

	if _, ok := findEvent(*got, events.ChangeApplied); !ok {
		t.Error("change:applied event not emitted")
	}

	// 未知 id
	if err := s.MarkChangeApplied(99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("mark unknown change error = %v, want ErrNotFound", err)
	}
}

func TestGetRecentChanges(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.RecordChange("sess-1", "task:42", "update", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("RecordChange(%d) error = %v", i, err)
		}
	}

	recent, err := s.GetRecentChanges(3)
	if err != nil {
		t.Fatalf("GetRecentChanges() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}

	// 最新在前
	for i := 1; i < len(recent); i++ {
		if recent[i-1].ID < recent[i].ID {
			t.Errorf("changes out of order: %d before %d", recent[i-1].ID, recent[i].ID)
		}
	}
}

func TestPruneOldChanges(t *testing.T) {
	s := newTestStore(t)
	got := collectEvents(t, s)

	entry, err := s.RecordChange("sess-1", "task:42", "update", nil)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	keep, err := s.RecordChange("sess-1", "task:42", "update", nil)
	if err != nil {
		t.Fatalf("RecordChange(keep) error = %v", err)
	}

	if err := s.MarkChangeApplied(entry.ID); err != nil {
		t.Fatalf("MarkChangeApplied() error = %v", err)
	}

	// 保留期为零时已应用的变更立即可删，未应用的必须保留
	count, err := s.PruneOldChanges(0)
	if err != nil {
		t.Fatalf("PruneOldChanges() error = %v", err)
	}
	if count != 1 {
		t.Errorf("pruned = %d, want 1", count)
	}

	if _, err := s.GetChange(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("applied change should be pruned, err = %v", err)
	}
	if _, err := s.GetChange(keep.ID); err != nil {
		t.Errorf("unapplied change should survive, err = %v", err)
	}

	e, ok := findEvent(*got, events.JournalPruned)
	if !ok {
		t.Fatal("journal:pruned event not emitted")
	}
	if e.Data["count"] != int64(1) {
		t.Errorf("event count = %v, want 1", e.Data["count"])
	}
}

func TestPruneOldChanges_Retention(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.RecordChange("sess-1", "task:42", "update", nil)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	if err := s.MarkChangeApplied(entry.ID); err != nil {
		t.Fatalf("MarkChangeApplied() error = %v", err)
	}

	// 保留期尚未过去，不应删除
	count, err := s.PruneOldChanges(time.Hour)
	if err != nil {
		t.Fatalf("PruneOldChanges() error = %v", err)
	}
	if count != 0 {
		t.Errorf("pruned = %d, want 0", count)
	}
}
