package audit

import (
	"path/filepath"
	"testing"
)

func TestRecordAndTail(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "audit", "operational.jsonl"))

	if err := l.Record(ActionLaneExport, "alice", DecisionAllow, map[string]string{"lane": "family"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ActionBackupCreate, "mallory", DecisionDeny, nil); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Action != ActionLaneExport || first.Actor != "alice" || first.Decision != DecisionAllow {
		t.Errorf("first entry = %+v", first)
	}
	if first.Detail["lane"] != "family" {
		t.Errorf("detail not preserved: %v", first.Detail)
	}
	if first.ID == "" || first.AtMs == 0 {
		t.Error("entry missing id or timestamp")
	}
	if entries[1].Decision != DecisionDeny {
		t.Errorf("second entry decision = %s", entries[1].Decision)
	}
}

func TestTailLimit(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "audit.jsonl"))
	for i := 0; i < 5; i++ {
		if err := l.Record(ActionLaneRetention, "alice", DecisionAllow, nil); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Tail(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("tail(3) returned %d", len(entries))
	}
}
