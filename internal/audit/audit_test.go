package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, home string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", FileName))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	j, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	j.Record(Entry{Action: ActionIntervention, Decision: Decision(false), Subject: "x1", Tool: "WRITE_FILE", Path: "cfg.py"})
	j.Record(Entry{Action: ActionKillSwitch, Decision: "engaged"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "reject" {
		t.Fatalf("expected reject decision, got %#v", first["decision"])
	}
	if first["subject"] != "x1" || first["tool"] != "WRITE_FILE" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if first["timestamp"] == "" {
		t.Fatalf("expected timestamp in audit entry: %#v", first)
	}
	if j.RejectCount() != 1 {
		t.Fatalf("RejectCount = %d, want 1", j.RejectCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	j, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	j.Record(Entry{Action: ActionIntervention, Decision: "approve", Subject: "a"})
	_ = j.Close()

	// Reopening appends rather than truncates.
	j, err = Open(home)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	j.Record(Entry{Action: ActionLinkFailed, Decision: "failed", Reason: "reconnect attempts exhausted"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
	if !strings.Contains(lines[1], ActionLinkFailed) {
		t.Fatalf("second line = %s", lines[1])
	}
}

func TestRecordRedactsPath(t *testing.T) {
	home := t.TempDir()
	j, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	j.Record(Entry{Action: ActionIntervention, Decision: "approve", Reason: "api_key=abcdef1234567890abcdef"})
	if line := readLines(t, home)[0]; strings.Contains(line, "abcdef1234567890abcdef") {
		t.Fatalf("secret leaked into journal: %s", line)
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	j.Record(Entry{Action: ActionKillSwitch})
	if err := j.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
	if j.RejectCount() != 0 {
		t.Fatal("nil journal counted rejects")
	}
}
