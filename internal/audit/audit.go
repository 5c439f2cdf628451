// Package audit keeps the operator journal: an append-only JSONL record of
// intervention decisions, kill-switch toggles and link failures.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/orbital/internal/shared"
)

// FileName is the journal written under <home>/logs.
const FileName = "orbital_audit.jsonl"

// Actions recorded in the journal.
const (
	ActionIntervention = "intervention"
	ActionKillSwitch   = "kill_switch"
	ActionLinkFailed   = "link_failed"
)

// Entry is one journal line.
type Entry struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Journal appends entries to a JSONL file. A nil *Journal records nothing.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	rejected atomic.Int64
}

// Open creates or appends to <home>/logs/orbital_audit.jsonl.
func Open(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// RejectCount returns the number of rejected interventions since Open.
func (j *Journal) RejectCount() int64 {
	if j == nil {
		return 0
	}
	return j.rejected.Load()
}

// Record appends e, stamping it when Timestamp is empty. Free-text fields are
// redacted before they reach disk.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	if e.Action == ActionIntervention && e.Decision == "reject" {
		j.rejected.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Subject = shared.Redact(e.Subject)
	e.Path = shared.Redact(e.Path)
	e.Reason = shared.Redact(e.Reason)

	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_, _ = j.file.Write(append(b, '\n'))
	}
}

// Decision maps an approval flag to the journal's decision vocabulary.
func Decision(approved bool) string {
	if approved {
		return "approve"
	}
	return "reject"
}
