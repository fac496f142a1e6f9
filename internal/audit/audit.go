// Package audit records operational actions (lane and backup
// operations) to the append-only audit log. Every allow, deny and
// failure on the guarded admin routes lands here.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/halohq/halo/internal/paths"
)

// Audited actions.
const (
	ActionLaneExport    = "lane_export"
	ActionLaneDelete    = "lane_delete"
	ActionLaneRetention = "lane_retention"
	ActionBackupCreate  = "backup_create"
	ActionBackupRestore = "backup_restore"
)

// Decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionFail  = "fail"
)

// Entry is one audit record.
type Entry struct {
	ID       string            `json:"id"`
	AtMs     int64             `json:"atMs"`
	Action   string            `json:"action"`
	Actor    string            `json:"actor,omitempty"`
	Decision string            `json:"decision"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Log is the operational audit log.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates an audit log backed by the given file.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Record appends one audit entry.
func (l *Log) Record(action, actor, decision string, detail map[string]string) error {
	at := l.now()
	entry := Entry{
		ID:       ulid.MustNew(ulid.Timestamp(at), rand.Reader).String(),
		AtMs:     at.UnixMilli(),
		Action:   action,
		Actor:    actor,
		Decision: decision,
		Detail:   detail,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := paths.EnsureParentDir(l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// Tail returns the last n audit entries in file order.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
