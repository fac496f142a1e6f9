// Package eventlog appends structured events to JSONL log files and
// tails them back for the admin surface. The same appender backs the
// event log and the incident log.
package eventlog

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

// Entry is one logged event.
type Entry struct {
	ID     string            `json:"id"`
	AtMs   int64             `json:"atMs"`
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Log is a single-file JSONL event appender.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a log backed by the given file.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// newID mints a ULID for the entry.
func newID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

// Append writes one entry, stamping id and time when absent.
func (l *Log) Append(entry Entry) error {
	at := l.now()
	if entry.AtMs == 0 {
		entry.AtMs = at.UnixMilli()
	}
	if entry.ID == "" {
		entry.ID = newID(at)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := paths.EnsureParentDir(l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

// Tail returns the last n entries in file order. Unparseable lines are
// skipped. A missing file yields no entries.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
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
		return nil, fmt.Errorf("read event log: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
