// Package transcript stores per-scope conversation transcripts as
// append-only JSONL files. Line offsets are stable, which is what the
// semantic indexer's watermark relies on.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/scopelock"

	. "github.com/halohq/halo/internal/logging"
)

// Item is one transcript line.
type Item struct {
	Role     string `json:"role"` // "user", "assistant", "system"
	MemberID string `json:"memberId,omitempty"`
	Content  string `json:"content"`
	AtMs     int64  `json:"atMs"`
}

// Store reads and appends scope transcripts under a base directory.
// Files are named by the scope id hash so arbitrary scope ids never leak
// into filenames.
type Store struct {
	dir   string
	locks *scopelock.Map
}

// NewStore creates a transcript store rooted at dir.
func NewStore(dir string, locks *scopelock.Map) *Store {
	return &Store{dir: dir, locks: locks}
}

// Path returns the transcript file for a scope.
func (s *Store) Path(scopeID string) string {
	return filepath.Join(s.dir, paths.HashScopeID(scopeID)+".jsonl")
}

// Append writes one item to the scope transcript.
func (s *Store) Append(scopeID string, item Item) error {
	if item.AtMs == 0 {
		item.AtMs = time.Now().UnixMilli()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal transcript item: %w", err)
	}

	return s.locks.With(scopeID, func() error {
		path := s.Path(scopeID)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open transcript %s: %w", scopeID, err)
		}
		defer f.Close()

		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append transcript %s: %w", scopeID, err)
		}
		return nil
	})
}

// ReadFrom returns up to max items starting at the given line offset,
// along with the offset just past the last returned line. Lines that do
// not parse are skipped but still advance the offset.
func (s *Store) ReadFrom(scopeID string, offset, max int) ([]Item, int, error) {
	f, err := os.Open(s.Path(scopeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open transcript %s: %w", scopeID, err)
	}
	defer f.Close()

	var items []Item
	end := offset
	line := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line < offset {
			line++
			continue
		}
		if max > 0 && len(items) >= max {
			break
		}
		var item Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			L_debug("skipping unparseable transcript line", "scope", scopeID, "line", line)
		} else {
			items = append(items, item)
		}
		line++
		end = line
	}
	if err := scanner.Err(); err != nil {
		return nil, offset, fmt.Errorf("read transcript %s: %w", scopeID, err)
	}
	return items, end, nil
}

// Tail returns the last n items of a scope transcript.
func (s *Store) Tail(scopeID string, n int) ([]Item, error) {
	items, _, err := s.ReadFrom(scopeID, 0, 0)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	return items, nil
}

// Count returns the number of lines in the scope transcript.
func (s *Store) Count(scopeID string) (int, error) {
	_, end, err := s.ReadFrom(scopeID, 0, 0)
	return end, err
}
