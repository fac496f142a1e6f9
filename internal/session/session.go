// Package session stores per-scope chat sessions as JSONL files plus a
// sessions.json index mapping scope ids to their hashed filenames.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/scopelock"

	. "github.com/halohq/halo/internal/logging"
)

var ErrSessionNotFound = errors.New("session not found")

// Item is one session entry.
type Item struct {
	Role     string `json:"role"`
	MemberID string `json:"memberId,omitempty"`
	Content  string `json:"content"`
	AtMs     int64  `json:"atMs"`
}

// IndexEntry is one session in the sessions.json index.
type IndexEntry struct {
	ScopeID     string `json:"scopeId"`
	SessionFile string `json:"sessionFile"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Index maps scope id to its session entry.
type Index map[string]*IndexEntry

// SessionInfo is one row of a session listing.
type SessionInfo struct {
	ScopeID     string `json:"scopeId"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	ItemCount   int    `json:"itemCount,omitempty"`
}

// Store manages session files under a base directory.
type Store struct {
	dir   string
	locks *scopelock.Map
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string, locks *scopelock.Map) *Store {
	return &Store{dir: dir, locks: locks}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "sessions.json")
}

func (s *Store) sessionPath(scopeID string) string {
	return filepath.Join(s.dir, paths.HashScopeID(scopeID)+".jsonl")
}

// ReadIndex loads the session index. A missing index is an empty one.
func (s *Store) ReadIndex() (Index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Index), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(idx Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

// Append adds an item to a scope's session, creating it on first write.
func (s *Store) Append(scopeID string, item Item) error {
	if item.AtMs == 0 {
		item.AtMs = time.Now().UnixMilli()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal session item: %w", err)
	}

	return s.locks.With(scopeID, func() error {
		if err := os.MkdirAll(s.dir, 0750); err != nil {
			return fmt.Errorf("create sessions dir: %w", err)
		}
		path := s.sessionPath(scopeID)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open session %s: %w", scopeID, err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("append session %s: %w", scopeID, err)
		}
		f.Close()

		idx, err := s.ReadIndex()
		if err != nil {
			return err
		}
		idx[scopeID] = &IndexEntry{
			ScopeID:     scopeID,
			SessionFile: path,
			UpdatedAtMs: item.AtMs,
		}
		return s.writeIndex(idx)
	})
}

// Items returns all items of a scope's session.
func (s *Store) Items(scopeID string) ([]Item, error) {
	f, err := os.Open(s.sessionPath(scopeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("open session %s: %w", scopeID, err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var item Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			L_debug("skipping unparseable session line", "scope", scopeID)
			continue
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

// List returns known sessions sorted by most recent activity.
func (s *Store) List() ([]SessionInfo, error) {
	idx, err := s.ReadIndex()
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(idx))
	for _, e := range idx {
		out = append(out, SessionInfo{ScopeID: e.ScopeID, UpdatedAtMs: e.UpdatedAtMs})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs != out[j].UpdatedAtMs {
			return out[i].UpdatedAtMs > out[j].UpdatedAtMs
		}
		return out[i].ScopeID < out[j].ScopeID
	})
	return out, nil
}

// ListWithCounts is List plus a per-session item count.
func (s *Store) ListWithCounts() ([]SessionInfo, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range infos {
		items, err := s.Items(infos[i].ScopeID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		infos[i].ItemCount = len(items)
	}
	return infos, nil
}

// Clear truncates a session but keeps it listed.
func (s *Store) Clear(scopeID string) error {
	return s.locks.With(scopeID, func() error {
		idx, err := s.ReadIndex()
		if err != nil {
			return err
		}
		entry, ok := idx[scopeID]
		if !ok {
			return ErrSessionNotFound
		}
		if err := os.WriteFile(s.sessionPath(scopeID), nil, 0600); err != nil {
			return fmt.Errorf("truncate session %s: %w", scopeID, err)
		}
		entry.UpdatedAtMs = time.Now().UnixMilli()
		return s.writeIndex(idx)
	})
}

// Purge removes a session file and its index entry entirely.
func (s *Store) Purge(scopeID string) error {
	return s.locks.With(scopeID, func() error {
		idx, err := s.ReadIndex()
		if err != nil {
			return err
		}
		if _, ok := idx[scopeID]; !ok {
			return ErrSessionNotFound
		}
		if err := os.Remove(s.sessionPath(scopeID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session %s: %w", scopeID, err)
		}
		delete(idx, scopeID)
		L_info("session purged", "scope", scopeID)
		return s.writeIndex(idx)
	})
}
