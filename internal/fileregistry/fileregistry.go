// Package fileregistry persists the per-scope record of uploaded files.
//
// Each scope owns one registry.json under file-memory/scopes/<scopeId>/.
// All writes run under the scope's lock and land via temp-file rename, so
// concurrent uploads, indexing and retention never interleave a torn
// registry. updatedAtMs is monotonic per registry.
package fileregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/halohq/halo/internal/scopelock"

	. "github.com/halohq/halo/internal/logging"
)

// FileStatus is the upload lifecycle state of a record.
type FileStatus string

const (
	StatusInProgress FileStatus = "in_progress"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// StorageMetadata ties an uploaded file back to the policy surface that
// admitted it.
type StorageMetadata struct {
	LaneID        string `json:"laneId,omitempty"`
	ScopeID       string `json:"scopeId,omitempty"`
	OwnerMemberID string `json:"ownerMemberId,omitempty"`
	PolicyVersion string `json:"policyVersion,omitempty"`
	ArtifactType  string `json:"artifactType,omitempty"`
}

// FileRecord is one uploaded file tracked in a scope.
type FileRecord struct {
	TelegramFileID       string           `json:"telegramFileId"`
	TelegramFileUniqueID string           `json:"telegramFileUniqueId"`
	Filename             string           `json:"filename"`
	MimeType             string           `json:"mimeType,omitempty"`
	SizeBytes            int64            `json:"sizeBytes"`
	OpenAIFileID         string           `json:"openaiFileId,omitempty"`
	VectorStoreFileID    string           `json:"vectorStoreFileId,omitempty"`
	Status               FileStatus       `json:"status"`
	LastError            string           `json:"lastError,omitempty"`
	UploadedBy           string           `json:"uploadedBy"`
	UploadedAtMs         int64            `json:"uploadedAtMs"`
	StorageMetadata      *StorageMetadata `json:"storageMetadata,omitempty"`
}

// Registry is the on-disk document for one scope.
type Registry struct {
	ScopeID       string       `json:"scopeId"`
	VectorStoreID string       `json:"vectorStoreId,omitempty"`
	CreatedAtMs   int64        `json:"createdAtMs"`
	UpdatedAtMs   int64        `json:"updatedAtMs"`
	Files         []FileRecord `json:"files"`
}

// Store reads and writes scope registries under a base directory.
type Store struct {
	dir   string
	locks *scopelock.Map
	now   func() int64
}

// NewStore creates a store rooted at dir (the file-memory scopes
// directory) sharing the given lock map with the other scope writers.
func NewStore(dir string, locks *scopelock.Map) *Store {
	return &Store{
		dir:   dir,
		locks: locks,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Path returns the registry file path for a scope.
func (s *Store) Path(scopeID string) string {
	return filepath.Join(s.dir, scopeID, "registry.json")
}

// Read loads the registry for a scope. A missing or unreadable registry
// returns nil without error; malformed records are dropped.
func (s *Store) Read(scopeID string) *Registry {
	data, err := os.ReadFile(s.Path(scopeID))
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("registry unreadable", "scope", scopeID, "error", err)
		}
		return nil
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		L_warn("registry corrupt", "scope", scopeID, "error", err)
		return nil
	}
	reg.ScopeID = scopeID
	reg.Files = normalizeRecords(scopeID, reg.Files)
	return &reg
}

// Upsert inserts or updates a record, matched by telegramFileUniqueId.
func (s *Store) Upsert(scopeID string, rec FileRecord) error {
	if rec.TelegramFileUniqueID == "" {
		return fmt.Errorf("upsert %s: record has no telegramFileUniqueId", scopeID)
	}

	return s.locks.With(scopeID, func() error {
		reg := s.readOrInit(scopeID)
		replaced := false
		for i := range reg.Files {
			if reg.Files[i].TelegramFileUniqueID == rec.TelegramFileUniqueID {
				reg.Files[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			reg.Files = append(reg.Files, rec)
		}
		return s.write(reg)
	})
}

// Replace swaps the full record list of a scope.
func (s *Store) Replace(scopeID string, files []FileRecord) error {
	return s.locks.With(scopeID, func() error {
		reg := s.readOrInit(scopeID)
		reg.Files = files
		return s.write(reg)
	})
}

// Remove deletes the record matching telegramFileUniqueId. It reports
// whether a record was removed.
func (s *Store) Remove(scopeID, telegramFileUniqueID string) (bool, error) {
	removed := false
	err := s.locks.With(scopeID, func() error {
		reg := s.Read(scopeID)
		if reg == nil {
			return nil
		}
		kept := reg.Files[:0]
		for _, f := range reg.Files {
			if f.TelegramFileUniqueID == telegramFileUniqueID {
				removed = true
				continue
			}
			kept = append(kept, f)
		}
		if !removed {
			return nil
		}
		reg.Files = kept
		return s.write(reg)
	})
	return removed, err
}

// SetVectorStoreID records the scope's remote vector store id.
func (s *Store) SetVectorStoreID(scopeID, vectorStoreID string) error {
	return s.locks.With(scopeID, func() error {
		reg := s.readOrInit(scopeID)
		reg.VectorStoreID = vectorStoreID
		return s.write(reg)
	})
}

// VectorStoreID returns the scope's vector store id, if any.
func (s *Store) VectorStoreID(scopeID string) (string, bool) {
	reg := s.Read(scopeID)
	if reg == nil || reg.VectorStoreID == "" {
		return "", false
	}
	return reg.VectorStoreID, true
}

// ScopeIDs lists every scope that has a registry on disk, sorted by name.
func (s *Store) ScopeIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list scopes: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.Path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) readOrInit(scopeID string) *Registry {
	if reg := s.Read(scopeID); reg != nil {
		return reg
	}
	return &Registry{ScopeID: scopeID, CreatedAtMs: s.now()}
}

// write persists the registry atomically, bumping updatedAtMs so it
// never moves backward even under clock skew.
func (s *Store) write(reg *Registry) error {
	now := s.now()
	if now <= reg.UpdatedAtMs {
		now = reg.UpdatedAtMs + 1
	}
	reg.UpdatedAtMs = now
	if reg.Files == nil {
		reg.Files = []FileRecord{}
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry %s: %w", reg.ScopeID, err)
	}

	path := s.Path(reg.ScopeID)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create registry dir %s: %w", reg.ScopeID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write registry %s: %w", reg.ScopeID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write registry %s: %w", reg.ScopeID, err)
	}
	return nil
}

func normalizeRecords(scopeID string, files []FileRecord) []FileRecord {
	out := make([]FileRecord, 0, len(files))
	for _, f := range files {
		if f.TelegramFileUniqueID == "" {
			L_debug("dropping record without unique id", "scope", scopeID, "filename", f.Filename)
			continue
		}
		switch f.Status {
		case StatusInProgress, StatusCompleted, StatusFailed:
		default:
			L_debug("dropping record with unknown status", "scope", scopeID, "status", f.Status)
			continue
		}
		out = append(out, f)
	}
	return out
}
