// Package paths provides centralized path resolution for Halo.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables honored by the path layer.
const (
	EnvHome                = "HALO_HOME"
	EnvControlPlanePath    = "HALO_CONTROL_PLANE_PATH"
	EnvControlPlaneProfile = "HALO_CONTROL_PLANE_PROFILE"
)

// BaseDir returns the Halo base directory. HALO_HOME wins; the default
// is ~/.halo.
func BaseDir() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return ExpandTilde(home)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".halo"), nil
}

// DataPath returns a path within the Halo base directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the runtime config path (<base>/config.json).
func ConfigPath() (string, error) {
	return DataPath("config.json")
}

// FamilyConfigPath returns the default family config path
// (<base>/config/family.json). HALO_CONTROL_PLANE_PATH overrides it.
func FamilyConfigPath() (string, error) {
	if p := os.Getenv(EnvControlPlanePath); p != "" {
		return ExpandTilde(p)
	}
	return DataPath(filepath.Join("config", "family.json"))
}

// ControlPlaneProfile returns the profile name selected via environment,
// or "" when unset.
func ControlPlaneProfile() string {
	return os.Getenv(EnvControlPlaneProfile)
}

// SessionPath returns the session items file for a scope
// (<base>/sessions/<hash(scopeId)>.jsonl).
func SessionPath(scopeID string) (string, error) {
	return DataPath(filepath.Join("sessions", HashScopeID(scopeID)+".jsonl"))
}

// TranscriptPath returns the transcript file for a scope
// (<base>/transcripts/<hash(scopeId)>.jsonl).
func TranscriptPath(scopeID string) (string, error) {
	return DataPath(filepath.Join("transcripts", HashScopeID(scopeID)+".jsonl"))
}

// MemoryScopeDir returns the markdown context directory for a scope
// (<base>/memory/scopes/<hash(scopeId)>).
func MemoryScopeDir(scopeID string) (string, error) {
	return DataPath(filepath.Join("memory", "scopes", HashScopeID(scopeID)))
}

// RegistryPath returns the file registry for a scope. Scope-id directories
// under file-memory are NOT hashed; the scope id is the directory name.
func RegistryPath(scopeID string) (string, error) {
	return DataPath(filepath.Join("file-memory", "scopes", scopeID, "registry.json"))
}

// FileMemoryScopesDir returns the parent directory of all scope registries.
func FileMemoryScopesDir() (string, error) {
	return DataPath(filepath.Join("file-memory", "scopes"))
}

// EventLogPath returns the event log file (<base>/logs/events.jsonl).
func EventLogPath() (string, error) {
	return DataPath(filepath.Join("logs", "events.jsonl"))
}

// AuditLogPath returns the operational audit log
// (<base>/audit/operational.jsonl).
func AuditLogPath() (string, error) {
	return DataPath(filepath.Join("audit", "operational.jsonl"))
}

// IncidentsDir returns the incident log directory (<base>/incidents).
func IncidentsDir() (string, error) {
	return DataPath("incidents")
}

// IndexDBPath returns the semantic index database path
// (<base>/index/semantic.db).
func IndexDBPath() (string, error) {
	return DataPath(filepath.Join("index", "semantic.db"))
}

// HashScopeID maps a scope id to a stable filename-safe token: the first
// 16 hex chars of its SHA-256 digest.
func HashScopeID(scopeID string) string {
	sum := sha256.Sum256([]byte(scopeID))
	return hex.EncodeToString(sum[:])[:16]
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
