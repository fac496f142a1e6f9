// Package config owns the runtime configuration file (config.json under
// the Halo home) and the atomic write + rotating backup machinery used
// for every persisted JSON contract file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/retention"

	logging "github.com/halohq/halo/internal/logging"
)

// Features are the runtime feature flags consulted by the admin surface.
type Features struct {
	FileMemoryEnabled   bool `json:"fileMemoryEnabled"`
	DistillationEnabled bool `json:"distillationEnabled"`
}

// SyncConfig tunes the semantic sync manager.
type SyncConfig struct {
	IntervalMs          int64   `json:"intervalMs"`
	MaxNewLinesPerSync  int     `json:"maxNewLinesPerSync"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
	EmbeddingModel      string  `json:"embeddingModel,omitempty"`
}

// AdminConfig configures the admin HTTP listener.
type AdminConfig struct {
	Addr string `json:"addr"`
}

// ControlPlaneConfig optionally pins the family config location. The
// HALO_CONTROL_PLANE_* environment variables still win.
type ControlPlaneConfig struct {
	Path    string `json:"path,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// Config is the top-level runtime configuration.
type Config struct {
	SchemaVersion int                `json:"schemaVersion"`
	Admin         AdminConfig        `json:"admin"`
	Features      Features           `json:"features"`
	Retention     retention.Config   `json:"retention"`
	Sync          SyncConfig         `json:"sync"`
	ControlPlane  ControlPlaneConfig `json:"controlPlane,omitempty"`
}

// Default returns the configuration used when config.json is absent.
func Default() Config {
	return Config{
		SchemaVersion: 1,
		Admin:         AdminConfig{Addr: "127.0.0.1:3380"},
		Features: Features{
			FileMemoryEnabled:   true,
			DistillationEnabled: false,
		},
		Retention: retention.Config{
			Enabled:            false,
			MaxAgeDays:         30,
			IntervalMs:         6 * 60 * 60 * 1000,
			MaxFilesPerRun:     50,
			KeepRecentPerScope: 3,
		},
		Sync: SyncConfig{
			IntervalMs:          30_000,
			MaxNewLinesPerSync:  200,
			SimilarityThreshold: 0.9,
		},
	}
}

// Load reads config.json from the Halo home, returning defaults when
// the file does not exist.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a runtime config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.L_debug("config: no config file, using defaults", "path", path)
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	logging.L_debug("config: loaded", "path", path)
	return &cfg, nil
}

// Save persists the config with a rotating backup of the previous
// version.
func (c *Config) Save() error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo persists the config to an explicit path.
func (c *Config) SaveTo(path string) error {
	return BackupAndWriteJSON(path, c, DefaultBackupCount)
}
