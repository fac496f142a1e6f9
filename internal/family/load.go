package family

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	. "github.com/halohq/halo/internal/logging"
	"github.com/halohq/halo/internal/paths"
)

// profileFile is the wrapper shape for multi-profile control-plane files:
// a named set of family documents with one selected at load time.
type profileFile struct {
	Profiles map[string]*Family `json:"profiles" yaml:"profiles"`
}

// Load reads, parses and validates a family config. JSON and YAML are
// both accepted, routed on the file extension. When profile is non-empty
// the file must be a multi-profile document and the named entry is used.
func Load(path, profile string) (*Family, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read family config %s: %w", path, err)
	}

	f, err := Parse(data, isYAMLPath(path), profile)
	if err != nil {
		return nil, fmt.Errorf("family config %s: %w", path, err)
	}
	return f, nil
}

// LoadDefault loads the family config from the control-plane path env
// override, or the default location under the halo home directory.
func LoadDefault() (*Family, error) {
	path, err := paths.FamilyConfigPath()
	if err != nil {
		return nil, err
	}
	profile := os.Getenv(paths.EnvControlPlaneProfile)
	f, err := Load(path, profile)
	if err != nil {
		return nil, err
	}
	L_info("family config loaded", "path", path, "schemaVersion", f.SchemaVersion, "members", len(f.Members))
	return f, nil
}

// Parse decodes and validates a family document from raw bytes.
func Parse(data []byte, asYAML bool, profile string) (*Family, error) {
	var f *Family

	if profile != "" {
		var pf profileFile
		if err := decode(data, asYAML, &pf); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		f = pf.Profiles[profile]
		if f == nil {
			return nil, fmt.Errorf("profile %q not found", profile)
		}
	} else {
		f = &Family{}
		if err := decode(data, asYAML, f); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}

	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Save writes the family config back to path as JSON. Used by the
// onboarding operations, which mutate the contract subtree. Validation
// runs before anything touches the disk; the write is temp-then-rename.
func Save(f *Family, path string) error {
	if err := Validate(f); err != nil {
		return err
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal family config: %w", err)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write family config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write family config: %w", err)
	}
	return nil
}

func decode(data []byte, asYAML bool, v any) error {
	if asYAML {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
