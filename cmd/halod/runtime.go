package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/embeddings"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/filememory"
	"github.com/halohq/halo/internal/fileregistry"
	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/retention"
	"github.com/halohq/halo/internal/scopelock"
	"github.com/halohq/halo/internal/semindex"
	"github.com/halohq/halo/internal/session"
	"github.com/halohq/halo/internal/transcript"

	. "github.com/halohq/halo/internal/logging"
)

// runtime bundles the wired components shared by serve and the one-shot
// commands.
type runtime struct {
	cfg    *config.Config
	family *family.Family
	locks  *scopelock.Map

	registry    *fileregistry.Store
	deleter     *filememory.Deleter
	sessions    *session.Store
	transcripts *transcript.Store

	index   *semindex.Store
	sync    *semindex.Manager
	indexed bool
}

// loadFamily resolves the family config: environment overrides first,
// then the runtime config's control-plane pin, then the default path.
func loadFamily(cfg *config.Config) (*family.Family, error) {
	if os.Getenv(paths.EnvControlPlanePath) != "" || cfg.ControlPlane.Path == "" {
		return family.LoadDefault()
	}
	path, err := paths.ExpandTilde(cfg.ControlPlane.Path)
	if err != nil {
		return nil, err
	}
	profile := cfg.ControlPlane.Profile
	if env := paths.ControlPlaneProfile(); env != "" {
		profile = env
	}
	return family.Load(path, profile)
}

// newRuntime wires the stores. withIndex also opens the semantic index.
func newRuntime(withIndex bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	fam, err := loadFamily(cfg)
	if err != nil {
		return nil, fmt.Errorf("load family config: %w", err)
	}

	rt := &runtime{cfg: cfg, family: fam, locks: scopelock.NewMap()}

	registryDir, err := paths.FileMemoryScopesDir()
	if err != nil {
		return nil, err
	}
	rt.registry = fileregistry.NewStore(registryDir, rt.locks)

	var client *openai.Client
	var vectorStore filememory.VectorStoreFileClient
	var files filememory.FileClient
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		client = openai.NewClient(key)
		vectorStore, files = client, client
	}
	rt.deleter = filememory.NewDeleter(rt.registry, vectorStore, files)

	sessionsDir, err := paths.DataPath("sessions")
	if err != nil {
		return nil, err
	}
	rt.sessions = session.NewStore(sessionsDir, rt.locks)

	transcriptsDir, err := paths.DataPath("transcripts")
	if err != nil {
		return nil, err
	}
	rt.transcripts = transcript.NewStore(transcriptsDir, rt.locks)

	if withIndex {
		dbPath, err := paths.IndexDBPath()
		if err != nil {
			return nil, err
		}
		if err := paths.EnsureParentDir(dbPath); err != nil {
			return nil, err
		}
		rt.index, err = semindex.Open(dbPath)
		if err != nil {
			return nil, err
		}

		var provider embeddings.Provider = embeddings.NoopProvider{}
		if client != nil {
			provider = embeddings.NewOpenAIProvider(client, cfg.Sync.EmbeddingModel)
		} else {
			L_warn("OPENAI_API_KEY not set, semantic index runs text-only")
		}
		rt.sync = semindex.NewManager(rt.index, provider, rt.transcripts)
		rt.sync.Configure(cfg.Sync.SimilarityThreshold, cfg.Sync.MaxNewLinesPerSync)
		rt.indexed = true
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.index != nil {
		rt.index.Close()
	}
}

// newRetentionScheduler builds a scheduler over the wired stores.
func (rt *runtime) newRetentionScheduler(cfg retention.Config) *retention.Scheduler {
	return retention.NewScheduler(cfg, rt.registry, rt.deleter, rt.family.MemberRoles())
}

// memoryRoot is the directory tree holding all markdown memory.
func memoryRoot() (string, error) {
	return paths.DataPath("memory")
}

// laneDir maps a memory lane id to its directory, rejecting ids that
// would escape the lanes tree.
func laneDir(laneID string) (string, error) {
	if laneID == "" || strings.ContainsAny(laneID, "/\\") || strings.Contains(laneID, "..") {
		return "", fmt.Errorf("invalid lane id: %q", laneID)
	}
	base, err := paths.DataPath(filepath.Join("memory", "lanes"))
	if err != nil {
		return "", err
	}
	return filepath.Join(base, laneID), nil
}

// sessionScopeIDs lists known scope ids from the session index.
func (rt *runtime) sessionScopeIDs() []string {
	infos, err := rt.sessions.List()
	if err != nil {
		L_warn("session list failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ScopeID)
	}
	return out
}
