// Package retention removes stale uploaded files from scope registries.
//
// One drain-loop goroutine owns all execution: interval ticks and manual
// runNow requests land in the same FIFO queue, so runs are strictly
// sequential and a later request always observes the registry state the
// earlier one left behind.
package retention

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/filememory"
	"github.com/halohq/halo/internal/fileregistry"

	logging "github.com/halohq/halo/internal/logging"
)

// PolicyPreset selects which scope categories a run may touch.
type PolicyPreset string

const (
	PresetAll             PolicyPreset = "all"
	PresetParentsOnly     PolicyPreset = "parents_only"
	PresetExcludeChildren PolicyPreset = "exclude_children"
	PresetCustom          PolicyPreset = "custom"
)

const dayMs = 24 * 60 * 60 * 1000

// Config is the raw retention configuration. Invalid numeric values
// disable the scheduler rather than erroring.
type Config struct {
	Enabled                  bool         `json:"enabled"`
	MaxAgeDays               int          `json:"maxAgeDays"`
	IntervalMs               int64        `json:"intervalMs"`
	DeleteOpenAIFiles        bool         `json:"deleteOpenAIFiles"`
	MaxFilesPerRun           int          `json:"maxFilesPerRun"`
	DryRun                   bool         `json:"dryRun"`
	KeepRecentPerScope       int          `json:"keepRecentPerScope"`
	MaxDeletesPerScopePerRun int          `json:"maxDeletesPerScopePerRun"`
	AllowScopeIDs            []string     `json:"allowScopeIds"`
	DenyScopeIDs             []string     `json:"denyScopeIds"`
	PolicyPreset             PolicyPreset `json:"policyPreset"`
}

// resolve validates the numerics once at construction. An empty preset
// means all. An empty allow list means allow every scope.
func (c Config) resolve() Config {
	if c.MaxAgeDays <= 0 || c.IntervalMs <= 0 || c.MaxFilesPerRun <= 0 ||
		c.MaxDeletesPerScopePerRun <= 0 || c.KeepRecentPerScope < 0 {
		c.Enabled = false
	}
	if c.PolicyPreset == "" {
		c.PolicyPreset = PresetAll
	}
	return c
}

// RunOptions narrow a manual run.
type RunOptions struct {
	ScopeID          string   `json:"scopeId,omitempty"`
	DryRun           *bool    `json:"dryRun,omitempty"`
	UploadedBy       []string `json:"uploadedBy,omitempty"`
	Extensions       []string `json:"extensions,omitempty"`
	MimePrefixes     []string `json:"mimePrefixes,omitempty"`
	UploadedAfterMs  int64    `json:"uploadedAfterMs,omitempty"`
	UploadedBeforeMs int64    `json:"uploadedBeforeMs,omitempty"`
}

// RunError is the last failure observed during a run.
type RunError struct {
	ScopeID string `json:"scopeId"`
	FileRef string `json:"fileRef"`
	Message string `json:"message"`
	AtMs    int64  `json:"atMs"`
}

// RunSummary reports one run's filter and execution counters.
type RunSummary struct {
	ScopeCount              int        `json:"scopeCount"`
	StaleCount              int        `json:"staleCount"`
	CandidateCount          int        `json:"candidateCount"`
	AttemptedCount          int        `json:"attemptedCount"`
	DeletedCount            int        `json:"deletedCount"`
	FailedCount             int        `json:"failedCount"`
	DryRun                  bool       `json:"dryRun"`
	SkippedDryRunCount      int        `json:"skippedDryRunCount"`
	SkippedInProgressCount  int        `json:"skippedInProgressCount"`
	ProtectedRecentCount    int        `json:"protectedRecentCount"`
	DeferredByRunCapCount   int        `json:"deferredByRunCapCount"`
	DeferredByScopeCapCount int        `json:"deferredByScopeCapCount"`
	ExcludedByAllowCount    int        `json:"excludedByAllowCount"`
	ExcludedByDenyCount     int        `json:"excludedByDenyCount"`
	ExcludedByPresetCount   int        `json:"excludedByPresetCount"`
	ExcludedByUploaderCount int        `json:"excludedByUploaderCount"`
	ExcludedByTypeCount     int        `json:"excludedByTypeCount"`
	ExcludedByDateCount     int        `json:"excludedByDateCount"`
	Filters                 RunOptions `json:"filters"`
}

// Status is the externally visible scheduler state. Reads return a deep
// copy so observers cannot mutate internals.
type Status struct {
	Enabled                  bool         `json:"enabled"`
	IntervalMinutes          float64      `json:"intervalMinutes"`
	MaxAgeDays               int          `json:"maxAgeDays"`
	DeleteOpenAIFiles        bool         `json:"deleteOpenAIFiles"`
	MaxFilesPerRun           int          `json:"maxFilesPerRun"`
	DryRun                   bool         `json:"dryRun"`
	KeepRecentPerScope       int          `json:"keepRecentPerScope"`
	MaxDeletesPerScopePerRun int          `json:"maxDeletesPerScopePerRun"`
	AllowScopeIDs            []string     `json:"allowScopeIds"`
	DenyScopeIDs             []string     `json:"denyScopeIds"`
	PolicyPreset             PolicyPreset `json:"policyPreset"`
	Running                  bool         `json:"running"`
	LastRunStartedAtMs       int64        `json:"lastRunStartedAtMs"`
	LastRunFinishedAtMs      int64        `json:"lastRunFinishedAtMs"`
	LastSuccessAtMs          int64        `json:"lastSuccessAtMs"`
	TotalRuns                int64        `json:"totalRuns"`
	TotalDeleted             int64        `json:"totalDeleted"`
	TotalFailures            int64        `json:"totalFailures"`
	LastError                *RunError    `json:"lastError,omitempty"`
	LastRunSummary           *RunSummary  `json:"lastRunSummary,omitempty"`
}

// RunResult is delivered on the completion channel of a manual run.
type RunResult struct {
	Summary RunSummary `json:"summary"`
	Err     error      `json:"-"`
}

// ScopedFileDeleter performs the actual remote+local delete of one file.
// *filememory.Deleter satisfies this.
type ScopedFileDeleter interface {
	Delete(ctx context.Context, scopeID, fileRef string, deleteOpenAIFile bool) filememory.Result
}

type request struct {
	opts RunOptions
	done chan RunResult
}

// Scheduler runs the retention pipeline.
type Scheduler struct {
	cfg      Config
	registry *fileregistry.Store
	deleter  ScopedFileDeleter
	roles    map[string]family.Role

	queue chan request
	stop  chan struct{}
	cron  *cron.Cron

	mu     sync.Mutex
	status Status

	now func() int64
}

// NewScheduler builds a scheduler. roles maps memberId to role for the
// policy preset classifier.
func NewScheduler(cfg Config, registry *fileregistry.Store, deleter ScopedFileDeleter, roles map[string]family.Role) *Scheduler {
	cfg = cfg.resolve()
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		deleter:  deleter,
		roles:    roles,
		queue:    make(chan request, 16),
		stop:     make(chan struct{}),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	s.status = Status{
		Enabled:                  cfg.Enabled,
		IntervalMinutes:          float64(cfg.IntervalMs) / 60000,
		MaxAgeDays:               cfg.MaxAgeDays,
		DeleteOpenAIFiles:        cfg.DeleteOpenAIFiles,
		MaxFilesPerRun:           cfg.MaxFilesPerRun,
		DryRun:                   cfg.DryRun,
		KeepRecentPerScope:       cfg.KeepRecentPerScope,
		MaxDeletesPerScopePerRun: cfg.MaxDeletesPerScopePerRun,
		AllowScopeIDs:            append([]string{}, cfg.AllowScopeIDs...),
		DenyScopeIDs:             append([]string{}, cfg.DenyScopeIDs...),
		PolicyPreset:             cfg.PolicyPreset,
	}
	return s
}

// Start launches the drain loop, runs once immediately and schedules
// interval ticks. Idempotent no-op when disabled.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logging.L_info("file retention disabled")
		return
	}
	if s.cron != nil {
		return
	}

	go s.drain()
	s.enqueueScheduled()

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", time.Duration(s.cfg.IntervalMs)*time.Millisecond)
	if _, err := s.cron.AddFunc(spec, s.enqueueScheduled); err != nil {
		logging.L_error("retention schedule rejected", "spec", spec, "error", err)
		return
	}
	s.cron.Start()
	logging.L_info("file retention started", "interval", spec, "maxAgeDays", s.cfg.MaxAgeDays, "dryRun", s.cfg.DryRun)
}

// Stop halts ticks and the drain loop. Idempotent.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
	close(s.stop)
}

// RunNow enqueues a manual run and returns its completion channel. When
// the scheduler is disabled the channel resolves immediately with an
// empty no-op summary; runNow stays observable either way.
func (s *Scheduler) RunNow(opts RunOptions) <-chan RunResult {
	done := make(chan RunResult, 1)
	if !s.cfg.Enabled {
		done <- RunResult{Summary: RunSummary{Filters: opts, DryRun: s.cfg.DryRun}}
		return done
	}

	select {
	case s.queue <- request{opts: opts, done: done}:
	case <-s.stop:
		done <- RunResult{Err: fmt.Errorf("retention scheduler stopped")}
	}
	return done
}

// Status returns a deep copy of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	st.AllowScopeIDs = append([]string{}, s.status.AllowScopeIDs...)
	st.DenyScopeIDs = append([]string{}, s.status.DenyScopeIDs...)
	if s.status.LastError != nil {
		e := *s.status.LastError
		st.LastError = &e
	}
	if s.status.LastRunSummary != nil {
		sum := *s.status.LastRunSummary
		sum.Filters.UploadedBy = append([]string{}, s.status.LastRunSummary.Filters.UploadedBy...)
		sum.Filters.Extensions = append([]string{}, s.status.LastRunSummary.Filters.Extensions...)
		sum.Filters.MimePrefixes = append([]string{}, s.status.LastRunSummary.Filters.MimePrefixes...)
		st.LastRunSummary = &sum
	}
	return st
}

func (s *Scheduler) enqueueScheduled() {
	select {
	case s.queue <- request{}:
	default:
		// A backlog is already queued; the pending run will see the same
		// registry state this tick would.
		logging.L_debug("retention tick skipped, queue full")
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case <-s.stop:
			return
		case req := <-s.queue:
			result := s.run(req.opts)
			if req.done != nil {
				req.done <- result
			}
		}
	}
}

func (s *Scheduler) run(opts RunOptions) RunResult {
	started := s.now()
	s.mu.Lock()
	s.status.Running = true
	s.status.LastRunStartedAtMs = started
	s.mu.Unlock()

	dryRun := s.cfg.DryRun
	if opts.DryRun != nil {
		dryRun = *opts.DryRun
	}

	candidates, summary := s.plan(opts)
	summary.DryRun = dryRun
	summary.Filters = opts

	var lastErr *RunError
	if dryRun {
		summary.SkippedDryRunCount = len(candidates)
	} else {
		for _, c := range candidates {
			summary.AttemptedCount++
			res := s.deleter.Delete(context.Background(), c.scopeID, c.record.TelegramFileUniqueID, s.cfg.DeleteOpenAIFiles)
			if res.Code == filememory.CodeOK {
				summary.DeletedCount++
				continue
			}
			summary.FailedCount++
			lastErr = &RunError{
				ScopeID: c.scopeID,
				FileRef: c.record.TelegramFileUniqueID,
				Message: res.Message,
				AtMs:    s.now(),
			}
			logging.L_warn("retention delete failed", "scope", c.scopeID, "file", c.record.TelegramFileUniqueID, "code", res.Code, "error", res.Message)
		}
	}

	finished := s.now()
	s.mu.Lock()
	s.status.Running = false
	s.status.LastRunFinishedAtMs = finished
	s.status.TotalRuns++
	s.status.TotalDeleted += int64(summary.DeletedCount)
	s.status.TotalFailures += int64(summary.FailedCount)
	if lastErr != nil {
		s.status.LastError = lastErr
	}
	if summary.FailedCount == 0 {
		s.status.LastSuccessAtMs = finished
	}
	sum := summary
	s.status.LastRunSummary = &sum
	s.mu.Unlock()

	logging.L_info("retention run finished",
		"dryRun", dryRun,
		"candidates", summary.CandidateCount,
		"deleted", summary.DeletedCount,
		"failed", summary.FailedCount)
	return RunResult{Summary: summary}
}

type candidate struct {
	scopeID string
	record  fileregistry.FileRecord
}

// plan walks the filter pipeline and returns admitted candidates in
// global oldest-first order.
func (s *Scheduler) plan(opts RunOptions) ([]candidate, RunSummary) {
	var summary RunSummary
	nowMs := s.now()
	cutoff := nowMs - int64(s.cfg.MaxAgeDays)*dayMs

	var scopes []string
	if opts.ScopeID != "" {
		scopes = []string{opts.ScopeID}
	} else {
		var err error
		scopes, err = s.registry.ScopeIDs()
		if err != nil {
			logging.L_warn("retention scope listing failed", "error", err)
			return nil, summary
		}
	}
	sort.Strings(scopes)

	var all []candidate
	for _, scopeID := range scopes {
		// Stage 1: allow/deny. Deny wins over allow.
		if containsString(s.cfg.DenyScopeIDs, scopeID) {
			summary.ExcludedByDenyCount++
			continue
		}
		if len(s.cfg.AllowScopeIDs) > 0 && !containsString(s.cfg.AllowScopeIDs, scopeID) {
			summary.ExcludedByAllowCount++
			continue
		}

		// Stage 2: policy preset.
		if !s.presetAllows(scopeID) {
			summary.ExcludedByPresetCount++
			continue
		}

		reg := s.registry.Read(scopeID)
		if reg == nil || len(reg.Files) == 0 {
			continue
		}
		summary.ScopeCount++

		// Stage 3: in-progress skip, then recent protection.
		var eligible []fileregistry.FileRecord
		for _, f := range reg.Files {
			if f.Status == fileregistry.StatusInProgress {
				summary.SkippedInProgressCount++
				continue
			}
			eligible = append(eligible, f)
		}
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].UploadedAtMs > eligible[j].UploadedAtMs
		})
		if s.cfg.KeepRecentPerScope > 0 && len(eligible) > 0 {
			protect := s.cfg.KeepRecentPerScope
			if protect > len(eligible) {
				protect = len(eligible)
			}
			summary.ProtectedRecentCount += protect
			eligible = eligible[protect:]
		}

		// Stage 4: stale filter.
		for _, f := range eligible {
			if f.UploadedAtMs > cutoff {
				continue
			}
			summary.StaleCount++

			// Stage 5: per-run metadata filters.
			if excluded := s.metadataExcludes(opts, f, &summary); excluded {
				continue
			}
			all = append(all, candidate{scopeID: scopeID, record: f})
		}
	}

	// Stage 6: global caps, oldest first.
	sort.Slice(all, func(i, j int) bool {
		if all[i].record.UploadedAtMs != all[j].record.UploadedAtMs {
			return all[i].record.UploadedAtMs < all[j].record.UploadedAtMs
		}
		return all[i].scopeID < all[j].scopeID
	})

	perScope := make(map[string]int)
	var admitted []candidate
	for _, c := range all {
		if len(admitted) >= s.cfg.MaxFilesPerRun {
			summary.DeferredByRunCapCount++
			continue
		}
		if perScope[c.scopeID] >= s.cfg.MaxDeletesPerScopePerRun {
			summary.DeferredByScopeCapCount++
			continue
		}
		perScope[c.scopeID]++
		admitted = append(admitted, c)
	}

	summary.CandidateCount = len(admitted)
	return admitted, summary
}

// scopeCategory classifies a scope id for the policy preset.
func (s *Scheduler) scopeCategory(scopeID string) string {
	if strings.HasPrefix(scopeID, "telegram:parents_group:") {
		return "parents_group"
	}
	if memberID, ok := strings.CutPrefix(scopeID, "telegram:dm:"); ok {
		switch s.roles[memberID] {
		case family.RoleParent:
			return "parent"
		case family.RoleChild:
			return "child"
		default:
			return "unknown_member"
		}
	}
	return "other"
}

func (s *Scheduler) presetAllows(scopeID string) bool {
	switch s.cfg.PolicyPreset {
	case PresetParentsOnly:
		cat := s.scopeCategory(scopeID)
		return cat == "parent" || cat == "parents_group"
	case PresetExcludeChildren:
		return s.scopeCategory(scopeID) != "child"
	default: // all, custom
		return true
	}
}

func (s *Scheduler) metadataExcludes(opts RunOptions, f fileregistry.FileRecord, summary *RunSummary) bool {
	if len(opts.UploadedBy) > 0 && !containsString(opts.UploadedBy, f.UploadedBy) {
		summary.ExcludedByUploaderCount++
		return true
	}

	if len(opts.Extensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.Filename), "."))
		match := false
		for _, want := range opts.Extensions {
			if ext == strings.ToLower(strings.TrimPrefix(want, ".")) {
				match = true
				break
			}
		}
		if !match {
			summary.ExcludedByTypeCount++
			return true
		}
	}

	if len(opts.MimePrefixes) > 0 {
		mime := strings.ToLower(f.MimeType)
		match := false
		for _, prefix := range opts.MimePrefixes {
			if strings.HasPrefix(mime, strings.ToLower(prefix)) {
				match = true
				break
			}
		}
		if !match {
			summary.ExcludedByTypeCount++
			return true
		}
	}

	after, before := opts.UploadedAfterMs, opts.UploadedBeforeMs
	if after > 0 && before > 0 && after > before {
		after, before = before, after
	}
	if after > 0 && f.UploadedAtMs < after {
		summary.ExcludedByDateCount++
		return true
	}
	if before > 0 && f.UploadedAtMs > before {
		summary.ExcludedByDateCount++
		return true
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
