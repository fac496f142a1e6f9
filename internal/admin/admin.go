// Package admin implements the admin surface as a pure request router:
// (method, path, query, remote address) in, (status, JSON body) out. No
// net/http types appear in the core; server.go adapts it to a listener.
package admin

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/halohq/halo/internal/audit"
	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/eventlog"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/filememory"
	"github.com/halohq/halo/internal/retention"
	"github.com/halohq/halo/internal/semindex"
	"github.com/halohq/halo/internal/session"
	"github.com/halohq/halo/internal/transcript"

	. "github.com/halohq/halo/internal/logging"
)

// Request is one admin request, already decoded.
type Request struct {
	Method     string
	Path       string
	Query      map[string]string
	RemoteAddr string
}

// Response is the outcome: HTTP status plus a JSON-marshalable body.
type Response struct {
	Status int
	Body   any
}

// FileDeleter is the file lifecycle collaborator.
type FileDeleter interface {
	Delete(ctx context.Context, scopeID, fileRef string, deleteOpenAIFile bool) filememory.Result
	Purge(ctx context.Context, scopeID string, deleteOpenAIFiles bool) filememory.PurgeResult
}

// Syncer is the semantic sync collaborator.
type Syncer interface {
	SyncTranscript(ctx context.Context, scopeID string) (semindex.SyncResult, error)
	SyncMarkdownDir(ctx context.Context, dir string) (semindex.SyncResult, error)
}

// Deps wires the handler to the rest of the system. Nil collaborators
// degrade the matching routes to 503.
type Deps struct {
	Family   *family.Family
	Features config.Features
	Version  string

	Sessions    *session.Store
	Transcripts *transcript.Store
	Events      *eventlog.Log
	Incidents   *eventlog.Log
	Audit       *audit.Log

	Retention *retention.Scheduler
	Files     FileDeleter
	Sync      Syncer

	// MemoryDir resolves the markdown memory directory for a scope.
	MemoryDir func(scopeID string) (string, error)
	// LaneDir resolves the directory holding a memory lane's files.
	LaneDir func(laneID string) (string, error)
	// Distill runs session distillation, when the feature is enabled.
	Distill func(ctx context.Context, scopeID string) error

	// ConfigPath is the runtime config file guarded by backup operations.
	ConfigPath string
}

// Handler routes admin requests.
type Handler struct {
	deps      Deps
	startedAt time.Time
	now       func() int64
}

// NewHandler builds the admin router.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:      deps,
		startedAt: time.Now(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

func errBody(code string) map[string]any {
	return map[string]any{"error": code}
}

func errBodyMsg(code, message string) map[string]any {
	return map[string]any{"error": code, "message": message}
}

// Handle routes one request. Panics become 500 internal_error so a bad
// collaborator can never take the listener down.
func (h *Handler) Handle(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			L_error("admin: handler panic", "path", req.Path, "panic", r)
			h.incident("admin_panic", map[string]string{
				"path":  req.Path,
				"panic": fmt.Sprint(r),
			})
			resp = Response{Status: 500, Body: errBody("internal_error")}
		}
	}()

	segs := splitPath(req.Path)
	if len(segs) == 0 {
		return Response{Status: 404, Body: errBody("not_found")}
	}

	switch segs[0] {
	case "healthz":
		return h.handleHealthz(req, segs)
	case "status":
		return h.handleStatus(req, segs)
	case "policy":
		return h.handlePolicy(req, segs)
	case "sessions":
		return h.handleSessions(req, segs)
	case "sessions-with-counts":
		return h.handleSessionsWithCounts(req, segs)
	case "events":
		return h.handleEvents(req, segs)
	case "transcripts":
		return h.handleTranscripts(req, segs)
	case "file-retention":
		return h.handleFileRetention(req, segs)
	case "operations":
		return h.handleOperations(req, segs)
	case "memory":
		return h.handleMemoryLanes(req, segs)
	}
	return Response{Status: 404, Body: errBody("not_found")}
}

func (h *Handler) handleHealthz(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 1 {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	return Response{Status: 200, Body: map[string]any{"ok": true}}
}

func (h *Handler) handleStatus(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 1 {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	body := map[string]any{
		"ok":        true,
		"version":   h.deps.Version,
		"uptimeMs":  h.now() - h.startedAt.UnixMilli(),
		"features":  h.deps.Features,
		"startedAt": h.startedAt.UnixMilli(),
	}
	if h.deps.Retention != nil {
		body["fileRetention"] = h.deps.Retention.Status()
	}
	return Response{Status: 200, Body: body}
}

func (h *Handler) handlePolicy(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 2 || segs[1] != "status" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	f := h.deps.Family
	if f == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	body := map[string]any{
		"schemaVersion": f.SchemaVersion,
		"familyId":      f.FamilyID,
		"members":       len(f.Members),
	}
	if f.ControlPlane != nil {
		body["policyVersion"] = f.ControlPlane.PolicyVersion
		body["profiles"] = len(f.ControlPlane.Profiles)
		body["capabilityTiers"] = len(f.ControlPlane.CapabilityTiers)
		body["scopes"] = len(f.ControlPlane.Scopes)
	}
	return Response{Status: 200, Body: body}
}

func (h *Handler) handleSessionsWithCounts(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 1 {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if h.deps.Sessions == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	infos, err := h.deps.Sessions.ListWithCounts()
	if err != nil {
		return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"sessions": infos}}
}

func (h *Handler) handleSessions(req Request, segs []string) Response {
	if len(segs) == 1 {
		if req.Method != "GET" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if h.deps.Sessions == nil {
			return Response{Status: 503, Body: errBody("not_available")}
		}
		infos, err := h.deps.Sessions.List()
		if err != nil {
			return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
		}
		return Response{Status: 200, Body: map[string]any{"sessions": infos}}
	}
	if len(segs) < 3 {
		return Response{Status: 404, Body: errBody("not_found")}
	}

	scopeID := segs[1]
	switch segs[2] {
	case "transcript":
		if req.Method != "GET" || len(segs) != 3 {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		return h.handleSessionTranscript(req, scopeID)
	case "clear", "purge", "distill", "semantic-sync":
		if req.Method != "POST" || len(segs) != 3 {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if resp, ok := h.requireLoopback(req); !ok {
			return resp
		}
		switch segs[2] {
		case "clear":
			return h.handleSessionClear(scopeID)
		case "purge":
			return h.handleSessionPurge(req, scopeID)
		case "distill":
			return h.handleSessionDistill(req, scopeID)
		case "semantic-sync":
			return h.handleSemanticSync(req, scopeID)
		}
	case "files":
		if req.Method != "POST" || len(segs) != 4 {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if resp, ok := h.requireLoopback(req); !ok {
			return resp
		}
		return h.handleSessionFiles(req, scopeID, segs[3])
	}
	return Response{Status: 404, Body: errBody("not_found")}
}

// handleSessionTranscript enforces the parent visibility rule: the
// requester must be a parent and the target member a child; teen and
// young_adult children additionally need parentalVisibility=true.
func (h *Handler) handleSessionTranscript(req Request, scopeID string) Response {
	f := h.deps.Family
	if f == nil || h.deps.Transcripts == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}

	requester := f.MemberByID(req.Query["memberId"])
	if requester == nil || requester.Role != family.RoleParent {
		return Response{Status: 403, Body: errBody("parent_required")}
	}

	target := f.MemberByID(strings.TrimPrefix(scopeID, "telegram:dm:"))
	if target == nil || target.Role != family.RoleChild {
		return Response{Status: 403, Body: errBody("target_not_child")}
	}
	if target.AgeGroup == family.AgeGroupTeen || target.AgeGroup == family.AgeGroupYoungAdult {
		if target.ParentalVisibility == nil || !*target.ParentalVisibility {
			return Response{Status: 403, Body: errBody("parental_visibility_disabled")}
		}
	}

	n, err := parseCount(req.Query, "n", 50)
	if err != nil {
		return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
	}
	items, err := h.deps.Transcripts.Tail(scopeID, n)
	if err != nil {
		return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"scopeId": scopeID, "items": items}}
}

func (h *Handler) handleSessionClear(scopeID string) Response {
	if h.deps.Sessions == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	if err := h.deps.Sessions.Clear(scopeID); err != nil {
		return Response{Status: 404, Body: errBodyMsg("not_found", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"ok": true, "scopeId": scopeID}}
}

func (h *Handler) handleSessionPurge(req Request, scopeID string) Response {
	if req.Query["confirm"] != scopeID {
		return Response{Status: 400, Body: errBody("confirm_required")}
	}
	if h.deps.Sessions == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	if err := h.deps.Sessions.Purge(scopeID); err != nil {
		return Response{Status: 404, Body: errBodyMsg("not_found", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"ok": true, "scopeId": scopeID}}
}

func (h *Handler) handleSessionDistill(req Request, scopeID string) Response {
	if !h.deps.Features.DistillationEnabled {
		return Response{Status: 409, Body: errBody("distillation_disabled")}
	}
	if h.deps.Distill == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	if err := h.deps.Distill(context.Background(), scopeID); err != nil {
		return Response{Status: 500, Body: errBodyMsg("distill_failed", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"ok": true, "scopeId": scopeID}}
}

func (h *Handler) handleSemanticSync(req Request, scopeID string) Response {
	if h.deps.Sync == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	ctx := context.Background()

	tRes, err := h.deps.Sync.SyncTranscript(ctx, scopeID)
	if err != nil {
		return Response{Status: 500, Body: errBodyMsg("sync_failed", err.Error())}
	}
	body := map[string]any{"ok": true, "scopeId": scopeID, "transcript": tRes}

	if h.deps.MemoryDir != nil {
		dir, err := h.deps.MemoryDir(scopeID)
		if err == nil {
			mRes, err := h.deps.Sync.SyncMarkdownDir(ctx, dir)
			if err != nil {
				return Response{Status: 500, Body: errBodyMsg("sync_failed", err.Error())}
			}
			body["markdown"] = mRes
		}
	}
	return Response{Status: 200, Body: body}
}

func (h *Handler) handleSessionFiles(req Request, scopeID, op string) Response {
	if h.deps.Files == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	deleteOpenAI, err := parseBool(req.Query, "deleteOpenAIFile", false)
	if err != nil {
		return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
	}
	ctx := context.Background()

	switch op {
	case "delete":
		fileRef := req.Query["fileRef"]
		if fileRef == "" {
			return Response{Status: 400, Body: errBody("file_ref_required")}
		}
		result := h.deps.Files.Delete(ctx, scopeID, fileRef, deleteOpenAI)
		switch result.Code {
		case filememory.CodeOK:
			return Response{Status: 200, Body: result}
		case filememory.CodeScopeNotFound, filememory.CodeFileNotFound:
			return Response{Status: 404, Body: result}
		default:
			return Response{Status: 502, Body: result}
		}
	case "purge":
		result := h.deps.Files.Purge(ctx, scopeID, deleteOpenAI)
		status := 200
		if !result.OK {
			status = 502
		}
		return Response{Status: status, Body: result}
	}
	return Response{Status: 404, Body: errBody("not_found")}
}

func (h *Handler) handleEvents(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 2 || segs[1] != "tail" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if resp, ok := h.requireLoopback(req); !ok {
		return resp
	}
	if h.deps.Events == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	n, err := parseCount(req.Query, "n", 50)
	if err != nil {
		return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
	}
	entries, err := h.deps.Events.Tail(n)
	if err != nil {
		return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"events": entries}}
}

func (h *Handler) handleTranscripts(req Request, segs []string) Response {
	if req.Method != "GET" || len(segs) != 2 || segs[1] != "tail" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if resp, ok := h.requireLoopback(req); !ok {
		return resp
	}
	if h.deps.Transcripts == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	scopeID := req.Query["scopeId"]
	if scopeID == "" {
		return Response{Status: 400, Body: errBody("scope_id_required")}
	}
	n, err := parseCount(req.Query, "n", 50)
	if err != nil {
		return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
	}
	items, err := h.deps.Transcripts.Tail(scopeID, n)
	if err != nil {
		return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{"scopeId": scopeID, "items": items}}
}

func (h *Handler) handleFileRetention(req Request, segs []string) Response {
	if req.Method != "POST" || len(segs) != 2 || segs[1] != "run" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if resp, ok := h.requireLoopback(req); !ok {
		return resp
	}
	if !h.deps.Features.FileMemoryEnabled {
		return Response{Status: 409, Body: errBody("file_memory_disabled")}
	}
	if h.deps.Retention == nil {
		return Response{Status: 503, Body: errBody("no_scheduler")}
	}
	if !h.deps.Retention.Status().Enabled {
		return Response{Status: 409, Body: errBody("retention_disabled")}
	}

	opts, err := retentionOptions(req.Query)
	if err != nil {
		return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
	}

	result := <-h.deps.Retention.RunNow(opts)
	if result.Err != nil {
		h.incident("retention_run_failed", map[string]string{"error": result.Err.Error()})
		return Response{Status: 500, Body: errBodyMsg("scheduler_error", result.Err.Error())}
	}
	return Response{Status: 200, Body: map[string]any{
		"ok":        true,
		"requested": opts,
		"status":    h.deps.Retention.Status(),
	}}
}

// retentionOptions builds RunOptions from the admin query conventions.
func retentionOptions(query map[string]string) (retention.RunOptions, error) {
	opts := retention.RunOptions{
		ScopeID:      query["scopeId"],
		UploadedBy:   parseCSV(query, "uploadedBy"),
		Extensions:   parseCSV(query, "extensions"),
		MimePrefixes: parseCSV(query, "mimePrefixes"),
	}
	if raw, ok := query["dryRun"]; ok && raw != "" {
		v, err := parseBool(query, "dryRun", false)
		if err != nil {
			return opts, err
		}
		opts.DryRun = &v
	}
	var err error
	if opts.UploadedAfterMs, err = parseMs(query, "uploadedAfterMs"); err != nil {
		return opts, err
	}
	if opts.UploadedBeforeMs, err = parseMs(query, "uploadedBeforeMs"); err != nil {
		return opts, err
	}
	return opts, nil
}

func (h *Handler) handleOperations(req Request, segs []string) Response {
	if len(segs) < 3 || segs[1] != "backup" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if resp, ok := h.requireLoopback(req); !ok {
		return resp
	}

	action := ""
	switch segs[2] {
	case "create":
		action = audit.ActionBackupCreate
	case "restore":
		action = audit.ActionBackupRestore
	}

	actor, ok := h.requireManager(req)
	if !ok {
		if action != "" {
			h.audit(action, actor, audit.DecisionDeny, map[string]string{"path": req.Path})
		}
		return Response{Status: 403, Body: errBody("manager_required")}
	}

	switch segs[2] {
	case "list":
		if req.Method != "GET" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		return Response{Status: 200, Body: map[string]any{"backups": config.ListBackups(h.deps.ConfigPath)}}
	case "create":
		if req.Method != "POST" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if _, err := os.Stat(h.deps.ConfigPath); err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"error": err.Error()})
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if err := config.CreateBackup(h.deps.ConfigPath, config.DefaultBackupCount); err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"error": err.Error()})
			return Response{Status: 500, Body: errBodyMsg("backup_failed", err.Error())}
		}
		h.audit(action, actor, audit.DecisionAllow, nil)
		return Response{Status: 200, Body: map[string]any{"ok": true, "backups": config.ListBackups(h.deps.ConfigPath)}}
	case "restore":
		if req.Method != "POST" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		index, err := parseCount(req.Query, "index", 0)
		if err != nil {
			return Response{Status: 400, Body: errBodyMsg("bad_request", err.Error())}
		}
		if err := config.RestoreBackup(h.deps.ConfigPath, index); err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"error": err.Error()})
			return Response{Status: 500, Body: errBodyMsg("restore_failed", err.Error())}
		}
		h.audit(action, actor, audit.DecisionAllow, map[string]string{"index": strconv.Itoa(index)})
		return Response{Status: 200, Body: map[string]any{"ok": true, "index": index}}
	}
	return Response{Status: 404, Body: errBody("not_found")}
}

func (h *Handler) handleMemoryLanes(req Request, segs []string) Response {
	if len(segs) != 4 || segs[1] != "lanes" {
		return Response{Status: 404, Body: errBody("not_found")}
	}
	if resp, ok := h.requireLoopback(req); !ok {
		return resp
	}

	laneID := segs[2]
	action := ""
	switch segs[3] {
	case "export":
		action = audit.ActionLaneExport
	case "delete":
		action = audit.ActionLaneDelete
	case "retention":
		action = audit.ActionLaneRetention
	default:
		return Response{Status: 404, Body: errBody("not_found")}
	}

	actor, ok := h.requireManager(req)
	if !ok {
		h.audit(action, actor, audit.DecisionDeny, map[string]string{"lane": laneID})
		return Response{Status: 403, Body: errBody("manager_required")}
	}
	if h.deps.LaneDir == nil {
		return Response{Status: 503, Body: errBody("not_available")}
	}
	dir, err := h.deps.LaneDir(laneID)
	if err != nil {
		h.audit(action, actor, audit.DecisionFail, map[string]string{"lane": laneID, "error": err.Error()})
		return Response{Status: 500, Body: errBodyMsg("internal_error", err.Error())}
	}

	switch segs[3] {
	case "export":
		if req.Method != "GET" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		files, err := readLaneFiles(dir)
		if err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"lane": laneID, "error": err.Error()})
			return Response{Status: 500, Body: errBodyMsg("export_failed", err.Error())}
		}
		h.audit(action, actor, audit.DecisionAllow, map[string]string{"lane": laneID, "files": strconv.Itoa(len(files))})
		return Response{Status: 200, Body: map[string]any{"laneId": laneID, "files": files}}

	case "delete":
		if req.Method != "POST" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		if err := os.RemoveAll(dir); err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"lane": laneID, "error": err.Error()})
			return Response{Status: 500, Body: errBodyMsg("delete_failed", err.Error())}
		}
		h.audit(action, actor, audit.DecisionAllow, map[string]string{"lane": laneID})
		return Response{Status: 200, Body: map[string]any{"ok": true, "laneId": laneID}}

	case "retention":
		if req.Method != "POST" {
			return Response{Status: 404, Body: errBody("not_found")}
		}
		days := h.laneRetentionDays(laneID)
		if days <= 0 {
			h.audit(action, actor, audit.DecisionDeny, map[string]string{"lane": laneID, "reason": "no retention window"})
			return Response{Status: 409, Body: errBody("lane_retention_disabled")}
		}
		deleted, err := pruneLaneFiles(dir, time.Now().Add(-time.Duration(days)*24*time.Hour))
		if err != nil {
			h.audit(action, actor, audit.DecisionFail, map[string]string{"lane": laneID, "error": err.Error()})
			return Response{Status: 500, Body: errBodyMsg("retention_failed", err.Error())}
		}
		h.audit(action, actor, audit.DecisionAllow, map[string]string{"lane": laneID, "deleted": strconv.Itoa(deleted)})
		return Response{Status: 200, Body: map[string]any{"ok": true, "laneId": laneID, "deletedCount": deleted, "maxAgeDays": days}}
	}
	return Response{Status: 404, Body: errBody("not_found")}
}

// laneRetentionDays resolves the configured retention window for a lane,
// 0 when none applies.
func (h *Handler) laneRetentionDays(laneID string) int {
	f := h.deps.Family
	if f == nil || f.ControlPlane == nil || f.ControlPlane.Operations == nil || f.ControlPlane.Operations.LaneRetention == nil {
		return 0
	}
	lr := f.ControlPlane.Operations.LaneRetention
	if days, ok := lr.ByLaneID[laneID]; ok {
		return days
	}
	return lr.DefaultDays
}

// LaneFile is one exported lane document.
type LaneFile struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	ModifiedMs int64  `json:"modifiedMs"`
}

func readLaneFiles(dir string) ([]LaneFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []LaneFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, LaneFile{
			Name:       e.Name(),
			Content:    string(data),
			ModifiedMs: info.ModTime().UnixMilli(),
		})
	}
	return files, nil
}

func pruneLaneFiles(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return deleted, err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// requireLoopback rejects non-loopback callers with 403 forbidden.
func (h *Handler) requireLoopback(req Request) (Response, bool) {
	if !isLoopback(req.RemoteAddr) {
		L_warn("admin: non-loopback request rejected", "path", req.Path, "remote", req.RemoteAddr)
		return Response{Status: 403, Body: errBody("forbidden")}, false
	}
	return Response{}, true
}

// requireManager resolves the memberId query param to a configured
// operational manager. Returns the actor either way for auditing.
func (h *Handler) requireManager(req Request) (string, bool) {
	actor := req.Query["memberId"]
	if actor == "" || h.deps.Family == nil {
		return actor, false
	}
	return actor, h.deps.Family.IsManager(actor)
}

func (h *Handler) audit(action, actor, decision string, detail map[string]string) {
	if h.deps.Audit == nil {
		return
	}
	if err := h.deps.Audit.Record(action, actor, decision, detail); err != nil {
		L_warn("admin: audit write failed", "action", action, "error", err)
	}
}

func (h *Handler) incident(kind string, detail map[string]string) {
	if h.deps.Incidents == nil {
		return
	}
	if err := h.deps.Incidents.Append(eventlog.Entry{Kind: kind, Detail: detail}); err != nil {
		L_warn("admin: incident write failed", "kind", kind, "error", err)
	}
}

// isLoopback accepts 127.*, ::1 and ::ffff:127.* remote addresses.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.HasPrefix(host, "127.") ||
		host == "::1" ||
		strings.HasPrefix(host, "::ffff:127.")
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// parseBool reads a boolean query param: 1|true|yes|on and
// 0|false|no|off, any case. Absent or empty yields the default.
func parseBool(query map[string]string, key string, def bool) (bool, error) {
	raw, ok := query[key]
	if !ok || raw == "" {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return def, fmt.Errorf("invalid boolean for %s: %q", key, raw)
}

// parseCSV reads a comma separated query param, trimming entries and
// dropping duplicates while preserving order.
func parseCSV(query map[string]string, key string) []string {
	raw := query[key]
	if raw == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// parseMs reads a non-negative millisecond timestamp query param.
func parseMs(query map[string]string, key string) (int64, error) {
	raw, ok := query[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid timestamp for %s: %q", key, raw)
	}
	return n, nil
}

// parseCount reads a non-negative integer query param.
func parseCount(query map[string]string, key string, def int) (int, error) {
	raw, ok := query[key]
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count for %s: %q", key, raw)
	}
	return n, nil
}
