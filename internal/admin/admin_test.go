package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/halohq/halo/internal/audit"
	"github.com/halohq/halo/internal/config"
	"github.com/halohq/halo/internal/eventlog"
	"github.com/halohq/halo/internal/family"
	"github.com/halohq/halo/internal/filememory"
	"github.com/halohq/halo/internal/scopelock"
	"github.com/halohq/halo/internal/semindex"
	"github.com/halohq/halo/internal/session"
	"github.com/halohq/halo/internal/transcript"
)

const loopback = "127.0.0.1:50000"

func boolPtr(v bool) *bool { return &v }

func testFamily() *family.Family {
	return &family.Family{
		SchemaVersion: 2,
		FamilyID:      "smith",
		Members: []family.Member{
			{MemberID: "alice", Role: family.RoleParent, TelegramUserIDs: []int64{100}},
			{MemberID: "bob", Role: family.RoleParent, TelegramUserIDs: []int64{200}},
			{MemberID: "kid", Role: family.RoleChild, AgeGroup: family.AgeGroupChild, TelegramUserIDs: []int64{300}},
			{MemberID: "teen", Role: family.RoleChild, AgeGroup: family.AgeGroupTeen,
				ParentalVisibility: boolPtr(false), TelegramUserIDs: []int64{400}},
			{MemberID: "visible-teen", Role: family.RoleChild, AgeGroup: family.AgeGroupTeen,
				ParentalVisibility: boolPtr(true), TelegramUserIDs: []int64{500}},
		},
		ControlPlane: &family.ControlPlane{
			PolicyVersion: "v2",
			Operations: &family.Operations{
				ManagerMemberIDs: []string{"alice"},
				LaneRetention: &family.LaneRetention{
					DefaultDays: 30,
					ByLaneID:    map[string]int{"ephemeral": 1},
				},
			},
		},
	}
}

type fakeFiles struct {
	deleteResult filememory.Result
	purgeResult  filememory.PurgeResult
	lastScope    string
	lastRef      string
}

func (f *fakeFiles) Delete(_ context.Context, scopeID, fileRef string, _ bool) filememory.Result {
	f.lastScope, f.lastRef = scopeID, fileRef
	return f.deleteResult
}

func (f *fakeFiles) Purge(_ context.Context, scopeID string, _ bool) filememory.PurgeResult {
	f.lastScope = scopeID
	return f.purgeResult
}

type fakeSyncer struct {
	transcriptScopes []string
	markdownDirs     []string
}

func (f *fakeSyncer) SyncTranscript(_ context.Context, scopeID string) (semindex.SyncResult, error) {
	f.transcriptScopes = append(f.transcriptScopes, scopeID)
	return semindex.SyncResult{LinesIndexed: 2, Watermark: 2}, nil
}

func (f *fakeSyncer) SyncMarkdownDir(_ context.Context, dir string) (semindex.SyncResult, error) {
	f.markdownDirs = append(f.markdownDirs, dir)
	return semindex.SyncResult{FilesScanned: 1}, nil
}

func newHandler(t *testing.T, mutate func(*Deps)) (*Handler, *audit.Log) {
	t.Helper()
	base := t.TempDir()
	auditLog := audit.New(filepath.Join(base, "audit.jsonl"))
	deps := Deps{
		Family:      testFamily(),
		Features:    config.Features{FileMemoryEnabled: true},
		Version:     "test",
		Sessions:    session.NewStore(filepath.Join(base, "sessions"), scopelock.NewMap()),
		Transcripts: transcript.NewStore(filepath.Join(base, "transcripts"), scopelock.NewMap()),
		Events:      eventlog.New(filepath.Join(base, "events.jsonl")),
		Audit:       auditLog,
		ConfigPath:  filepath.Join(base, "config.json"),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewHandler(deps), auditLog
}

func get(h *Handler, path string, query map[string]string, remote string) Response {
	return h.Handle(Request{Method: "GET", Path: path, Query: query, RemoteAddr: remote})
}

func post(h *Handler, path string, query map[string]string, remote string) Response {
	return h.Handle(Request{Method: "POST", Path: path, Query: query, RemoteAddr: remote})
}

func TestHealthzAndStatusAreOpen(t *testing.T) {
	h, _ := newHandler(t, nil)

	if resp := get(h, "/healthz", nil, "203.0.113.9:1234"); resp.Status != 200 {
		t.Errorf("healthz from remote addr = %d, want 200", resp.Status)
	}
	resp := get(h, "/status", nil, "203.0.113.9:1234")
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	body := resp.Body.(map[string]any)
	if body["version"] != "test" {
		t.Errorf("version = %v", body["version"])
	}
}

func TestPolicyStatus(t *testing.T) {
	h, _ := newHandler(t, nil)
	resp := get(h, "/policy/status", nil, "203.0.113.9:1234")
	if resp.Status != 200 {
		t.Fatalf("policy status = %d", resp.Status)
	}
	body := resp.Body.(map[string]any)
	if body["policyVersion"] != "v2" || body["members"] != 5 {
		t.Errorf("body = %v", body)
	}
}

func TestLoopbackEnforcement(t *testing.T) {
	h, _ := newHandler(t, nil)

	cases := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:9999", 200},
		{"127.8.8.8:9999", 200},
		{"[::1]:9999", 200},
		{"[::ffff:127.0.0.1]:9999", 200},
		{"192.168.1.5:9999", 403},
		{"203.0.113.9:1234", 403},
	}
	for _, c := range cases {
		resp := get(h, "/events/tail", nil, c.remote)
		if resp.Status != c.want {
			t.Errorf("events/tail from %s = %d, want %d", c.remote, resp.Status, c.want)
		}
	}

	resp := get(h, "/events/tail", nil, "203.0.113.9:1234")
	if resp.Body.(map[string]any)["error"] != "forbidden" {
		t.Errorf("non-loopback error body = %v", resp.Body)
	}
}

func TestSessionClearAndPurge(t *testing.T) {
	var sessions *session.Store
	h, _ := newHandler(t, func(d *Deps) { sessions = d.Sessions })

	const scope = "telegram:dm:kid"
	if err := sessions.Append(scope, session.Item{Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	if resp := post(h, "/sessions/"+scope+"/clear", nil, loopback); resp.Status != 200 {
		t.Fatalf("clear = %d (%v)", resp.Status, resp.Body)
	}

	// Purge without confirm is rejected.
	resp := post(h, "/sessions/"+scope+"/purge", nil, loopback)
	if resp.Status != 400 || resp.Body.(map[string]any)["error"] != "confirm_required" {
		t.Fatalf("purge without confirm = %d %v", resp.Status, resp.Body)
	}
	resp = post(h, "/sessions/"+scope+"/purge", map[string]string{"confirm": "wrong"}, loopback)
	if resp.Status != 400 {
		t.Fatalf("purge with wrong confirm = %d", resp.Status)
	}
	resp = post(h, "/sessions/"+scope+"/purge", map[string]string{"confirm": scope}, loopback)
	if resp.Status != 200 {
		t.Fatalf("purge = %d (%v)", resp.Status, resp.Body)
	}

	if resp := post(h, "/sessions/unknown/clear", nil, loopback); resp.Status != 404 {
		t.Errorf("clear of unknown session = %d, want 404", resp.Status)
	}
}

func TestDistillFeatureFlag(t *testing.T) {
	h, _ := newHandler(t, nil)
	resp := post(h, "/sessions/telegram:dm:kid/distill", nil, loopback)
	if resp.Status != 409 || resp.Body.(map[string]any)["error"] != "distillation_disabled" {
		t.Fatalf("distill with flag off = %d %v", resp.Status, resp.Body)
	}

	called := ""
	h, _ = newHandler(t, func(d *Deps) {
		d.Features.DistillationEnabled = true
		d.Distill = func(_ context.Context, scopeID string) error {
			called = scopeID
			return nil
		}
	})
	resp = post(h, "/sessions/telegram:dm:kid/distill", nil, loopback)
	if resp.Status != 200 || called != "telegram:dm:kid" {
		t.Fatalf("distill = %d, called %q", resp.Status, called)
	}
}

func TestSemanticSync(t *testing.T) {
	syncer := &fakeSyncer{}
	h, _ := newHandler(t, func(d *Deps) {
		d.Sync = syncer
		d.MemoryDir = func(scopeID string) (string, error) { return "/mem/" + scopeID, nil }
	})

	resp := post(h, "/sessions/telegram:dm:kid/semantic-sync", nil, loopback)
	if resp.Status != 200 {
		t.Fatalf("semantic-sync = %d (%v)", resp.Status, resp.Body)
	}
	if len(syncer.transcriptScopes) != 1 || syncer.transcriptScopes[0] != "telegram:dm:kid" {
		t.Errorf("transcript scopes = %v", syncer.transcriptScopes)
	}
	if len(syncer.markdownDirs) != 1 {
		t.Errorf("markdown dirs = %v", syncer.markdownDirs)
	}
}

func TestParentTranscriptVisibility(t *testing.T) {
	var transcripts *transcript.Store
	h, _ := newHandler(t, func(d *Deps) { transcripts = d.Transcripts })

	for _, scope := range []string{"telegram:dm:kid", "telegram:dm:teen", "telegram:dm:visible-teen"} {
		if err := transcripts.Append(scope, transcript.Item{Role: "user", Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name      string
		requester string
		scope     string
		want      int
		errCode   string
	}{
		{"parent reads young child", "alice", "telegram:dm:kid", 200, ""},
		{"parent reads opted-out teen", "alice", "telegram:dm:teen", 403, "parental_visibility_disabled"},
		{"parent reads opted-in teen", "bob", "telegram:dm:visible-teen", 200, ""},
		{"child requester", "kid", "telegram:dm:kid", 403, "parent_required"},
		{"unknown requester", "mallory", "telegram:dm:kid", 403, "parent_required"},
		{"parent targets parent", "alice", "telegram:dm:bob", 403, "target_not_child"},
	}
	for _, c := range cases {
		resp := get(h, "/sessions/"+c.scope+"/transcript", map[string]string{"memberId": c.requester}, loopback)
		if resp.Status != c.want {
			t.Errorf("%s: status = %d, want %d", c.name, resp.Status, c.want)
			continue
		}
		if c.errCode != "" && resp.Body.(map[string]any)["error"] != c.errCode {
			t.Errorf("%s: error = %v, want %s", c.name, resp.Body, c.errCode)
		}
	}
}

func TestSessionFileOps(t *testing.T) {
	files := &fakeFiles{
		deleteResult: filememory.Result{Code: filememory.CodeOK},
		purgeResult:  filememory.PurgeResult{OK: true, RemovedCount: 2},
	}
	h, _ := newHandler(t, func(d *Deps) { d.Files = files })

	resp := post(h, "/sessions/scope-a/files/delete", map[string]string{"fileRef": "doc-1"}, loopback)
	if resp.Status != 200 || files.lastRef != "doc-1" {
		t.Fatalf("delete = %d, ref %q", resp.Status, files.lastRef)
	}

	if resp := post(h, "/sessions/scope-a/files/delete", nil, loopback); resp.Status != 400 {
		t.Errorf("delete without fileRef = %d, want 400", resp.Status)
	}

	files.deleteResult = filememory.Result{Code: filememory.CodeFileNotFound}
	if resp := post(h, "/sessions/scope-a/files/delete", map[string]string{"fileRef": "nope"}, loopback); resp.Status != 404 {
		t.Errorf("delete missing file = %d, want 404", resp.Status)
	}

	files.deleteResult = filememory.Result{Code: filememory.CodeRemoteDeleteFailed}
	if resp := post(h, "/sessions/scope-a/files/delete", map[string]string{"fileRef": "doc-1"}, loopback); resp.Status != 502 {
		t.Errorf("remote delete failure = %d, want 502", resp.Status)
	}

	if resp := post(h, "/sessions/scope-a/files/purge", nil, loopback); resp.Status != 200 {
		t.Errorf("purge = %d", resp.Status)
	}
}

func TestFileRetentionRunGates(t *testing.T) {
	// Feature flag off: 409.
	h, _ := newHandler(t, func(d *Deps) { d.Features.FileMemoryEnabled = false })
	resp := post(h, "/file-retention/run", nil, loopback)
	if resp.Status != 409 || resp.Body.(map[string]any)["error"] != "file_memory_disabled" {
		t.Fatalf("file memory off = %d %v", resp.Status, resp.Body)
	}

	// No scheduler attached: 503.
	h, _ = newHandler(t, nil)
	resp = post(h, "/file-retention/run", nil, loopback)
	if resp.Status != 503 || resp.Body.(map[string]any)["error"] != "no_scheduler" {
		t.Fatalf("no scheduler = %d %v", resp.Status, resp.Body)
	}

	// Non-loopback: 403 before any gate.
	resp = post(h, "/file-retention/run", nil, "203.0.113.9:1")
	if resp.Status != 403 {
		t.Fatalf("non-loopback = %d", resp.Status)
	}
}

func TestBackupOperationsRequireManager(t *testing.T) {
	h, auditLog := newHandler(t, nil)

	resp := post(h, "/operations/backup/create", map[string]string{"memberId": "bob"}, loopback)
	if resp.Status != 403 || resp.Body.(map[string]any)["error"] != "manager_required" {
		t.Fatalf("non-manager parent = %d %v", resp.Status, resp.Body)
	}

	entries, err := auditLog.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Decision != audit.DecisionDeny || entries[0].Action != audit.ActionBackupCreate {
		t.Fatalf("audit entries = %+v", entries)
	}

	if resp := post(h, "/operations/backup/create", nil, loopback); resp.Status != 403 {
		t.Errorf("missing memberId = %d", resp.Status)
	}
	if resp := post(h, "/operations/backup/create", map[string]string{"memberId": "alice"}, "203.0.113.9:1"); resp.Status != 403 {
		t.Errorf("manager from non-loopback = %d", resp.Status)
	}
}

func TestBackupCreateAndRestore(t *testing.T) {
	var configPath string
	h, auditLog := newHandler(t, func(d *Deps) { configPath = d.ConfigPath })

	if err := os.WriteFile(configPath, []byte(`{"schemaVersion":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	mgr := map[string]string{"memberId": "alice"}
	resp := post(h, "/operations/backup/create", mgr, loopback)
	if resp.Status != 200 {
		t.Fatalf("backup create = %d (%v)", resp.Status, resp.Body)
	}
	if _, err := os.Stat(configPath + ".bak"); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	if err := os.WriteFile(configPath, []byte(`{"schemaVersion":2}`), 0o600); err != nil {
		t.Fatal(err)
	}
	mgrRestore := map[string]string{"memberId": "alice", "index": "0"}
	if resp := post(h, "/operations/backup/restore", mgrRestore, loopback); resp.Status != 200 {
		t.Fatalf("restore = %d (%v)", resp.Status, resp.Body)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"schemaVersion":1}` {
		t.Errorf("restored content = %s", data)
	}

	entries, err := auditLog.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Action != audit.ActionBackupCreate || entries[1].Action != audit.ActionBackupRestore {
		t.Errorf("audit actions = %s, %s", entries[0].Action, entries[1].Action)
	}
	for _, e := range entries {
		if e.Decision != audit.DecisionAllow || e.Actor != "alice" {
			t.Errorf("audit entry = %+v", e)
		}
	}
}

func TestLaneOperations(t *testing.T) {
	laneDirs := map[string]string{}
	h, auditLog := newHandler(t, func(d *Deps) {
		base := t.TempDir()
		d.LaneDir = func(laneID string) (string, error) {
			if _, ok := laneDirs[laneID]; !ok {
				laneDirs[laneID] = filepath.Join(base, laneID)
			}
			return laneDirs[laneID], nil
		}
	})

	mgr := map[string]string{"memberId": "alice"}

	// Export of an empty lane succeeds with no files.
	resp := get(h, "/memory/lanes/family_shared/export", mgr, loopback)
	if resp.Status != 200 {
		t.Fatalf("export = %d (%v)", resp.Status, resp.Body)
	}

	dir := laneDirs["family_shared"]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# Notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp = get(h, "/memory/lanes/family_shared/export", mgr, loopback)
	body := resp.Body.(map[string]any)
	files := body["files"].([]LaneFile)
	if len(files) != 1 || files[0].Name != "notes.md" {
		t.Fatalf("export files = %+v", files)
	}

	// Retention with a window configured deletes nothing for fresh files.
	resp = post(h, "/memory/lanes/family_shared/retention", mgr, loopback)
	if resp.Status != 200 {
		t.Fatalf("retention = %d (%v)", resp.Status, resp.Body)
	}
	if deleted := resp.Body.(map[string]any)["deletedCount"].(int); deleted != 0 {
		t.Errorf("fresh file deleted: %d", deleted)
	}

	// Delete removes the lane directory.
	resp = post(h, "/memory/lanes/family_shared/delete", mgr, loopback)
	if resp.Status != 200 {
		t.Fatalf("delete = %d (%v)", resp.Status, resp.Body)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("lane dir still present after delete")
	}

	// Non-manager is denied and audited.
	resp = get(h, "/memory/lanes/family_shared/export", map[string]string{"memberId": "kid"}, loopback)
	if resp.Status != 403 {
		t.Fatalf("child export = %d", resp.Status)
	}

	entries, err := auditLog.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionLaneExport || last.Decision != audit.DecisionDeny || last.Actor != "kid" {
		t.Errorf("deny audit entry = %+v", last)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	h, _ := newHandler(t, func(d *Deps) {
		d.Sync = nil
		d.MemoryDir = nil
		d.LaneDir = func(string) (string, error) { panic("boom") }
	})
	resp := get(h, "/memory/lanes/x/export", map[string]string{"memberId": "alice"}, loopback)
	if resp.Status != 500 || resp.Body.(map[string]any)["error"] != "internal_error" {
		t.Fatalf("panic response = %d %v", resp.Status, resp.Body)
	}
}

func TestQueryParsingConventions(t *testing.T) {
	q := map[string]string{
		"flagOn":  "YES",
		"flagOff": "off",
		"bad":     "maybe",
		"csv":     " a, b ,a,, c ",
		"ms":      "1234",
		"negMs":   "-5",
	}

	if v, err := parseBool(q, "flagOn", false); err != nil || !v {
		t.Errorf("flagOn = %v, %v", v, err)
	}
	if v, err := parseBool(q, "flagOff", true); err != nil || v {
		t.Errorf("flagOff = %v, %v", v, err)
	}
	if _, err := parseBool(q, "bad", false); err == nil {
		t.Error("bad boolean accepted")
	}
	if v, err := parseBool(q, "absent", true); err != nil || !v {
		t.Errorf("absent boolean default = %v, %v", v, err)
	}

	csv := parseCSV(q, "csv")
	if len(csv) != 3 || csv[0] != "a" || csv[1] != "b" || csv[2] != "c" {
		t.Errorf("csv = %v", csv)
	}

	if v, err := parseMs(q, "ms"); err != nil || v != 1234 {
		t.Errorf("ms = %d, %v", v, err)
	}
	if _, err := parseMs(q, "negMs"); err == nil {
		t.Error("negative ms accepted")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	h, _ := newHandler(t, nil)
	if resp := get(h, "/nope", nil, loopback); resp.Status != 404 {
		t.Errorf("unknown route = %d", resp.Status)
	}
	if resp := h.Handle(Request{Method: "DELETE", Path: "/healthz", RemoteAddr: loopback}); resp.Status != 404 {
		t.Errorf("wrong method = %d", resp.Status)
	}
}
