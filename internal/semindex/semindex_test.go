package semindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/halohq/halo/internal/embeddings"
	"github.com/halohq/halo/internal/scopelock"
	"github.com/halohq/halo/internal/transcript"
)

// fakeProvider returns hand-picked vectors per text so tests can steer
// cosine similarity.
type fakeProvider struct {
	vectors map[string][]float32
	failErr error
	batches int
}

func (f *fakeProvider) ID() string      { return "fake" }
func (f *fakeProvider) Model() string   { return "fake-model" }
func (f *fakeProvider) Dimensions() int { return 3 }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.batches++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{1, 1, 1}
		}
	}
	return out, nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestChunkIDIsStable(t *testing.T) {
	a := ChunkID("memory/notes.md", 1, 20)
	b := ChunkID("memory/notes.md", 1, 20)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if ChunkID("memory/other.md", 1, 20) == a {
		t.Fatal("different paths should produce different ids")
	}
	if ChunkID("memory/notes.md", 2, 20) == a {
		t.Fatal("different line ranges should produce different ids")
	}
}

func TestChunkerSplitsOnHeadings(t *testing.T) {
	c := NewChunker(DefaultChunkOptions())
	content := "# First\nline one\nline two\n# Second\nline three\n"
	chunks := c.ChunkMarkdown(content)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 3 {
		t.Errorf("first chunk lines = %d..%d, want 1..3", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[1].StartLine != 4 {
		t.Errorf("second chunk starts at %d, want 4", chunks[1].StartLine)
	}
	if chunks[0].Hash == "" || chunks[0].TokenCount == 0 {
		t.Error("chunk hash and token count should be populated")
	}
}

func TestInsertChunkIgnoreConflictsIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	row := ChunkRow{
		ChunkID:     ChunkID("a.md", 1, 5),
		Path:        "a.md",
		StartLine:   1,
		EndLine:     5,
		Content:     "hello world",
		ContentHash: HashContent("hello world"),
	}
	first, err := s.InsertChunkIgnoreConflicts(row, "none")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := s.InsertChunkIgnoreConflicts(row, "none")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if first != second {
		t.Errorf("conflicting insert returned %d, want surviving idx %d", second, first)
	}

	chunks, err := s.ActiveChunks("a.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 active chunk, got %d", len(chunks))
	}
	if chunks[0].CreatedAtMs == 0 {
		t.Error("created_at_ms should be set")
	}
}

func TestSelfSupersededRepair(t *testing.T) {
	s := openTestStore(t)

	idx, err := s.InsertChunkIgnoreConflicts(ChunkRow{
		ChunkID: ChunkID("b.md", 1, 2), Path: "b.md", StartLine: 1, EndLine: 2,
		Content: "x", ContentHash: HashContent("x"),
	}, "none")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SupersedeChunks([]int64{idx}, &idx); err != nil {
		t.Fatal(err)
	}

	n, err := s.SelfSupersededCount()
	if err != nil || n != 1 {
		t.Fatalf("self-superseded count = %d, err %v, want 1", n, err)
	}
	repaired, err := s.RepairSelfSupersededChunks()
	if err != nil || repaired != 1 {
		t.Fatalf("repaired = %d, err %v, want 1", repaired, err)
	}
	chunks, err := s.ActiveChunks("b.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || !chunks[0].Active {
		t.Fatal("repaired chunk should be active again")
	}
}

func TestSyncMarkdownDirSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.md", "# Notes\nsome content here\n")

	m := NewManager(openTestStore(t), embeddings.NoopProvider{}, nil)

	res, err := m.SyncMarkdownDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesIndexed != 1 || res.ChunksInserted == 0 {
		t.Fatalf("first pass: indexed=%d inserted=%d", res.FilesIndexed, res.ChunksInserted)
	}

	res, err = m.SyncMarkdownDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesIndexed != 0 || res.ChunksInserted != 0 {
		t.Errorf("unchanged pass should index nothing, got indexed=%d inserted=%d", res.FilesIndexed, res.ChunksInserted)
	}
	if res.FilesScanned != 1 {
		t.Errorf("scanned = %d, want 1", res.FilesScanned)
	}
}

func TestSyncMarkdownDirRetiresDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gone.md", "# Gone\ncontent\n")

	store := openTestStore(t)
	m := NewManager(store, embeddings.NoopProvider{}, nil)
	if _, err := m.SyncMarkdownDir(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	res, err := m.SyncMarkdownDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRemoved != 1 {
		t.Fatalf("removed = %d, want 1", res.FilesRemoved)
	}
	chunks, err := store.ActiveChunks(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("deleted file still has %d active chunks", len(chunks))
	}
	tracked, err := store.TrackedPaths()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 0 {
		t.Errorf("deleted file still tracked: %v", tracked)
	}
}

func TestSupersessionLinksSimilarChunks(t *testing.T) {
	dir := t.TempDir()
	v1 := "# Topic\nthe quick brown fox\n"
	v2 := "# Topic\nthe quick brown fox\njumps over the lazy dog\n"
	path := writeFile(t, dir, "doc.md", v1)

	provider := &fakeProvider{vectors: map[string][]float32{
		"# Topic\nthe quick brown fox":                          {1, 0, 0},
		"# Topic\nthe quick brown fox\njumps over the lazy dog": {0.99, 0.1, 0},
	}}
	store := openTestStore(t)
	m := NewManager(store, provider, nil)

	if _, err := m.SyncMarkdownDir(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	old, err := store.ActiveChunks(path)
	if err != nil || len(old) != 1 {
		t.Fatalf("want 1 active chunk after v1, got %d (err %v)", len(old), err)
	}

	writeFile(t, dir, "doc.md", v2)
	res, err := m.SyncMarkdownDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunksInserted != 1 || res.ChunksSuperseded != 1 {
		t.Fatalf("inserted=%d superseded=%d, want 1 and 1", res.ChunksInserted, res.ChunksSuperseded)
	}

	active, err := store.ActiveChunks(path)
	if err != nil || len(active) != 1 {
		t.Fatalf("want 1 active chunk after v2, got %d (err %v)", len(active), err)
	}
	rows, err := store.db.Query("SELECT superseded_by FROM index_chunks WHERE active = 0")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var target int64
		if err := rows.Scan(&target); err != nil {
			t.Fatalf("superseded chunk has no target: %v", err)
		}
		if target != active[0].ChunkIdx {
			t.Errorf("superseded_by = %d, want %d", target, active[0].ChunkIdx)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 superseded row, got %d", count)
	}
}

func TestDissimilarReplacementOrphansOldChunk(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.md", "# Old\ncompletely unrelated text\n")

	provider := &fakeProvider{vectors: map[string][]float32{
		"# Old\ncompletely unrelated text": {1, 0, 0},
		"# New\nbrand new subject matter\nwith a second line": {0, 1, 0},
	}}
	store := openTestStore(t)
	m := NewManager(store, provider, nil)

	if _, err := m.SyncMarkdownDir(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "doc.md", "# New\nbrand new subject matter\nwith a second line\n")
	if _, err := m.SyncMarkdownDir(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	var target any
	err := store.db.QueryRow("SELECT superseded_by FROM index_chunks WHERE active = 0 AND path = ?", path).Scan(&target)
	if err != nil {
		t.Fatal(err)
	}
	if target != nil {
		t.Errorf("dissimilar old chunk should have no successor, got %v", target)
	}
}

func TestEmbeddingCacheAvoidsRepeatCalls(t *testing.T) {
	dirA := t.TempDir()
	content := "# Shared\nidentical content in two files\n"
	writeFile(t, dirA, "one.md", content)

	provider := &fakeProvider{vectors: map[string][]float32{}}
	store := openTestStore(t)
	m := NewManager(store, provider, nil)

	if _, err := m.SyncMarkdownDir(context.Background(), dirA); err != nil {
		t.Fatal(err)
	}
	if provider.batches != 1 {
		t.Fatalf("batches after first file = %d, want 1", provider.batches)
	}

	writeFile(t, dirA, "two.md", content)
	res, err := m.SyncMarkdownDir(context.Background(), dirA)
	if err != nil {
		t.Fatal(err)
	}
	if provider.batches != 1 {
		t.Errorf("identical content re-embedded, batches = %d", provider.batches)
	}
	if res.ChunksInserted != 1 {
		t.Errorf("second file should insert its own chunk, inserted = %d", res.ChunksInserted)
	}
}

func newTranscriptStore(t *testing.T) *transcript.Store {
	t.Helper()
	return transcript.NewStore(t.TempDir(), scopelock.NewMap())
}

func TestTranscriptWatermarkAdvancesOnlyOnSuccess(t *testing.T) {
	transcripts := newTranscriptStore(t)
	store := openTestStore(t)
	provider := &fakeProvider{vectors: map[string][]float32{}}
	m := NewManager(store, provider, transcripts)

	const scope = "telegram:dm:wags"
	append2 := func(a, b string) {
		for _, c := range []string{a, b} {
			if err := transcripts.Append(scope, transcript.Item{Role: "user", MemberID: "wags", Content: c}); err != nil {
				t.Fatal(err)
			}
		}
	}

	append2("hello", "how are you")
	res, err := m.SyncTranscript(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if res.Watermark != 2 || res.LinesIndexed != 2 {
		t.Fatalf("first sync watermark=%d lines=%d, want 2 and 2", res.Watermark, res.LinesIndexed)
	}

	append2("fine thanks", "good to hear")
	res, err = m.SyncTranscript(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if res.Watermark != 4 || res.LinesIndexed != 2 {
		t.Fatalf("second sync watermark=%d lines=%d, want 4 and 2", res.Watermark, res.LinesIndexed)
	}

	// A failing pass must leave the watermark untouched.
	provider.failErr = fmt.Errorf("embedding backend down")
	append2("more", "lines")
	if _, err := m.SyncTranscript(context.Background(), scope); err == nil {
		t.Fatal("expected sync to fail")
	}
	wm, err := m.Watermark(scope)
	if err != nil {
		t.Fatal(err)
	}
	if wm != 4 {
		t.Fatalf("watermark after failed sync = %d, want 4", wm)
	}

	// Recovery picks up exactly where the failed pass started.
	provider.failErr = nil
	res, err = m.SyncTranscript(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if res.Watermark != 6 || res.LinesIndexed != 2 {
		t.Fatalf("recovery sync watermark=%d lines=%d, want 6 and 2", res.Watermark, res.LinesIndexed)
	}
}

func TestTranscriptSyncNoNewLinesIsNoop(t *testing.T) {
	m := NewManager(openTestStore(t), embeddings.NoopProvider{}, newTranscriptStore(t))
	res, err := m.SyncTranscript(context.Background(), "telegram:dm:nobody")
	if err != nil {
		t.Fatal(err)
	}
	if res.Watermark != 0 || res.ChunksInserted != 0 {
		t.Fatalf("empty transcript sync did work: %+v", res)
	}
}

func TestTranscriptChunkIDsAreStableAcrossRetries(t *testing.T) {
	transcripts := newTranscriptStore(t)
	store := openTestStore(t)
	provider := &fakeProvider{vectors: map[string][]float32{}}
	m := NewManager(store, provider, transcripts)

	const scope = "telegram:dm:kid"
	for i := 0; i < 3; i++ {
		if err := transcripts.Append(scope, transcript.Item{Role: "user", Content: fmt.Sprintf("line %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	// First attempt fails before the watermark moves.
	provider.failErr = fmt.Errorf("transient")
	if _, err := m.SyncTranscript(context.Background(), scope); err == nil {
		t.Fatal("expected failure")
	}
	provider.failErr = nil
	if _, err := m.SyncTranscript(context.Background(), scope); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM index_chunks WHERE path = ?", "transcript:"+scope).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("retry produced %d chunks, want 1", n)
	}
}

func searchManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	store := openTestStore(t)
	m := NewManager(store, &fakeProvider{vectors: map[string][]float32{}}, nil)
	return m, store
}

func TestSearchFusesVectorAndTextRanks(t *testing.T) {
	m, store := searchManager(t)

	insert := func(id, content string, vec []float32) int64 {
		idx, err := store.InsertChunkIgnoreConflicts(ChunkRow{
			ChunkID: id, Path: "m.md", StartLine: 1, EndLine: 2,
			Content: content, ContentHash: HashContent(content), Embedding: vec,
		}, "fake-model")
		if err != nil {
			t.Fatal(err)
		}
		return idx
	}
	// Matches both vector and text.
	both := insert("c1:1:2", "grocery shopping list for saturday", []float32{1, 0, 0})
	// Matches text only.
	insert("c2:1:2", "shopping reminders from last week", []float32{0, 1, 0})
	// Matches neither the query text nor the query vector direction.
	insert("c3:1:2", "piano practice schedule", []float32{0, 0.1, 1})

	results, err := m.Search(context.Background(), "shopping", []float32{1, 0, 0}, SearchOptions{TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(results))
	}
	if results[0].ChunkIdx != both {
		t.Errorf("top result = chunk %d, want the dual-match chunk %d", results[0].ChunkIdx, both)
	}
	if results[0].VectorScore == 0 || results[0].TextScore == 0 {
		t.Errorf("dual-match chunk should carry both scores: %+v", results[0])
	}
	for _, r := range results {
		if r.Content == "piano practice schedule" {
			// Reachable via weak vector similarity only; must rank last.
			if r.ChunkIdx == results[0].ChunkIdx {
				t.Error("weak match ranked first")
			}
		}
	}
}

func TestSearchMarksAccess(t *testing.T) {
	m, store := searchManager(t)
	idx, err := store.InsertChunkIgnoreConflicts(ChunkRow{
		ChunkID: "a:1:1", Path: "m.md", StartLine: 1, EndLine: 1,
		Content: "weekend chores rotation", ContentHash: HashContent("weekend chores rotation"),
		Embedding: []float32{1, 0, 0},
	}, "fake-model")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Search(context.Background(), "chores", []float32{1, 0, 0}, SearchOptions{}); err != nil {
		t.Fatal(err)
	}

	var count int
	var lastMs int64
	if err := store.db.QueryRow("SELECT access_count, last_access_ms FROM index_chunks WHERE chunk_idx = ?", idx).Scan(&count, &lastMs); err != nil {
		t.Fatal(err)
	}
	if count != 1 || lastMs == 0 {
		t.Errorf("access_count=%d last_access_ms=%d, want 1 and nonzero", count, lastMs)
	}
}

func TestSearchHooksAreGated(t *testing.T) {
	m, store := searchManager(t)
	for i := 0; i < 3; i++ {
		content := fmt.Sprintf("family dinner plan option %d", i)
		if _, err := store.InsertChunkIgnoreConflicts(ChunkRow{
			ChunkID: fmt.Sprintf("d%d:1:1", i), Path: "m.md", StartLine: 1, EndLine: 1,
			Content: content, ContentHash: HashContent(content), Embedding: []float32{1, 0, 0},
		}, "fake-model"); err != nil {
			t.Fatal(err)
		}
	}

	blocked := "family dinner plan option 1"
	opts := SearchOptions{
		TopK:      5,
		Prefilter: func(r SearchResult) bool { return r.Content != blocked },
		Rerank: func(_ context.Context, rs []SearchResult) []SearchResult {
			// A hook that tries to smuggle the blocked chunk back in and
			// duplicate another must be re-gated.
			if len(rs) > 0 {
				rs = append(rs, rs[0])
			}
			rs = append(rs, SearchResult{ChunkIdx: 999, Content: blocked, Score: 1})
			return rs
		},
	}

	results, err := m.Search(context.Background(), "dinner", []float32{1, 0, 0}, opts)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int64]bool{}
	for _, r := range results {
		if r.Content == blocked {
			t.Error("prefiltered chunk leaked through a hook")
		}
		if seen[r.ChunkIdx] {
			t.Errorf("duplicate chunk %d after hook", r.ChunkIdx)
		}
		seen[r.ChunkIdx] = true
	}
}

func TestSearchMinScoreCutoff(t *testing.T) {
	m, store := searchManager(t)
	if _, err := store.InsertChunkIgnoreConflicts(ChunkRow{
		ChunkID: "x:1:1", Path: "m.md", StartLine: 1, EndLine: 1,
		Content: "barely relevant note", ContentHash: HashContent("barely relevant note"),
		Embedding: []float32{1, 0, 0},
	}, "fake-model"); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(context.Background(), "note", []float32{1, 0, 0}, SearchOptions{MinScore: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("min score cutoff leaked %d results", len(results))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	if got := sanitizeFTSQuery(`delete OR "drop"`); got != `"delete" "OR" "drop"` {
		t.Errorf("sanitize = %q", got)
	}
	if got := sanitizeFTSQuery("   "); got != "" {
		t.Errorf("blank query sanitized to %q", got)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("round trip length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d: %f != %f", i, in[i], out[i])
		}
	}
	if encodeVector(nil) != nil {
		t.Error("empty vector should encode to nil")
	}
}
