package semindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/halohq/halo/internal/embeddings"
	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/transcript"

	. "github.com/halohq/halo/internal/logging"
)

const (
	// DefaultSimilarityThreshold is the cosine floor for linking an old
	// chunk to the new chunk that superseded it.
	DefaultSimilarityThreshold = 0.9
	// DefaultMaxNewLinesPerSync bounds one transcript sync pass.
	DefaultMaxNewLinesPerSync = 200

	metaTranscriptOffset      = "transcript_last_indexed_offset"
	metaTranscriptIndexedAtMs = "transcript_last_indexed_at_ms"
)

// SyncResult reports what one sync pass did.
type SyncResult struct {
	FilesScanned     int   `json:"filesScanned"`
	FilesIndexed     int   `json:"filesIndexed"`
	FilesRemoved     int   `json:"filesRemoved"`
	ChunksInserted   int   `json:"chunksInserted"`
	ChunksRetained   int   `json:"chunksRetained"`
	ChunksSuperseded int   `json:"chunksSuperseded"`
	LinesIndexed     int   `json:"linesIndexed"`
	Watermark        int   `json:"watermark"`
	EmbeddedCount    int   `json:"embeddedCount"`
	CacheHits        int   `json:"cacheHits"`
	IndexedAtMs      int64 `json:"indexedAtMs"`
}

// Manager drives incremental indexing of markdown memory files and
// append-only scope transcripts.
type Manager struct {
	store       *Store
	provider    embeddings.Provider
	chunker     *Chunker
	transcripts *transcript.Store

	similarityThreshold float64
	maxNewLinesPerSync  int

	group singleflight.Group
	now   func() int64
}

// NewManager builds a sync manager.
func NewManager(store *Store, provider embeddings.Provider, transcripts *transcript.Store) *Manager {
	return &Manager{
		store:               store,
		provider:            provider,
		chunker:             NewChunker(DefaultChunkOptions()),
		transcripts:         transcripts,
		similarityThreshold: DefaultSimilarityThreshold,
		maxNewLinesPerSync:  DefaultMaxNewLinesPerSync,
		now:                 nowMs,
	}
}

// Configure overrides the sync tunables. Zero values keep the current
// setting.
func (m *Manager) Configure(similarityThreshold float64, maxNewLinesPerSync int) {
	if similarityThreshold > 0 {
		m.similarityThreshold = similarityThreshold
	}
	if maxNewLinesPerSync > 0 {
		m.maxNewLinesPerSync = maxNewLinesPerSync
	}
}

// SyncMarkdownDir incrementally indexes every .md file under dir and
// retires chunks of files that no longer exist. Concurrent calls for the
// same dir coalesce into one pass.
func (m *Manager) SyncMarkdownDir(ctx context.Context, dir string) (SyncResult, error) {
	v, err, _ := m.group.Do("md:"+dir, func() (any, error) {
		return m.syncMarkdownDir(ctx, dir)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

func (m *Manager) syncMarkdownDir(ctx context.Context, dir string) (SyncResult, error) {
	var res SyncResult

	present := make(map[string]bool)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".md") {
			files = append(files, path)
			present[path] = true
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", dir, err)
	}

	// Tracked files that vanished: supersede their chunks with no
	// successor and drop the file row.
	tracked, err := m.store.TrackedPaths()
	if err != nil {
		return res, err
	}
	for _, path := range tracked {
		if present[path] || !strings.HasPrefix(path, dir) {
			continue
		}
		chunks, err := m.store.ActiveChunks(path)
		if err != nil {
			return res, err
		}
		idxs := chunkIdxs(chunks)
		if err := m.store.SupersedeChunks(idxs, nil); err != nil {
			return res, err
		}
		if err := m.store.DeleteFile(path); err != nil {
			return res, err
		}
		res.FilesRemoved++
		res.ChunksSuperseded += len(idxs)
		L_info("semindex: removed deleted file", "path", path, "chunks", len(idxs))
	}

	repairNeeded, err := m.store.SelfSupersededCount()
	if err != nil {
		return res, err
	}
	if repairNeeded > 0 {
		if _, err := m.store.RepairSelfSupersededChunks(); err != nil {
			return res, err
		}
	}

	for _, path := range files {
		res.FilesScanned++
		indexed, err := m.syncFile(ctx, path, &res)
		if err != nil {
			return res, fmt.Errorf("index %s: %w", path, err)
		}
		if indexed {
			res.FilesIndexed++
		}
	}

	res.IndexedAtMs = m.now()
	return res, nil
}

func (m *Manager) syncFile(ctx context.Context, path string, res *SyncResult) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	hash := HashContent(string(data))

	stored, err := m.store.FileHash(path)
	if err != nil {
		return false, err
	}
	if stored == hash {
		return false, nil
	}

	chunks := m.chunker.ChunkMarkdown(string(data))
	if err := m.indexChunks(ctx, path, chunks, res); err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := m.store.UpsertFile(path, hash, info.ModTime().UnixMilli(), info.Size()); err != nil {
		return false, err
	}
	return true, nil
}

// indexChunks reconciles the new chunk set against the file's active
// chunks: retained by stable id, inserted idempotently, and old chunks
// superseded by their most similar successor (or nothing).
func (m *Manager) indexChunks(ctx context.Context, path string, chunks []Chunk, res *SyncResult) error {
	existing, err := m.store.ActiveChunks(path)
	if err != nil {
		return err
	}
	existingByID := make(map[string]ChunkRow, len(existing))
	for _, c := range existing {
		existingByID[c.ChunkID] = c
	}

	vectors, err := m.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	retained := make(map[string]bool)
	type inserted struct {
		idx int64
		vec []float32
	}
	var newRows []inserted

	for i, c := range chunks {
		id := ChunkID(path, c.StartLine, c.EndLine)
		if _, ok := existingByID[id]; ok {
			retained[id] = true
			res.ChunksRetained++
			continue
		}
		idx, err := m.store.InsertChunkIgnoreConflicts(ChunkRow{
			ChunkID:     id,
			Path:        path,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Content:     c.Text,
			ContentHash: c.Hash,
			TokenCount:  c.TokenCount,
			Embedding:   vectors[i],
		}, m.model())
		if err != nil {
			return err
		}
		res.ChunksInserted++
		newRows = append(newRows, inserted{idx: idx, vec: vectors[i]})
	}

	// Old chunks not retained get superseded, grouped by target so each
	// target needs one statement.
	groups := make(map[int64][]int64)
	var orphans []int64
	for _, old := range existing {
		if retained[old.ChunkID] {
			continue
		}
		bestIdx := int64(-1)
		bestSim := 0.0
		for _, n := range newRows {
			if n.idx == old.ChunkIdx {
				continue
			}
			if sim := cosineSimilarity(old.Embedding, n.vec); sim > bestSim {
				bestSim = sim
				bestIdx = n.idx
			}
		}
		if bestIdx >= 0 && bestSim >= m.similarityThreshold {
			groups[bestIdx] = append(groups[bestIdx], old.ChunkIdx)
		} else {
			orphans = append(orphans, old.ChunkIdx)
		}
	}
	for target, idxs := range groups {
		t := target
		if err := m.store.SupersedeChunks(idxs, &t); err != nil {
			return err
		}
		res.ChunksSuperseded += len(idxs)
	}
	if err := m.store.SupersedeChunks(orphans, nil); err != nil {
		return err
	}
	res.ChunksSuperseded += len(orphans)
	return nil
}

// model returns the embedding model name for chunk rows, "none" when no
// provider is configured.
func (m *Manager) model() string {
	if m.provider == nil {
		return "none"
	}
	return m.provider.Model()
}

// embedChunks resolves one vector per chunk, batching cache misses into
// a single provider call and caching every fresh result.
func (m *Manager) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	if m.provider == nil || !m.provider.Available() {
		return vectors, nil
	}
	model := m.provider.Model()

	var missIdx []int
	var missText []string
	for i, c := range chunks {
		vec, ok, err := m.store.CachedEmbedding(c.Hash, model)
		if err != nil {
			return nil, err
		}
		if ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, c.Text)
	}
	if len(missIdx) == 0 {
		return vectors, nil
	}

	embedded, err := m.provider.EmbedBatch(ctx, missText)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks: %w", len(missText), err)
	}
	for j, i := range missIdx {
		vectors[i] = embedded[j]
		if err := m.store.CacheEmbedding(chunks[i].Hash, model, embedded[j]); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

// SyncTranscript indexes new transcript lines for a scope, advancing the
// per-scope watermark only after every chunk landed. Concurrent calls
// for the same scope coalesce.
func (m *Manager) SyncTranscript(ctx context.Context, scopeID string) (SyncResult, error) {
	v, err, _ := m.group.Do("transcript:"+scopeID, func() (any, error) {
		return m.syncTranscript(ctx, scopeID)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

func (m *Manager) syncTranscript(ctx context.Context, scopeID string) (SyncResult, error) {
	var res SyncResult

	offset, err := m.watermark(scopeID)
	if err != nil {
		return res, err
	}
	res.Watermark = offset

	items, end, err := m.transcripts.ReadFrom(scopeID, offset, m.maxNewLinesPerSync)
	if err != nil {
		return res, err
	}
	if end == offset {
		return res, nil
	}

	virtualPath := "transcript:" + scopeID
	chunks := transcriptChunks(items, offset)
	for i := range chunks {
		chunks[i].Hash = HashContent(chunks[i].Text)
		chunks[i].TokenCount = m.chunker.CountTokens(chunks[i].Text)
	}

	vectors, err := m.embedChunks(ctx, chunks)
	if err != nil {
		return res, err
	}
	for i, c := range chunks {
		_, err := m.store.InsertChunkIgnoreConflicts(ChunkRow{
			ChunkID:     ChunkID(virtualPath, c.StartLine, c.EndLine),
			Path:        virtualPath,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Content:     c.Text,
			ContentHash: c.Hash,
			TokenCount:  c.TokenCount,
			Embedding:   vectors[i],
		}, m.model())
		if err != nil {
			return res, err
		}
		res.ChunksInserted++
	}

	// Only now does the watermark move.
	if err := m.setWatermark(scopeID, end); err != nil {
		return res, err
	}
	res.LinesIndexed = end - offset
	res.Watermark = end
	res.IndexedAtMs = m.now()

	L_debug("semindex: transcript synced", "scope", scopeID, "from", offset, "to", end, "chunks", res.ChunksInserted)
	return res, nil
}

// Watermark returns the last indexed transcript offset for a scope.
func (m *Manager) Watermark(scopeID string) (int, error) {
	return m.watermark(scopeID)
}

func (m *Manager) watermark(scopeID string) (int, error) {
	key := metaTranscriptOffset + ":" + paths.HashScopeID(scopeID)
	raw, err := m.store.Meta(key, "0")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (m *Manager) setWatermark(scopeID string, offset int) error {
	hash := paths.HashScopeID(scopeID)
	if err := m.store.SetMeta(metaTranscriptOffset+":"+hash, strconv.Itoa(offset)); err != nil {
		return err
	}
	return m.store.SetMeta(metaTranscriptIndexedAtMs+":"+hash, strconv.FormatInt(m.now(), 10))
}

// transcriptChunks groups parsed items into chunks whose line ranges are
// derived from the absolute transcript offsets, so re-running a failed
// sync regenerates identical chunk ids.
func transcriptChunks(items []transcript.Item, startOffset int) []Chunk {
	const linesPerChunk = 20

	var chunks []Chunk
	for start := 0; start < len(items); start += linesPerChunk {
		endExcl := start + linesPerChunk
		if endExcl > len(items) {
			endExcl = len(items)
		}
		var b strings.Builder
		for _, item := range items[start:endExcl] {
			speaker := item.Role
			if item.MemberID != "" {
				speaker = item.MemberID
			}
			b.WriteString(speaker)
			b.WriteString(": ")
			b.WriteString(item.Content)
			b.WriteByte('\n')
		}
		chunks = append(chunks, Chunk{
			Text:      strings.TrimSpace(b.String()),
			StartLine: startOffset + start + 1,
			EndLine:   startOffset + endExcl,
		})
	}
	return chunks
}

func nowMs() int64 { return time.Now().UnixMilli() }

func chunkIdxs(chunks []ChunkRow) []int64 {
	out := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ChunkIdx)
	}
	return out
}
