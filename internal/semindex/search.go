package semindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	. "github.com/halohq/halo/internal/logging"
)

// Search tuning defaults.
const (
	DefaultRRFK            = 60
	DefaultVectorWeight    = 1.0
	DefaultTextWeight      = 1.0
	DefaultHalfLifeDays    = 30.0
	DefaultAccessWeight    = 0.2
	DefaultMinScore        = 0.005
	DefaultTopK            = 8
	candidateFetchMultiple = 3
)

// SearchResult is one ranked hit.
type SearchResult struct {
	ChunkIdx    int64   `json:"chunkIdx"`
	ChunkID     string  `json:"chunkId"`
	Path        string  `json:"path"`
	Content     string  `json:"content"`
	StartLine   int     `json:"startLine"`
	EndLine     int     `json:"endLine"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vectorScore"`
	TextScore   float64 `json:"textScore"`
}

// SearchOptions tunes one query.
type SearchOptions struct {
	TopK         int
	RRFK         int
	VectorWeight float64
	TextWeight   float64
	HalfLifeDays float64
	AccessWeight float64
	MinScore     float64

	// Prefilter drops candidates before scoring (policy gate).
	Prefilter func(SearchResult) bool
	// NeighborExpansion may add adjacent chunks after scoring.
	NeighborExpansion func(context.Context, []SearchResult) []SearchResult
	// Rerank reorders (or rescores) the gated set.
	Rerank func(context.Context, []SearchResult) []SearchResult
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.RRFK <= 0 {
		o.RRFK = DefaultRRFK
	}
	if o.VectorWeight <= 0 {
		o.VectorWeight = DefaultVectorWeight
	}
	if o.TextWeight <= 0 {
		o.TextWeight = DefaultTextWeight
	}
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = DefaultHalfLifeDays
	}
	if o.AccessWeight < 0 {
		o.AccessWeight = DefaultAccessWeight
	}
	if o.MinScore <= 0 {
		o.MinScore = DefaultMinScore
	}
	return o
}

// Search runs the hybrid rank-fusion query: top-K by vector and by FTS
// text, fused with reciprocal ranks, boosted by recency and access, then
// passed through the optional hook chain.
func (m *Manager) Search(ctx context.Context, query string, queryEmbedding []float32, opts SearchOptions) ([]SearchResult, error) {
	opts = opts.withDefaults()
	fetchK := opts.TopK * candidateFetchMultiple

	vecRanks, err := m.vectorRanks(queryEmbedding, fetchK)
	if err != nil {
		return nil, err
	}
	textRanks, err := m.textRanks(query, fetchK)
	if err != nil {
		return nil, err
	}

	nowMs := m.now()
	type scored struct {
		row  ChunkRow
		res  SearchResult
		base float64
	}
	byIdx := make(map[int64]*scored)

	collect := func(rows []ChunkRow) {
		for _, r := range rows {
			if _, ok := byIdx[r.ChunkIdx]; ok {
				continue
			}
			byIdx[r.ChunkIdx] = &scored{
				row: r,
				res: SearchResult{
					ChunkIdx:  r.ChunkIdx,
					ChunkID:   r.ChunkID,
					Path:      r.Path,
					Content:   r.Content,
					StartLine: r.StartLine,
					EndLine:   r.EndLine,
				},
			}
		}
	}
	collect(vecRanks)
	collect(textRanks)

	var results []SearchResult
	for idx, s := range byIdx {
		if opts.Prefilter != nil && !opts.Prefilter(s.res) {
			continue
		}

		vScore := rrfScore(vecRanks, idx, opts.VectorWeight, opts.RRFK)
		tScore := rrfScore(textRanks, idx, opts.TextWeight, opts.RRFK)
		base := vScore + tScore

		ageDays := float64(nowMs-s.row.CreatedAtMs) / float64(dayMillis)
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 1 + math.Exp2(-ageDays/opts.HalfLifeDays)
		access := 1 + math.Log1p(float64(s.row.AccessCount))*opts.AccessWeight

		s.res.VectorScore = vScore
		s.res.TextScore = tScore
		s.res.Score = base * recency * access
		if s.res.Score < opts.MinScore {
			continue
		}
		results = append(results, s.res)
	}
	sortResults(results)

	if opts.NeighborExpansion != nil {
		results = opts.NeighborExpansion(ctx, results)
		results = m.applyGate(results, opts)
	}
	if opts.Rerank != nil {
		results = opts.Rerank(ctx, results)
		results = m.applyGate(results, opts)
	}

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	accessed := make([]int64, 0, len(results))
	for _, r := range results {
		accessed = append(accessed, r.ChunkIdx)
	}
	if err := m.store.MarkAccessed(accessed); err != nil {
		L_warn("semindex: access marking failed", "error", err)
	}

	L_trace("semindex: search", "query", query, "results", len(results))
	return results, nil
}

// applyGate re-runs the policy gate after a hook mutated the set:
// prefilter, dedupe by chunk idx, min-score cut, stable re-sort.
func (m *Manager) applyGate(results []SearchResult, opts SearchOptions) []SearchResult {
	seen := make(map[int64]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.ChunkIdx] {
			continue
		}
		seen[r.ChunkIdx] = true
		if opts.Prefilter != nil && !opts.Prefilter(r) {
			continue
		}
		if r.Score < opts.MinScore {
			continue
		}
		out = append(out, r)
	}
	sortResults(out)
	return out
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)

func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkIdx < results[j].ChunkIdx
	})
}

// rrfScore is weight / (k + rank), 0 when the chunk is not in the list.
func rrfScore(ranked []ChunkRow, chunkIdx int64, weight float64, k int) float64 {
	for rank, r := range ranked {
		if r.ChunkIdx == chunkIdx {
			return weight / float64(k+rank+1)
		}
	}
	return 0
}

// vectorRanks returns the top-K active chunks by cosine similarity.
func (m *Manager) vectorRanks(queryEmbedding []float32, k int) ([]ChunkRow, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	rows, err := m.store.db.Query(`
		SELECT chunk_idx, chunk_id, path, start_line, end_line, content, content_hash,
		       token_count, embedding, active, superseded_by, access_count, last_access_ms, created_at_ms
		FROM index_chunks WHERE active = 1 AND embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}

	type sim struct {
		row ChunkRow
		sim float64
	}
	sims := make([]sim, 0, len(chunks))
	for _, c := range chunks {
		if s := cosineSimilarity(queryEmbedding, c.Embedding); s > 0 {
			sims = append(sims, sim{row: c, sim: s})
		}
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].sim > sims[j].sim })
	if len(sims) > k {
		sims = sims[:k]
	}
	out := make([]ChunkRow, len(sims))
	for i, s := range sims {
		out[i] = s.row
	}
	return out, nil
}

// textRanks returns the top-K active chunks by FTS5 rank.
func (m *Manager) textRanks(query string, k int) ([]ChunkRow, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}

	rows, err := m.store.db.Query(`
		SELECT c.chunk_idx, c.chunk_id, c.path, c.start_line, c.end_line, c.content,
		       c.content_hash, c.token_count, c.embedding, c.active, c.superseded_by,
		       c.access_count, c.last_access_ms, c.created_at_ms
		FROM index_chunks_fts f
		JOIN index_chunks c ON c.chunk_idx = f.rowid
		WHERE index_chunks_fts MATCH ? AND c.active = 1
		ORDER BY f.rank
		LIMIT ?
	`, sanitized, k)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// sanitizeFTSQuery quotes each term so user input cannot inject FTS5
// operators.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}
