// Package semindex maintains the on-disk semantic index: chunked
// markdown and transcript content in SQLite with embeddings, an FTS5
// text mirror and a watermark-driven incremental sync.
package semindex

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/halohq/halo/internal/logging"
)

// ChunkRow is one chunk as stored.
type ChunkRow struct {
	ChunkIdx     int64
	ChunkID      string
	Path         string
	StartLine    int
	EndLine      int
	Content      string
	ContentHash  string
	TokenCount   int
	Embedding    []float32
	Active       bool
	SupersededBy sql.NullInt64
	AccessCount  int
	LastAccessMs int64
	CreatedAtMs  int64
}

// Store is the SQLite-backed chunk store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index db %s: %w", path, err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle, initializing the schema.
func NewStore(db *sql.DB) (*Store, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Meta returns a meta value, or fallback when absent.
func (s *Store) Meta(key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM index_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a meta value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// FileHash returns the stored content hash for a path, or "".
func (s *Store) FileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM index_files WHERE path = ?", path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read file hash %s: %w", path, err)
	}
	return hash, nil
}

// TrackedPaths lists every path in the files table.
func (s *Store) TrackedPaths() ([]string, error) {
	rows, err := s.db.Query("SELECT path FROM index_files")
	if err != nil {
		return nil, fmt.Errorf("list tracked files: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertFile records a file's hash and stats after indexing.
func (s *Store) UpsertFile(path, hash string, mtimeMs, size int64) error {
	_, err := s.db.Exec(`
		INSERT INTO index_files (path, hash, mtime_ms, size, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			mtime_ms = excluded.mtime_ms,
			size = excluded.size,
			indexed_at = excluded.indexed_at
	`, path, hash, mtimeMs, size, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes a file row. Its chunks must already be superseded.
func (s *Store) DeleteFile(path string) error {
	if _, err := s.db.Exec("DELETE FROM index_files WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

// ActiveChunks returns the active chunks for a path.
func (s *Store) ActiveChunks(path string) ([]ChunkRow, error) {
	rows, err := s.db.Query(`
		SELECT chunk_idx, chunk_id, path, start_line, end_line, content, content_hash,
		       token_count, embedding, active, superseded_by, access_count, last_access_ms, created_at_ms
		FROM index_chunks WHERE path = ? AND active = 1
	`, path)
	if err != nil {
		return nil, fmt.Errorf("read active chunks %s: %w", path, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// InsertChunkIgnoreConflicts inserts a chunk, returning the chunk_idx of
// whichever row now owns the chunk id. Re-running a sync after a partial
// failure hits the existing row and gets its id back instead of erroring.
func (s *Store) InsertChunkIgnoreConflicts(c ChunkRow, model string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO index_chunks
			(chunk_id, path, start_line, end_line, content, content_hash,
			 token_count, embedding, embedding_model, active, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, c.ChunkID, c.Path, c.StartLine, c.EndLine, c.Content, c.ContentHash,
		c.TokenCount, encodeVector(c.Embedding), model, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		idx, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
		return idx, nil
	}

	var idx int64
	if err := s.db.QueryRow("SELECT chunk_idx FROM index_chunks WHERE chunk_id = ?", c.ChunkID).Scan(&idx); err != nil {
		return 0, fmt.Errorf("resolve conflicting chunk %s: %w", c.ChunkID, err)
	}
	return idx, nil
}

// SupersedeChunks marks the given chunks inactive, superseded by the
// given target (nil for "no successor"). One statement per target group.
func (s *Store) SupersedeChunks(chunkIdxs []int64, supersededBy *int64) error {
	if len(chunkIdxs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIdxs)), ",")
	args := make([]any, 0, len(chunkIdxs)+1)
	var target any
	if supersededBy != nil {
		target = *supersededBy
	}
	args = append(args, target)
	for _, idx := range chunkIdxs {
		args = append(args, idx)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		UPDATE index_chunks SET active = 0, superseded_by = ?
		WHERE chunk_idx IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("supersede %d chunks: %w", len(chunkIdxs), err)
	}
	return nil
}

// RepairSelfSupersededChunks clears superseded_by where it points at the
// chunk itself, a leftover from interrupted older runs. Returns the
// number of repaired rows.
func (s *Store) RepairSelfSupersededChunks() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE index_chunks SET superseded_by = NULL, active = 1
		WHERE superseded_by = chunk_idx
	`)
	if err != nil {
		return 0, fmt.Errorf("repair self-superseded chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_info("semindex: repaired self-superseded chunks", "count", n)
	}
	return n, nil
}

// SelfSupersededCount reports how many rows still self-reference.
func (s *Store) SelfSupersededCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM index_chunks WHERE superseded_by = chunk_idx").Scan(&n)
	return n, err
}

// CachedEmbedding returns the cached vector for (contentHash, model).
func (s *Store) CachedEmbedding(contentHash, model string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`
		SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?
	`, contentHash, model).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding cache: %w", err)
	}
	return decodeVector(blob), true, nil
}

// CacheEmbedding stores a vector under (contentHash, model).
func (s *Store) CacheEmbedding(contentHash, model string, vec []float32) error {
	_, err := s.db.Exec(`
		INSERT INTO embedding_cache (content_hash, model, embedding, dims, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			embedding = excluded.embedding,
			dims = excluded.dims
	`, contentHash, model, encodeVector(vec), len(vec), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache embedding: %w", err)
	}
	return nil
}

// MarkAccessed bumps access counters for the given chunks.
func (s *Store) MarkAccessed(chunkIdxs []int64) error {
	if len(chunkIdxs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIdxs)), ",")
	args := make([]any, 0, len(chunkIdxs)+1)
	args = append(args, time.Now().UnixMilli())
	for _, idx := range chunkIdxs {
		args = append(args, idx)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		UPDATE index_chunks SET access_count = access_count + 1, last_access_ms = ?
		WHERE chunk_idx IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("mark accessed: %w", err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]ChunkRow, error) {
	var out []ChunkRow
	for rows.Next() {
		var c ChunkRow
		var blob []byte
		var active int
		if err := rows.Scan(&c.ChunkIdx, &c.ChunkID, &c.Path, &c.StartLine, &c.EndLine,
			&c.Content, &c.ContentHash, &c.TokenCount, &blob, &active,
			&c.SupersededBy, &c.AccessCount, &c.LastAccessMs, &c.CreatedAtMs); err != nil {
			return nil, err
		}
		c.Embedding = decodeVector(blob)
		c.Active = active == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeVector packs float32s little-endian; nil vectors stay NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes the cosine of two vectors, 0 when either is
// empty or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
