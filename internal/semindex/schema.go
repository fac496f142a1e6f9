package semindex

import (
	"database/sql"
	"fmt"

	. "github.com/halohq/halo/internal/logging"
)

const schemaVersion = 1

// initSchema creates the semantic index tables and indexes.
func initSchema(db *sql.DB) error {
	L_debug("semindex: initializing schema", "version", schemaVersion)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("semindex: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("semindex: failed to set busy timeout", "error", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS index_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create index_meta table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM index_meta WHERE key = 'schema_version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if currentVersion < schemaVersion {
		if err := migrateSchema(db, currentVersion); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	L_debug("semindex: schema ready", "version", schemaVersion)
	return nil
}

func migrateSchema(db *sql.DB, fromVersion int) error {
	L_info("semindex: migrating schema", "from", fromVersion, "to", schemaVersion)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fromVersion < 1 {
		if err := migrateV1(tx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO index_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	return tx.Commit()
}

func migrateV1(tx *sql.Tx) error {
	L_debug("semindex: creating v1 schema")

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS index_files (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			mtime_ms INTEGER NOT NULL,
			size INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create index_files: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS index_chunks (
			chunk_idx INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_id TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			embedding_model TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			superseded_by INTEGER,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_access_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create index_chunks: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chunks_path ON index_chunks(path);
	`); err != nil {
		return fmt.Errorf("create chunk indexes: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chunks_active ON index_chunks(active);
	`); err != nil {
		return fmt.Errorf("create chunk indexes: %w", err)
	}

	// FTS5 mirror kept in sync by triggers. Ranked text search comes
	// from here; vector search reads embeddings off the base table.
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS index_chunks_fts USING fts5(
			content,
			content='index_chunks',
			content_rowid='chunk_idx'
		)
	`); err != nil {
		return fmt.Errorf("create index_chunks_fts: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS index_chunks_ai AFTER INSERT ON index_chunks BEGIN
			INSERT INTO index_chunks_fts(rowid, content) VALUES (new.chunk_idx, new.content);
		END;
	`); err != nil {
		return fmt.Errorf("create fts insert trigger: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS index_chunks_ad AFTER DELETE ON index_chunks BEGIN
			INSERT INTO index_chunks_fts(index_chunks_fts, rowid, content) VALUES ('delete', old.chunk_idx, old.content);
		END;
	`); err != nil {
		return fmt.Errorf("create fts delete trigger: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (content_hash, model)
		)
	`); err != nil {
		return fmt.Errorf("create embedding_cache: %w", err)
	}

	return nil
}
