package store

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer: the persistent compile-time
// database holding files, fragments, symbols, dependency edges, committed
// patches, and the epoch counter.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  text            BLOB,
  text_hash       TEXT,
  last_indexed    TIMESTAMP
);

-- One row per top-level declaration, keyed by its stable identity.
-- Replacement is an UPDATE of this row, so edges held by other consumers
-- keep pointing at the same declaration across edits.
CREATE TABLE IF NOT EXISTS fragments (
  file_id         INTEGER NOT NULL REFERENCES files(id),
  kind            TEXT NOT NULL,
  name            TEXT NOT NULL,
  text_hash       TEXT NOT NULL,
  structure_hash  TEXT NOT NULL,
  interface_hash  TEXT NOT NULL,
  ast             TEXT NOT NULL,
  generation      INTEGER NOT NULL DEFAULT 0,
  dirty           BOOLEAN NOT NULL DEFAULT FALSE,
  epoch           INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (file_id, kind, name)
);

CREATE TABLE IF NOT EXISTS symbols (
  sid             INTEGER PRIMARY KEY,
  name            TEXT NOT NULL UNIQUE,
  kind            TEXT NOT NULL,
  file_id         INTEGER NOT NULL,
  frag_kind       TEXT NOT NULL,
  frag_name       TEXT NOT NULL,
  type_expr       TEXT
);

CREATE TABLE IF NOT EXISTS dependency_edges (
  consumer_file_id INTEGER NOT NULL,
  consumer_kind    TEXT NOT NULL,
  consumer_name    TEXT NOT NULL,
  provider_file_id INTEGER NOT NULL,
  provider_kind    TEXT NOT NULL,
  provider_name    TEXT NOT NULL,
  edge_kind        TEXT NOT NULL DEFAULT 'body',
  PRIMARY KEY (consumer_file_id, consumer_kind, consumer_name,
               provider_file_id, provider_kind, provider_name)
);

CREATE TABLE IF NOT EXISTS patches (
  file_id         INTEGER NOT NULL,
  frag_kind       TEXT NOT NULL,
  frag_name       TEXT NOT NULL,
  sid             INTEGER NOT NULL,
  code            BLOB NOT NULL,
  relocations     TEXT NOT NULL,
  checksum        TEXT NOT NULL,
  epoch           INTEGER NOT NULL,
  PRIMARY KEY (file_id, frag_kind, frag_name)
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fragments_file ON fragments(file_id);
CREATE INDEX IF NOT EXISTS idx_fragments_dirty ON fragments(dirty);
CREATE INDEX IF NOT EXISTS idx_symbols_frag ON symbols(file_id, frag_kind, frag_name);
-- Reverse lookup must be cheap: invalidation always walks provider -> consumer.
CREATE INDEX IF NOT EXISTS idx_edges_provider
  ON dependency_edges(provider_file_id, provider_kind, provider_name);
CREATE INDEX IF NOT EXISTS idx_edges_consumer
  ON dependency_edges(consumer_file_id, consumer_kind, consumer_name);
`

// GetMetadata retrieves a metadata value by key. Returns "" if absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores a metadata key/value pair.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// Epoch returns the current logical epoch. Zero on a fresh database.
func (s *Store) Epoch() (int64, error) {
	v, err := s.GetMetadata("epoch")
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse epoch %q: %w", v, err)
	}
	return epoch, nil
}

// bumpEpochTx increments the epoch inside an open transaction and returns
// the new value.
func bumpEpochTx(tx *sql.Tx) (int64, error) {
	var cur string
	err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'epoch'").Scan(&cur)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read epoch: %w", err)
	}
	epoch := int64(0)
	if cur != "" {
		epoch, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse epoch %q: %w", cur, err)
		}
	}
	epoch++
	_, err = tx.Exec(
		"INSERT INTO metadata (key, value) VALUES ('epoch', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		strconv.FormatInt(epoch, 10),
	)
	if err != nil {
		return 0, fmt.Errorf("write epoch: %w", err)
	}
	return epoch, nil
}
