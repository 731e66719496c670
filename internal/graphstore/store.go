package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/naudhr/tup/internal/cache"
)

// Store is the persistent relational graph described in design §4.1. All
// mutation happens inside a Txn opened with Begin and closed with Commit
// or Rollback.
type Store struct {
	db    *sql.DB
	log   *logrus.Entry
	cache *cache.Cache
}

// schemaStmts creates the tables from design §3's physical mapping.
// Grounded on Yakitrak-obsidian-cli/pkg/embeddings/sqlite.Store.EnsureSchema's
// "slice of DDL statements run in order" shape.
var schemaStmts = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type INTEGER NOT NULL,
		mtime_kind INTEGER NOT NULL,
		mtime_sec INTEGER NOT NULL DEFAULT 0,
		mtime_nsec INTEGER NOT NULL DEFAULT 0,
		display TEXT NOT NULL DEFAULT '',
		flags_str TEXT NOT NULL DEFAULT '',
		srcid INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS nodes_parent_name ON nodes(parent_id, name);`,
	`CREATE TABLE IF NOT EXISTS links (
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		style INTEGER NOT NULL,
		PRIMARY KEY (from_id, to_id, style)
	);`,
	`CREATE INDEX IF NOT EXISTS links_to ON links(to_id);`,
	`CREATE TABLE IF NOT EXISTS flags (
		node_id INTEGER NOT NULL,
		which INTEGER NOT NULL,
		PRIMARY KEY (node_id, which)
	);`,
	`CREATE TABLE IF NOT EXISTS vars (
		node_id INTEGER PRIMARY KEY,
		vardb_path TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS envs (
		node_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		snapshot_valid INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS exclusions (
		dir_id INTEGER NOT NULL,
		pattern TEXT NOT NULL,
		PRIMARY KEY (dir_id, pattern)
	);`,
}

// RootNodeID is the id of the implicit Root node created by Open when the
// schema is first initialized.
const RootNodeID NodeID = 1

// Open opens (creating if necessary) the Graph Store at path, which is
// conventionally ".tup/db" under the project root (design §6).
func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if path == "" {
		return nil, errors.New("tup: store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tup: create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tup: open store: %w", err)
	}
	// The Store is single-writer/multi-reader at the Go level (design §5);
	// force the driver to serialize through one connection so sqlite's own
	// locking never surprises the writer goroutine.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.WithField("component", "graphstore"), cache: cache.New()}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	for _, stmt := range schemaStmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("tup: apply schema: %w", err)
		}
	}
	var count int
	if err := s.db.QueryRow(`SELECT count(*) FROM nodes WHERE id = ?`, RootNodeID).Scan(&count); err != nil {
		return fmt.Errorf("tup: probe root node: %w", err)
	}
	if count == 0 {
		_, err := s.db.Exec(
			`INSERT INTO nodes (id, parent_id, name, type, mtime_kind) VALUES (?, ?, '', ?, ?)`,
			RootNodeID, NoNode, TypeRoot, MtimeInvalid)
		if err != nil {
			return fmt.Errorf("tup: create root node: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn is an explicit, releasable transaction resource: every mutating
// Store operation takes one, and the caller commits or rolls back on
// every exit path (design §9 "Transactions").
type Txn struct {
	tx   *sql.Tx
	s    *Store
	done bool
}

// Begin opens a new transaction. The caller must call Commit or Rollback
// exactly once.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tup: begin transaction: %w", err)
	}
	return &Txn{tx: tx, s: s}, nil
}

// Commit finalizes the transaction.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("tup: commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after a successful
// Commit (no-op) so callers can defer it unconditionally.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.cache.Invalidate()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("tup: rollback transaction: %w", err)
	}
	return nil
}
