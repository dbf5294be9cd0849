// Package store provides the local embedded SQLite store for replica.
//
// The store holds every replicated table declared in the catalog plus the
// sync bookkeeping tables:
//
//   - change_log: append-only log of captured local mutations
//   - sync_metadata: last sync time/version per table
//   - sync_state: key/value markers (last_sequence_id, device_id)
//   - sync_conflicts: unresolved conflicts awaiting a user decision
//
// Local writes go through Insert, Update and Delete, which capture a change
// log entry inside the same transaction. Server-origin writes go through
// UpsertRemote and DeleteRemote and are never captured.
//
// The database runs in WAL mode so readers are not blocked by the sync
// engine's write transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/replicasync/replica/internal/catalog"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownTable is returned for tables missing from the catalog.
	ErrUnknownTable = errors.New("unknown table")
)

// Notifier is told about every committed local mutation.
// Notify must not block.
type Notifier interface {
	Notify(table string)
}

// Store wraps the SQLite connection with change capture and sync bookkeeping.
type Store struct {
	conn    *sql.DB
	path    string
	catalog *catalog.Catalog

	capture ChangeCapture
	guard   atomic.Bool

	notifyMu sync.RWMutex
	notifier Notifier
	swapHook SwapHook
}

// Open opens (creating if needed) the database at path for the given catalog.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open(".replica/replica.db", cat)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, cat *catalog.Catalog) (*Store, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:    conn,
		path:    path,
		catalog: cat,
		capture: logCapture{},
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Catalog returns the catalog the store was opened with.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalog
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// SetNotifier installs the receiver of local mutation notifications.
func (s *Store) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifier = n
}

// SetCapture replaces the change capture used by the local write path.
func (s *Store) SetCapture(c ChangeCapture) {
	if c == nil {
		c = logCapture{}
	}
	s.capture = c
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

const bookkeepingSchema = `
CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_uuid TEXT NOT NULL,
	operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
	after_data TEXT,
	before_data TEXT,
	created_at TEXT NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'pending'
		CHECK (sync_status IN ('pending', 'synced', 'failed')),
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_change_log_pending
	ON change_log(table_name, sync_status, id);
CREATE INDEX IF NOT EXISTS idx_change_log_record
	ON change_log(table_name, record_uuid);

CREATE TABLE IF NOT EXISTS change_retries (
	entry_id INTEGER PRIMARY KEY REFERENCES change_log(id) ON DELETE CASCADE,
	attempts INTEGER NOT NULL,
	last_error TEXT,
	last_attempt TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_metadata (
	table_name TEXT PRIMARY KEY,
	last_sync_time TEXT,
	last_sync_version INTEGER NOT NULL DEFAULT 0,
	server_last_modified TEXT,
	sync_status TEXT NOT NULL DEFAULT 'never'
);

CREATE TABLE IF NOT EXISTS sync_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_uuid TEXT NOT NULL,
	local_data TEXT,
	server_data TEXT,
	reason TEXT NOT NULL,
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	resolution TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_conflicts_open
	ON sync_conflicts(resolved_at, table_name);
`

// InitSchema creates the bookkeeping tables and one table per catalog entry.
// Columns added to the catalog after a table was created are added in place.
// This is idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, bookkeepingSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	for _, t := range s.catalog.Tables {
		if _, err := s.conn.ExecContext(ctx, createTableSQL(t, t.Name)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		if err := s.addMissingColumns(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func createTableSQL(t *catalog.Table, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(name))
	b.WriteString("\tuuid TEXT PRIMARY KEY,\n")
	b.WriteString("\tversion INTEGER NOT NULL DEFAULT 1,\n")
	b.WriteString("\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\tupdated_at TEXT NOT NULL")
	for _, f := range t.Fields {
		fmt.Fprintf(&b, ",\n\t%s %s", quoteIdent(f.Name), f.Type.SQLType())
	}
	b.WriteString("\n)")
	return b.String()
}

func (s *Store) addMissingColumns(ctx context.Context, t *catalog.Table) error {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(t.Name)))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", t.Name, err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, f := range t.Fields {
		if existing[f.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(t.Name), quoteIdent(f.Name), f.Type.SQLType())
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", t.Name, f.Name, err)
		}
	}
	return nil
}

func (s *Store) table(name string) (*catalog.Table, error) {
	t, ok := s.catalog.Table(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) notify(table string) {
	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n != nil {
		n.Notify(table)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
