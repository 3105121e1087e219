// Package records persists the dashboard's durable state: known apps and
// the task history shown in the UI.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Store is backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	// modernc.org/sqlite takes pragmas through _pragma parameters
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	return open(ctx, dsn, 2)
}

// NewMemoryStore opens a private in-memory database.
func NewMemoryStore(ctx context.Context) (*Store, error) {
	// shared cache lets the pool's connections see one database; the
	// random name keeps separate stores apart
	dsn := fmt.Sprintf("file:wharf-%s?mode=memory&cache=shared", uuid.NewString())
	// shared-cache writers fail with "table is locked" instead of waiting
	return open(ctx, dsn, 1)
}

func open(ctx context.Context, dsn string, conns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(conns)
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		github_url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		task_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		success INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_task_logs_owner_created
		ON task_logs(owner, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
