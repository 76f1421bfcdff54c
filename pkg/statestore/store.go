// Package statestore keeps durable node state in a local SQLite database:
// the last known iteration rate per node identity, the history of result
// submissions and a summary of each agent cycle.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	// DefaultFileName is the database file name inside the work directory.
	DefaultFileName = "primeloop.db"
)

type Config struct {
	// Path is a local filesystem path to the database, or ":memory:".
	Path string

	// BusyTimeout bounds how long a writer waits for a sibling process.
	// Default: 5s
	BusyTimeout time.Duration
}

// Store is a handle on the state database. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the state database and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serializes
	// writers inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state store: %w", err)
	}
	if err := configure(ctx, db, dsn, cfg.BusyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckHealth reports whether the database still answers.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("state store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." {
		// #nosec G301 -- work directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create state store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string, busy time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Sibling agents in the same work directory share this file.
	var busyTimeout int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())).Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn == ":memory:" {
		return nil
	}
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_rate (
			guid TEXT PRIMARY KEY,
			exponent INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			msec_per_iter REAL NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			line TEXT NOT NULL,
			path TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			submitted_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_at ON submissions(submitted_at);`,
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			queue_depth INTEGER NOT NULL,
			fetched INTEGER NOT NULL,
			submitted INTEGER NOT NULL,
			reported INTEGER NOT NULL,
			error TEXT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate state store: %w", err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
