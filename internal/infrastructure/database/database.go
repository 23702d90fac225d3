package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// openTimeout bounds the connectivity check in Open.
	openTimeout = 5 * time.Second

	connMaxIdleTime = 30 * time.Minute
)

// DB wraps the sql.DB handle for the bridge's local store. The store
// holds the command journal and device state history; everything else
// the daemon needs lives in memory and is rebuilt from the cloud on
// startup, so losing the file costs history but never correctness.
type DB struct {
	*sql.DB
	path string
}

// Config carries the database section of config.yaml.
type Config struct {
	// Path is the SQLite file location. Parent directories are
	// created on first open.
	Path string

	// WALMode enables write-ahead logging so journal reads from the
	// API do not block history writes from the refresh loop.
	WALMode bool

	// BusyTimeout is how long a statement waits on a lock, in seconds.
	BusyTimeout int
}

// Open opens (creating if necessary) the SQLite file at cfg.Path,
// applies the connection pragmas and verifies connectivity with a
// bounded ping. The pool is pinned to a single connection because
// SQLite allows one writer and the daemon's write volume (one journal
// row per command transition, one history row per observed change) is
// tiny.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas ride on the DSN, see github.com/mattn/go-sqlite3.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout*1000)
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(time.Hour)
	handle.SetConnMaxIdleTime(connMaxIdleTime)

	db := &DB{DB: handle, path: cfg.Path}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		handle.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	// The file may not exist until the first write, so a chmod failure
	// here is not an error.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck

	return db, nil
}

// Close releases the underlying handle. Safe to call on a DB whose
// open failed partway.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the location of the SQLite file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query to confirm the store is reachable.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
