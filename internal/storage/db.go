package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrBusy reports transient storage contention (SQLite lock/busy).
// Callers may retry the operation after a short backoff.
var ErrBusy = errors.New("storage busy")

// ErrNotFound reports a lookup for a row that does not exist.
var ErrNotFound = errors.New("item not found")

// Options controls the connection pool and contention behavior of the
// underlying SQLite store.
type Options struct {
	MaxConnections int // pool size, 1..=20
	BusyTimeoutMs  int // SQLite busy_timeout pragma
}

// DefaultOptions returns the pool settings used when none are configured.
func DefaultOptions() Options {
	return Options{MaxConnections: 5, BusyTimeoutMs: 5000}
}

// DB wraps the gorm handle for the single-file queue store.
type DB struct {
	Conn *gorm.DB
}

// Open opens (or creates) the queue database at path with WAL
// journaling and the configured busy timeout, and migrates the schema.
func Open(path string, opts Options) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go through the DSN so every pooled connection gets them,
	// not just the one Exec happens to run on.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeoutMs)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if opts.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxConnections)
		}
	}

	// AutoMigrate is additive, so re-opening a store created by an
	// older schema keeps its rows.
	if err := db.AutoMigrate(&Item{}, &Attempt{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue schema: %w", err)
	}

	return &DB{Conn: db}, nil
}

// OpenInMemory opens a throwaway in-memory store, used by tests.
func OpenInMemory() (*DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// A second pooled connection would see its own empty in-memory
	// database, so the pool is pinned to one.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Item{}, &Attempt{}); err != nil {
		return nil, err
	}
	return &DB{Conn: db}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.Conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so the main database file is
// current before shutdown.
func (d *DB) Checkpoint() error {
	return d.Conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ClassifyErr maps a storage error onto the typed sentinels the queue
// layer exposes: ErrNotFound, ErrBusy for transient lock contention, or
// the original (fatal) error.
func ClassifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// IsBusy reports whether err is transient SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
