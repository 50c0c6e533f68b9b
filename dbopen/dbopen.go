// Package dbopen opens SQLite databases with the pragmas every store in the
// mirror relies on. Pragmas are passed as DSN parameters so they hold on
// every pooled connection, not only the first one.
//
// Defaults:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("ops.db", dbopen.WithMkdirAll())
//
// Generation indexes are immutable once published and are opened with
// WithReadOnly. In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type config struct {
	driver      string
	busyTimeout int
	cacheSize   int
	synchronous string
	journalMode string
	foreignKeys bool
	readOnly    bool
	mkdirAll    bool
	schemas     []string
	ping        bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		journalMode: "WAL",
		foreignKeys: true,
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithCacheSize sets PRAGMA cache_size. Negative values are KiB.
func WithCacheSize(pages int) Option { return func(c *config) { c.cacheSize = pages } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithJournalMode sets PRAGMA journal_mode. Default: "WAL". Generation
// indexes are built with "DELETE" so the finished file is self-contained.
func WithJournalMode(mode string) Option { return func(c *config) { c.journalMode = mode } }

// WithReadOnly opens the file read-only and immutable: no journal, no locks,
// no writes. Only valid for files nobody will modify again.
func WithReadOnly() Option { return func(c *config) { c.readOnly = true } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute after opening.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithoutForeignKeys disables PRAGMA foreign_keys.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// Open opens an SQLite database at path. The caller must blank-import the
// driver (modernc.org/sqlite for the default "sqlite" name).
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	memory := path == ":memory:"
	if cfg.readOnly {
		if memory {
			return nil, fmt.Errorf("dbopen: read-only in-memory database")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("dbopen: %w", err)
		}
	}
	if cfg.mkdirAll && !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests. MaxOpenConns is 1
// because each connection to ":memory:" is a separate database. The
// database is closed on t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func pragmas(cfg *config) []string {
	fk := 1
	if !cfg.foreignKeys {
		fk = 0
	}
	p := []string{
		fmt.Sprintf("foreign_keys(%d)", fk),
		fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout),
	}
	if !cfg.readOnly {
		p = append(p,
			fmt.Sprintf("journal_mode(%s)", strings.ToUpper(cfg.journalMode)),
			fmt.Sprintf("synchronous(%s)", strings.ToUpper(cfg.synchronous)))
	}
	if cfg.cacheSize != 0 {
		p = append(p, fmt.Sprintf("cache_size(%d)", cfg.cacheSize))
	}
	return p
}

func dsn(path string, cfg *config) string {
	q := url.Values{}
	for _, p := range pragmas(cfg) {
		q.Add("_pragma", p)
	}
	if path == ":memory:" {
		return ":memory:?" + q.Encode()
	}
	if cfg.readOnly {
		q.Set("mode", "ro")
		q.Set("immutable", "1")
	}
	return "file:" + path + "?" + q.Encode()
}
