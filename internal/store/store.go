// Package store is the SQLite-backed content cache: fetched and ingested
// documents keyed by normalized URL, their chunk embeddings per model, and
// remembered user facts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"ragent/internal/embedding"
	"ragent/internal/logging"
)

// Config configures Open.
type Config struct {
	Driver string        // "sqlite" (modernc, default) or "sqlite3" (mattn, cgo)
	Path   string        // database file
	TTL    time.Duration // lifetime of cached entries
}

// Store owns the cache database. All methods are safe for concurrent use;
// every mutation runs inside its own transaction.
type Store struct {
	db        *sql.DB
	driver    string
	path      string
	ttl       time.Duration
	vectorSQL bool // vec_distance_cosine usable in queries
	now       func() time.Time
}

// Open opens (creating if needed) the cache database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn, err := buildDSN(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, driver: cfg.Driver, path: cfg.Path, ttl: cfg.TTL, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVectorSQL()
	if s.vectorSQL {
		logging.Store("Vector distance available in SQL (driver=%s)", cfg.Driver)
	} else {
		logging.StoreWarn("%s not available on driver %s; ranking chunks in Go", distanceFunc, cfg.Driver)
	}

	logging.Store("Content cache opened at %s (driver=%s, ttl=%v)", cfg.Path, cfg.Driver, cfg.TTL)
	return s, nil
}

func buildDSN(driver, path string) (string, error) {
	switch driver {
	case "sqlite":
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", nil
	case "sqlite3":
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS content_cache (
			url_hash TEXT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			content TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			links_json TEXT NOT NULL DEFAULT '[]',
			fetch_timestamp INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			summary_status TEXT NOT NULL DEFAULT 'none',
			summary TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_cache_expires ON content_cache(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_content_cache_summary ON content_cache(summary_status)`,
		`CREATE TABLE IF NOT EXISTS chunk_embedding_status (
			cache_id TEXT NOT NULL,
			model TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (cache_id, model)
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			cache_id TEXT NOT NULL,
			model TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			PRIMARY KEY (cache_id, model, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// detectVectorSQL checks whether vec_distance_cosine can be called.
func (s *Store) detectVectorSQL() {
	probe := embedding.SerializeVector([]float32{1, 0})
	var d float64
	err := s.db.QueryRow("SELECT "+distanceFunc+"(?, ?)", probe, probe).Scan(&d)
	s.vectorSQL = err == nil
}

// VectorSQL reports whether chunk ranking runs inside SQLite.
func (s *Store) VectorSQL() bool { return s.vectorSQL }

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
