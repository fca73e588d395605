// Package duckdb persists history, trends and item runtime data in DuckDB
// and serves item configuration to the synchronizers.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/logging"
)

var log = logging.Component("duckdb")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// InsertChunkSize is the number of rows per multi-row INSERT.
	InsertChunkSize int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:            config.DefaultDatabasePath,
		MaxOpenConns:    config.DefaultDatabaseMaxOpenConns,
		InsertChunkSize: config.DefaultInsertChunkSize,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the DuckDB storage adapter.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens the database and creates missing tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = config.DefaultDatabaseMaxOpenConns
	}
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = config.DefaultInsertChunkSize
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}

	s := &Store{db: db, config: cfg}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database opened", "path", cfg.Path, "max_open_conns", cfg.MaxOpenConns)
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}
