// Package storage provides the durable local store for Ambulink.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ambulink/ambulink/internal/logging"
)

// Driver names accepted by Config.Driver
const (
	DriverModernc = "sqlite"  // pure Go, always available
	DriverCgo     = "sqlite3" // mattn/go-sqlite3, cgo builds only
)

// DB wraps the SQLite database connection
type DB struct {
	conn     *sql.DB
	path     string
	driver   string
	isMemory bool
	log      *logging.Logger
}

// Config for database initialization
type Config struct {
	Path     string          // Path to database file
	InMemory bool            // Use in-memory database (for testing)
	Driver   string          // database/sql driver name, defaults to DriverModernc
	Logger   *logging.Logger // optional
}

// Open opens or creates a SQLite database
func Open(cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if !slices.Contains(sql.Drivers(), driver) {
		return nil, fmt.Errorf("sqlite driver %q not available in this build", driver)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	var dsn string
	if cfg.InMemory {
		// Each in-memory database gets its own name so tests never share state.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = cfg.Path
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{
		conn:     conn,
		path:     cfg.Path,
		driver:   driver,
		isMemory: cfg.InMemory,
		log:      log.WithField("component", "storage"),
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for direct access
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Driver returns the database/sql driver in use
func (db *DB) Driver() string {
	return db.driver
}

// Transaction executes a function within a transaction
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
