package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS _migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`

// Migrate applies every embedded migration not yet recorded in _migrations,
// in file name order, each in its own transaction.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(migrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	done, err := db.Migrations()
	if err != nil {
		return err
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	slices.Sort(files)

	for _, file := range files {
		name := path.Base(file)
		if slices.Contains(done, name) {
			continue
		}
		script, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		err = db.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(script)); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO _migrations (name) VALUES (?)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		db.log.WithField("migration", name).Info("applied migration")
	}
	return nil
}

// Migrations lists the names of applied migrations in order
func (db *DB) Migrations() ([]string, error) {
	rows, err := db.conn.Query("SELECT name FROM _migrations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
