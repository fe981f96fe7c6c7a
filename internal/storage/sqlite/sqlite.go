// Package sqlite stores session history in a local SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/goodtune/kguard/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store on a SQLite database.
type Store struct {
	db         *sql.DB
	usageStore *usageStore
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := storage.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite limitation
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:         db,
		usageStore: &usageStore{db: db},
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := getMigrations()
	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migrations[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// getMigrations returns all database migrations
func getMigrations() map[int]string {
	return map[int]string{
		1: migration001Sessions,
		2: migration002DailyUsage,
	}
}

// Timestamps are stored as Unix nanoseconds so ordering is numeric.
const migration001Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	age_group TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	last_observed_at INTEGER NOT NULL,
	ended_at INTEGER,
	elapsed_minutes INTEGER NOT NULL DEFAULT 0,
	limit_minutes INTEGER NOT NULL DEFAULT 0,
	bedtime TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	end_reason TEXT NOT NULL DEFAULT '',
	lock_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_sessions_started ON sessions(started_at DESC);
`

const migration002DailyUsage = `
CREATE TABLE IF NOT EXISTS daily_usage (
	date TEXT NOT NULL,
	age_group TEXT NOT NULL,
	total_minutes INTEGER NOT NULL DEFAULT 0,
	sessions INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, age_group)
);
`
