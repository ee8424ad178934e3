// Package storage persists the client's local state in SQLite: the saved
// login session, recently used accounts, and chat history.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the client's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database under configDir.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between the read paths and the write paths.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			username   TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			last_login DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			server_id       INTEGER,
			local_id        TEXT,
			sender_id       INTEGER NOT NULL,
			receiver_id     INTEGER NOT NULL,
			content         TEXT NOT NULL,
			timestamp       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv
			ON messages (conversation_id, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
