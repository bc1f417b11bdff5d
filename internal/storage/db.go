// Package storage keeps the hub's chat messages in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// DB wraps the hub SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serialises writers
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			room     TEXT PRIMARY KEY,
			version  INTEGER NOT NULL DEFAULT 0,
			next_seq INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			room         TEXT NOT NULL REFERENCES rooms(room) ON DELETE CASCADE,
			seq          INTEGER NOT NULL,
			ts           INTEGER NOT NULL,
			user         TEXT NOT NULL,
			body         TEXT NOT NULL,
			client_id    TEXT,
			reply_to     INTEGER,
			delivered_at INTEGER,
			read_at      INTEGER,
			updated_at   INTEGER,
			reactions    TEXT NOT NULL DEFAULT '{}',
			UNIQUE (room, seq)
		);
		CREATE INDEX IF NOT EXISTS messages_client ON messages (room, client_id);
		CREATE TABLE IF NOT EXISTS streaks (
			room           TEXT PRIMARY KEY,
			current        INTEGER NOT NULL DEFAULT 0,
			last_completed TEXT NOT NULL DEFAULT '',
			last_e         TEXT NOT NULL DEFAULT '',
			last_m         TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Migration: edit and reaction columns (databases from before they existed)
	db.Exec(`ALTER TABLE messages ADD COLUMN updated_at INTEGER`)
	db.Exec(`ALTER TABLE messages ADD COLUMN reactions TEXT NOT NULL DEFAULT '{}'`)

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// Ping checks the database is reachable (health endpoint).
func (d *DB) Ping() error {
	return d.db.Ping()
}
