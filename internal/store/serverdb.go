// Package store provides the server's durable state backed by embedded
// SQLite databases: server.db with the registered-user and registration-key
// tables, and one database per recipient for queued offline messages.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string; never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of statements that bring server.db up
// to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: registered user ids
	`CREATE TABLE IF NOT EXISTS users (
		userid BLOB NOT NULL
	)`,
	// v2: unused registration keys
	`CREATE TABLE IF NOT EXISTS register (
		regkey BLOB NOT NULL
	)`,
	// v3: enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// ServerDB wraps server.db. All mutations commit before returning; the
// sql.DB pool serialises concurrent use from the listener workers.
type ServerDB struct {
	db *sql.DB
}

// Open opens (or creates) server.db at path and applies pending migrations.
// Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*ServerDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("serverdb busy_timeout", "err", err)
	}

	s := &ServerDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *ServerDB) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *ServerDB) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("serverdb migration applied", "version", v)
	}
	return nil
}

// AddUser records a registered userid.
func (s *ServerDB) AddUser(userID []byte) error {
	_, err := s.db.Exec(`INSERT INTO users(userid) VALUES(?)`, userID)
	return err
}

// UserExists reports whether userID is present in the users table.
func (s *ServerDB) UserExists(userID []byte) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM users WHERE userid = ? LIMIT 1`, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteUser removes a registered userid.
func (s *ServerDB) DeleteUser(userID []byte) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE userid = ?`, userID)
	return err
}

// UserCount returns the number of registered users.
func (s *ServerDB) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// AddRegKey records an unused registration key.
func (s *ServerDB) AddRegKey(regKey []byte) error {
	_, err := s.db.Exec(`INSERT INTO register(regkey) VALUES(?)`, regKey)
	return err
}

// RegKeyExists reports whether regKey is present in the register table.
func (s *ServerDB) RegKeyExists(regKey []byte) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM register WHERE regkey = ? LIMIT 1`, regKey,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConsumeRegKey atomically verifies and removes a registration key.
// Returns false when the key was not present (or already consumed).
func (s *ServerDB) ConsumeRegKey(regKey []byte) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM register WHERE regkey = ?`, regKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
