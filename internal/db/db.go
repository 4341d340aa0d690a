// Package db handles database connectivity, migrations, and data access
// for the frostd daemon. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("db: not found")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "data/frostd.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
//
// For SQLite the containing directory is created with owner-only permissions,
// and the permissions are re-asserted on every startup.
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	if driver == "sqlite" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, fmt.Errorf("restrict data dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		q := m
		if s.driver == "postgres" {
			q = strings.ReplaceAll(q, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		}
		if _, err := s.db.Exec(q); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, q)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		username         TEXT NOT NULL UNIQUE,
		password_hash    TEXT NOT NULL,
		encryption_salt  TEXT NOT NULL,
		group_credential TEXT,
		share_credential TEXT,
		relays           TEXT,
		peer_policies    TEXT,
		display_name     TEXT,
		role             TEXT NOT NULL DEFAULT 'user',
		transport_secret TEXT,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ip_address  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_last_access ON sessions(last_access)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id                 TEXT PRIMARY KEY,
		prefix             TEXT NOT NULL UNIQUE,
		token_hash         TEXT NOT NULL,
		label              TEXT,
		created_by_user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		created_by_admin   INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		last_used_at       INTEGER,
		last_used_ip       TEXT,
		revoked_at         INTEGER,
		revoked_reason     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS api_keys_prefix ON api_keys(prefix)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		identifier   TEXT NOT NULL,
		bucket       TEXT NOT NULL,
		count        INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		last_attempt INTEGER NOT NULL,
		UNIQUE(identifier, bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS rate_limits_last_attempt ON rate_limits(last_attempt)`,
	`CREATE TABLE IF NOT EXISTS nip46_sessions (
		user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_pubkey  TEXT NOT NULL,
		status         TEXT NOT NULL,
		profile        TEXT,
		relays         TEXT,
		policy         TEXT,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		last_active_at INTEGER,
		UNIQUE(user_id, client_pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS nip46_session_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_pubkey TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		detail        TEXT,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nip46_requests (
		id             TEXT PRIMARY KEY,
		user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		session_pubkey TEXT NOT NULL,
		method         TEXT NOT NULL,
		payload        TEXT,
		legacy         BOOLEAN NOT NULL DEFAULT FALSE,
		status         TEXT NOT NULL,
		result         TEXT,
		error          TEXT,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS nip46_requests_user_status ON nip46_requests(user_id, status)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Error classification ─────────────────────────────────────────────────────

// IsBusy reports whether err is a transient lock-contention error that a
// caller should retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// IsTransient reports whether err is a storage error worth retrying or
// degrading around, as opposed to a programming error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"busy", "locked", "i/o", "ioerr", "corrupt", "disk", "full"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for runtime config overrides and
// similar persistent state.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// DeleteKV removes a key.
func (s *Store) DeleteKV(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = `+s.ph(1), key)
	return err
}

// ListKV returns all key-value pairs whose key starts with prefix.
func (s *Store) ListKV(prefix string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE key LIKE `+s.ph(1), prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ph returns the SQL placeholder token for argument n (1-based).
// SQLite uses ? and PostgreSQL uses $n.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
