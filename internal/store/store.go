// Package store handles database connectivity, migrations, and data access
// for the bridge. It supports both SQLite (default, no external dependencies)
// and PostgreSQL (for larger deployments).
//
// Three durable entities back the router: Object (activities and things,
// with per-target delivery state), User (principals, with cross-protocol
// copies), and Follower (directed follow edges). A fourth table holds queue
// tasks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrOwnerMismatch is returned by GetOrCreateObject when the caller is not
// the owner of the existing entity. It prevents cross-tenant overwrite.
var ErrOwnerMismatch = errors.New("authed user does not own existing object")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "brig.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

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
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id              TEXT PRIMARY KEY,
		source_protocol TEXT NOT NULL DEFAULT '',
		our_as1         TEXT NOT NULL DEFAULT '',
		raw             TEXT NOT NULL DEFAULT '',
		users           TEXT NOT NULL DEFAULT '[]',
		notify          TEXT NOT NULL DEFAULT '[]',
		feed            TEXT NOT NULL DEFAULT '[]',
		copies          TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT 'new',
		undelivered     TEXT NOT NULL DEFAULT '[]',
		delivered       TEXT NOT NULL DEFAULT '[]',
		failed          TEXT NOT NULL DEFAULT '[]',
		deleted         INTEGER NOT NULL DEFAULT 0,
		updated         TEXT NOT NULL DEFAULT '',
		version         INTEGER NOT NULL DEFAULT 0
	)`,
	// Link table backing the Object.users/notify/feed secondary index.
	`CREATE TABLE IF NOT EXISTS object_users (
		object_id     TEXT NOT NULL,
		rel           TEXT NOT NULL,
		user_protocol TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		UNIQUE(object_id, rel, user_protocol, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS object_users_user ON object_users(user_protocol, user_id, rel)`,
	// Copy mappings, indexed on the copy uri for reverse lookups.
	`CREATE TABLE IF NOT EXISTS object_copies (
		object_id     TEXT NOT NULL,
		copy_protocol TEXT NOT NULL,
		copy_uri      TEXT NOT NULL,
		UNIQUE(object_id, copy_protocol)
	)`,
	`CREATE INDEX IF NOT EXISTS object_copies_uri ON object_copies(copy_uri)`,
	`CREATE TABLE IF NOT EXISTS users (
		protocol          TEXT NOT NULL,
		id                TEXT NOT NULL,
		handle            TEXT NOT NULL DEFAULT '',
		copies            TEXT NOT NULL DEFAULT '[]',
		enabled_protocols TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL DEFAULT '',
		use_instead       TEXT NOT NULL DEFAULT '',
		manual_opt_out    INTEGER NOT NULL DEFAULT 0,
		direct            INTEGER NOT NULL DEFAULT 0,
		updated           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY(protocol, id)
	)`,
	`CREATE INDEX IF NOT EXISTS users_handle ON users(handle)`,
	`CREATE TABLE IF NOT EXISTS user_copies (
		user_protocol TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		copy_protocol TEXT NOT NULL,
		copy_uri      TEXT NOT NULL,
		UNIQUE(user_protocol, user_id, copy_protocol)
	)`,
	`CREATE INDEX IF NOT EXISTS user_copies_uri ON user_copies(copy_uri)`,
	`CREATE TABLE IF NOT EXISTS followers (
		from_protocol TEXT NOT NULL,
		from_id       TEXT NOT NULL,
		to_protocol   TEXT NOT NULL,
		to_id         TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		follow        TEXT NOT NULL DEFAULT '',
		updated       TEXT NOT NULL DEFAULT '',
		UNIQUE(from_protocol, from_id, to_protocol, to_id)
	)`,
	`CREATE INDEX IF NOT EXISTS followers_to ON followers(to_protocol, to_id, status)`,
	`CREATE INDEX IF NOT EXISTS followers_from ON followers(from_protocol, from_id, status)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		queue      TEXT NOT NULL,
		params     TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		not_before TEXT NOT NULL DEFAULT '',
		done       INTEGER NOT NULL DEFAULT 0,
		created    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_pending ON tasks(queue, done, not_before)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to the driver's native style.
// SQLite takes ? as is; PostgreSQL needs $1, $2, ...
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// upsertIgnore returns the conflict clause for INSERT ... that should be a
// no-op on duplicates.
func (s *Store) upsertIgnore() string {
	return "ON CONFLICT DO NOTHING"
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
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
