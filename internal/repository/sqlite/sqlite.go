// Package sqlite implements the repository interfaces using SQLite as the
// document store.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the binary builds
// without a C toolchain.
//
// NAMESPACING:
// rooms and messages rows carry an app_id column. One database file can host
// several deployments side by side; every query is scoped to the DB's appID.
//
// TIMESTAMPS:
// created_at is stored as Unix nanoseconds. The store assigns it at write
// time, which is what "server timestamp" means for this backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements the room, message and
// user repositories.
type DB struct {
	conn  *sql.DB
	appID string
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/classhub.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database, used by tests
func New(dbPath, appID string) (*DB, error) {
	if appID == "" {
		return nil, fmt.Errorf("sqlite: app id is required")
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every new connection to ":memory:" is a brand new empty database, so
	// the pool must never open a second one.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets live-subscription reads run while a message is being written.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Needed for the message_reactions → messages cascade.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn, appID: appID}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Ping checks that the database is reachable, for health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates or upgrades the schema. Every statement is idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			provider     TEXT NOT NULL,
			provider_id  TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			email        TEXT NOT NULL DEFAULT '',
			photo_url    TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			UNIQUE (provider, provider_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			app_id     TEXT NOT NULL,
			topic      TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			creator_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rooms_app_created ON rooms(app_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating rooms table: %w", err)
	}

	// room_id has no foreign key: messages may be posted into the day's
	// synthetic room, which never exists as a row.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			app_id     TEXT NOT NULL,
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			user_name  TEXT NOT NULL DEFAULT '',
			user_photo TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_app_room ON messages(app_id, room_id);
	`)
	if err != nil {
		return fmt.Errorf("creating messages table: %w", err)
	}

	// Fields added to messages after the first release. Older rows get the
	// defaults, which decode as "no image" and "no reply".
	for _, col := range []struct{ name, def string }{
		{"image_url", "TEXT NOT NULL DEFAULT ''"},
		{"reply_to_id", "TEXT NOT NULL DEFAULT ''"},
		{"reply_to_user", "TEXT NOT NULL DEFAULT ''"},
		{"reply_to_content", "TEXT NOT NULL DEFAULT ''"},
		{"reply_to_has_image", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := db.addColumnIfNotExists("messages", col.name, col.def); err != nil {
			return fmt.Errorf("adding %s to messages: %w", col.name, err)
		}
	}

	// One row per (message, emoji, reactor). The primary key is what makes
	// a reaction set duplicate-free; an emoji with no rows simply does not
	// appear in the mapping.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS message_reactions (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			emoji      TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, emoji, user_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating message_reactions table: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
