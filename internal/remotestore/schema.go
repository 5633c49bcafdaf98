// Package remotestore is the server-of-record: an owner-scoped SQLite page
// store that assigns permanent page identifiers.
package remotestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pages (
	id               TEXT PRIMARY KEY,
	client_id        TEXT,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT 'json',
	description      TEXT NOT NULL DEFAULT '',
	image_previews   TEXT NOT NULL DEFAULT '[]',
	canvas_image_cid TEXT NOT NULL DEFAULT '',
	deleted          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_updated_at ON pages(updated_at);
CREATE INDEX IF NOT EXISTS idx_pages_client_id ON pages(client_id);
CREATE INDEX IF NOT EXISTS idx_pages_title ON pages(title);

CREATE TABLE IF NOT EXISTS page_owners (
	page_id  TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	owner_id TEXT NOT NULL,
	PRIMARY KEY (page_id, owner_id)
);

CREATE INDEX IF NOT EXISTS idx_page_owners_owner ON page_owners(owner_id);
`

// DB wraps a sql.DB with owner-scoped page operations.
//
// Writes are serialized and stamped by a strictly increasing millisecond
// clock; PagesSince reads under the shared lock, so every write stamped at or
// before a returned server timestamp is visible to that read.
type DB struct {
	conn *sql.DB

	mu   sync.RWMutex
	last int64
	now  func() time.Time
}

// Open opens (or creates) the server database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("remotestore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remotestore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remotestore: apply schema: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	var maxUpdated sql.NullInt64
	if err := conn.QueryRowContext(context.Background(), `SELECT max(updated_at) FROM pages`).Scan(&maxUpdated); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remotestore: read clock: %w", err)
	}
	db.last = max(maxUpdated.Int64, db.now().UnixMilli())
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// tick returns the next write timestamp. Callers must hold db.mu for writing.
func (db *DB) tick() time.Time {
	ms := max(db.now().UnixMilli(), db.last+1)
	db.last = ms
	return time.UnixMilli(ms).UTC()
}
