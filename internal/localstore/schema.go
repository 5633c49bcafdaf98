// Package localstore is the embedded per-device page database. It enforces
// title uniqueness among active pages, tracks dirty rows for sync, and
// performs the atomic temporary-to-permanent id swap.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the PRAGMA user_version a fully migrated database carries.
const schemaVersion = 3

// migrations[i] upgrades a database from user_version i to i+1.
var migrations = []func(*sql.Tx) error{
	migrateBaseSchema,
	migrateTitleKey,
	migratePageAliases,
}

const baseSchemaSQL = `
CREATE TABLE IF NOT EXISTS pages (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT 'json',
	description      TEXT NOT NULL DEFAULT '',
	image_previews   TEXT NOT NULL DEFAULT '[]',
	canvas_image_cid TEXT NOT NULL DEFAULT '',
	plain_text       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL DEFAULT 0,
	deleted          INTEGER NOT NULL DEFAULT 0,
	is_synced        INTEGER NOT NULL DEFAULT 0,
	is_daily         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pages_is_synced ON pages(is_synced);

CREATE TABLE IF NOT EXISTS links (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_page_id TEXT NOT NULL,
	target_page_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_links_source_target ON links(source_page_id, target_page_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_page_id);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
`

// Store wraps a sql.DB with page, link and sync metadata operations.
type Store struct {
	conn *sql.DB
	now  func() time.Time
	hub  *hub
}

// Open opens (or creates) the local database and migrates it to the current schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("localstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localstore: ping: %w", err)
	}
	if err := migrate(conn, schemaVersion); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{conn: conn, now: time.Now, hub: newHub()}, nil
}

// Close closes the underlying database connection and ends all subscriptions.
func (s *Store) Close() error {
	s.hub.close()
	return s.conn.Close()
}

// migrate applies every migration between the stored user_version and target.
// Each step runs in its own transaction together with the version bump.
func migrate(conn *sql.DB, target int) error {
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("localstore: read schema version: %w", err)
	}
	for v := version; v < target && v < len(migrations); v++ {
		tx, err := conn.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("localstore: begin migration %d: %w", v+1, err)
		}
		if err := migrations[v](tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("localstore: migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("localstore: bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("localstore: commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

func migrateBaseSchema(tx *sql.Tx) error {
	_, err := tx.Exec(baseSchemaSQL)
	return err
}

// migrateTitleKey introduces the title_key column and its unique index.
// Existing active rows are backfilled in rowid order; a title whose key was
// already claimed gets the lowest free " (N)" suffix. Deleted rows keep their
// title and a NULL key.
func migrateTitleKey(tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE pages ADD COLUMN title_key TEXT`); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, title FROM pages WHERE deleted = 0 ORDER BY rowid`)
	if err != nil {
		return err
	}
	type legacyRow struct{ id, title string }
	var active []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.title); err != nil {
			rows.Close()
			return err
		}
		active = append(active, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	claimed := make(map[string]struct{}, len(active))
	for _, r := range active {
		title, renamed := dedupeTitle(r.title, claimed)
		key := NormalizeTitle(title)
		claimed[key] = struct{}{}
		if renamed {
			_, err = tx.Exec(`UPDATE pages SET title = ?, title_key = ?, is_daily = ?, is_synced = 0 WHERE id = ?`,
				title, key, boolInt(IsDailyTitle(title)), r.id)
		} else {
			_, err = tx.Exec(`UPDATE pages SET title_key = ? WHERE id = ?`, key, r.id)
		}
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_title_key ON pages(title_key)`)
	return err
}

// migratePageAliases adds the table mapping reconciled temporary ids to the
// server ids that replaced them.
func migratePageAliases(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS page_aliases (
			old_id TEXT PRIMARY KEY,
			new_id TEXT NOT NULL
		)`)
	return err
}

// dedupeTitle returns title unchanged when its key is unclaimed, otherwise
// title with the lowest " (N)" suffix whose key is unclaimed.
func dedupeTitle(title string, claimed map[string]struct{}) (string, bool) {
	if _, taken := claimed[NormalizeTitle(title)]; !taken {
		return title, false
	}
	base := strings.TrimSpace(title)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if _, taken := claimed[NormalizeTitle(candidate)]; !taken {
			return candidate, true
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
