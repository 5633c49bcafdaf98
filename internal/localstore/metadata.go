package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/sowilo/internal/models"
)

// Sync metadata keys.
const (
	MetaLastSyncedAt = "last_synced_at"
	MetaStatus       = "status"
)

// Meta returns the value stored under key, or "" when absent.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("localstore: read meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta stores value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := setMeta(ctx, s.conn, key, value); err != nil {
		return err
	}
	s.hub.publish(ChangeMetadata)
	return nil
}

func setMeta(ctx context.Context, x execer, key, value string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("localstore: write meta %s: %w", key, err)
	}
	return nil
}

// Watermark returns the stored last_synced_at; "" means nothing was pulled yet.
func (s *Store) Watermark(ctx context.Context) (string, error) {
	return s.Meta(ctx, MetaLastSyncedAt)
}

// Status returns the persisted sync status, idle when none was recorded.
func (s *Store) Status(ctx context.Context) (models.SyncStatus, error) {
	v, err := s.Meta(ctx, MetaStatus)
	if err != nil {
		return "", err
	}
	if v == "" {
		return models.SyncStatusIdle, nil
	}
	return models.SyncStatus(v), nil
}

// SetStatus persists the coarse sync status.
func (s *Store) SetStatus(ctx context.Context, status models.SyncStatus) error {
	return s.SetMeta(ctx, MetaStatus, string(status))
}

// Counts holds the row count of every local table.
type Counts struct {
	Pages    int
	Links    int
	Metadata int
	Dirty    int
}

// Counts returns the number of rows in each table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM pages),
			(SELECT count(*) FROM links),
			(SELECT count(*) FROM sync_metadata),
			(SELECT count(*) FROM pages WHERE is_synced = 0)
	`).Scan(&c.Pages, &c.Links, &c.Metadata, &c.Dirty)
	if err != nil {
		return Counts{}, fmt.Errorf("localstore: counts: %w", err)
	}
	return c, nil
}

// Wipe clears pages, links and sync metadata in one transaction.
func (s *Store) Wipe(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"pages", "links", "sync_metadata", "page_aliases"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("localstore: wipe %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit wipe: %w", err)
	}
	s.hub.publish(ChangeWiped)
	return nil
}

// DeleteMeta removes key. Removing an absent key is a no-op.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("localstore: delete meta %s: %w", key, err)
	}
	s.hub.publish(ChangeMetadata)
	return nil
}

// MetaWithPrefix returns every key/value pair whose key starts with prefix.
func (s *Store) MetaWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value FROM sync_metadata WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("localstore: meta with prefix: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
