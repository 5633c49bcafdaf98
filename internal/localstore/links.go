package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/sowilo/internal/apperr"
)

// Link is a directed backlink edge between two pages.
type Link struct {
	ID           int64
	SourcePageID string
	TargetPageID string
}

// AddLink records an edge from source to target. Adding an existing edge is
// a no-op. A reconciled temporary id is replaced by its server id; an id that
// names no page yields apperr.ErrNotFound.
func (s *Store) AddLink(ctx context.Context, sourceID, targetID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if sourceID, err = currentID(ctx, tx, sourceID); err != nil {
		return err
	}
	if targetID, err = currentID(ctx, tx, targetID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (source_page_id, target_page_id)
		SELECT ?, ? WHERE NOT EXISTS (
			SELECT 1 FROM links WHERE source_page_id = ? AND target_page_id = ?
		)
	`, sourceID, targetID, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("localstore: add link: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit: %w", err)
	}
	s.hub.publish(ChangeLinks, sourceID, targetID)
	return nil
}

// RemoveLink deletes the edge from source to target. Removing an absent edge
// is a no-op.
func (s *Store) RemoveLink(ctx context.Context, sourceID, targetID string) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM links
		WHERE source_page_id = COALESCE((SELECT new_id FROM page_aliases WHERE old_id = ?1), ?1)
		  AND target_page_id = COALESCE((SELECT new_id FROM page_aliases WHERE old_id = ?2), ?2)
	`, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("localstore: remove link: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.hub.publish(ChangeLinks, sourceID, targetID)
	}
	return nil
}

// SetLinks replaces all outgoing edges of source with edges to targets. Ids
// are resolved as in AddLink, and any unknown id aborts the whole call.
func (s *Store) SetLinks(ctx context.Context, sourceID string, targetIDs []string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if sourceID, err = currentID(ctx, tx, sourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_page_id = ?`, sourceID); err != nil {
		return fmt.Errorf("localstore: clear links: %w", err)
	}
	if len(targetIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO links (source_page_id, target_page_id) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("localstore: prepare link insert: %w", err)
		}
		defer stmt.Close()
		seen := make(map[string]struct{}, len(targetIDs))
		for _, target := range targetIDs {
			if target, err = currentID(ctx, tx, target); err != nil {
				return err
			}
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			if _, err := stmt.ExecContext(ctx, sourceID, target); err != nil {
				return fmt.Errorf("localstore: insert link: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit: %w", err)
	}
	s.hub.publish(ChangeLinks, sourceID)
	return nil
}

// CurrentID returns the id a page is stored under now: id itself when the
// page exists, or the server id that replaced a reconciled temporary id.
// It returns apperr.ErrNotFound otherwise.
func (s *Store) CurrentID(ctx context.Context, id string) (string, error) {
	return currentID(ctx, s.conn, id)
}

func currentID(ctx context.Context, q queryer, id string) (string, error) {
	var cur string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM pages WHERE id = ?1
		UNION ALL
		SELECT a.new_id FROM page_aliases a JOIN pages p ON p.id = a.new_id WHERE a.old_id = ?1
		LIMIT 1
	`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("localstore: page %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("localstore: resolve id %s: %w", id, err)
	}
	return cur, nil
}

// LinksFrom returns the target ids of every edge leaving source.
func (s *Store) LinksFrom(ctx context.Context, sourceID string) ([]string, error) {
	return s.linkEnds(ctx, `SELECT target_page_id FROM links WHERE source_page_id = ? ORDER BY id`, sourceID)
}

// Backlinks returns the source ids of every edge pointing at target.
func (s *Store) Backlinks(ctx context.Context, targetID string) ([]string, error) {
	return s.linkEnds(ctx, `SELECT source_page_id FROM links WHERE target_page_id = ? ORDER BY id`, targetID)
}

func (s *Store) linkEnds(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("localstore: links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var end string
		if err := rows.Scan(&end); err != nil {
			return nil, err
		}
		out = append(out, end)
	}
	return out, rows.Err()
}

// AllLinks returns every edge in insertion order.
func (s *Store) AllLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, source_page_id, target_page_id FROM links ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("localstore: all links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.SourcePageID, &l.TargetPageID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
