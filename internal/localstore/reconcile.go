package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/parser"
)

// Reconciliation describes one acknowledged create: the temporary row TempID
// becomes ServerID.
type Reconciliation struct {
	TempID          string
	ServerID        string
	FinalTitle      string
	ServerUpdatedAt time.Time
	// PushedUpdatedAt is the local updatedAt of the snapshot that was pushed.
	PushedUpdatedAt time.Time
}

// ReconcileResult reports what a reconciliation rewrote.
type ReconcileResult struct {
	Page *Page
	// LinksRewritten counts link endpoints moved from the temporary id.
	LinksRewritten int64
	// Rewritten lists pages whose content referenced the temporary id; they are now dirty.
	Rewritten []string
}

// Reconcile swaps a temporary page for its server identity in one
// transaction: the temporary row is deleted and re-inserted under ServerID,
// the old id is recorded as an alias (see CurrentID), link endpoints are moved, and embedded references in every page's content
// are rewritten (marking those pages dirty). The swapped row is clean unless
// it was edited after the push snapshot or the server's final title is held
// by another local page. A missing temporary row yields apperr.ErrNotFound.
func (s *Store) Reconcile(ctx context.Context, r Reconciliation) (*ReconcileResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	temp, err := getPage(ctx, tx, r.TempID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, r.TempID); err != nil {
		return nil, fmt.Errorf("localstore: delete temp row: %w", err)
	}

	swapped, err := getPage(ctx, tx, r.ServerID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		swapped = temp
		swapped.ID = r.ServerID
		clean := !temp.UpdatedAt.After(r.PushedUpdatedAt)
		if r.FinalTitle != "" && r.FinalTitle != temp.Title {
			free, err := titleFree(ctx, tx, r.FinalTitle, r.ServerID)
			if err != nil {
				return nil, err
			}
			if free {
				swapped.Title = r.FinalTitle
			} else {
				clean = false
			}
		}
		swapped.normalize()
		swapped.IsSynced = clean
		if clean {
			swapped.UpdatedAt = r.ServerUpdatedAt.UTC().Truncate(time.Millisecond)
		}
		if err := insertPage(ctx, tx, swapped); err != nil {
			return nil, fmt.Errorf("localstore: insert server row: %w", err)
		}
	case err != nil:
		return nil, err
	}
	// An existing server row means the page already arrived by pull; the
	// temporary copy is simply dropped.

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO page_aliases (old_id, new_id) VALUES (?, ?)`, r.TempID, r.ServerID); err != nil {
		return nil, fmt.Errorf("localstore: record alias: %w", err)
	}

	res := &ReconcileResult{Page: swapped}
	for _, col := range []string{"source_page_id", "target_page_id"} {
		out, err := tx.ExecContext(ctx, `UPDATE links SET `+col+` = ? WHERE `+col+` = ?`, r.ServerID, r.TempID)
		if err != nil {
			return nil, fmt.Errorf("localstore: rewrite links: %w", err)
		}
		n, _ := out.RowsAffected()
		res.LinksRewritten += n
	}

	rewritten, err := s.rewriteReferences(ctx, tx, r.TempID, r.ServerID)
	if err != nil {
		return nil, err
	}
	res.Rewritten = rewritten
	for _, id := range rewritten {
		if id == r.ServerID {
			res.Page, err = getPage(ctx, tx, id)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("localstore: commit reconcile: %w", err)
	}
	s.hub.publish(ChangeReconciled, append([]string{r.TempID, r.ServerID}, rewritten...)...)
	return res, nil
}

// rewriteReferences replaces oldID with newID in the content of every page
// and marks each changed page dirty.
func (s *Store) rewriteReferences(ctx context.Context, tx *sql.Tx, oldID, newID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE instr(content, ?) > 0`, oldID)
	if err != nil {
		return nil, fmt.Errorf("localstore: scan references: %w", err)
	}
	candidates, err := collectPages(rows)
	if err != nil {
		return nil, fmt.Errorf("localstore: scan references: %w", err)
	}

	var changed []string
	for i := range candidates {
		p := &candidates[i]
		content, ok := replaceID(p.Content, oldID, newID)
		if !ok {
			continue
		}
		p.Content = content
		p.PlainText = parser.PlainText(p.ContentType, p.Content)
		p.UpdatedAt = s.stamp(p.UpdatedAt)
		p.IsSynced = false
		if err := updatePageRow(ctx, tx, p); err != nil {
			return nil, fmt.Errorf("localstore: rewrite reference in %s: %w", p.ID, err)
		}
		changed = append(changed, p.ID)
	}
	return changed, nil
}

// titleFree reports whether no active page other than selfID holds title's key.
func titleFree(ctx context.Context, tx *sql.Tx, title, selfID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM pages WHERE title_key = ? AND id != ?`,
		NormalizeTitle(title), selfID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: title lookup: %w", err)
	}
	return false, nil
}

// Ack acknowledges one pushed update.
type Ack struct {
	ID              string
	PushedUpdatedAt time.Time
	ServerUpdatedAt time.Time
}

// AckUpdates marks acknowledged pages clean. A page edited after its push
// snapshot stays dirty. It returns the ids that were marked clean.
func (s *Store) AckUpdates(ctx context.Context, acks []Ack) ([]string, error) {
	if len(acks) == 0 {
		return nil, nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var acked []string
	for _, a := range acks {
		res, err := tx.ExecContext(ctx, `
			UPDATE pages SET is_synced = 1, updated_at = ?
			WHERE id = ? AND updated_at <= ?
		`, toMillis(a.ServerUpdatedAt), a.ID, toMillis(a.PushedUpdatedAt))
		if err != nil {
			return nil, fmt.Errorf("localstore: ack %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			acked = append(acked, a.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("localstore: commit acks: %w", err)
	}
	s.hub.publish(ChangeSynced, acked...)
	return acked, nil
}

// PullResult reports what ApplyPull changed.
type PullResult struct {
	Applied int
	// Renamed lists local pages renamed to make room for a pulled title.
	Renamed []string
	// Rewritten lists pulled pages whose content still held a reconciled
	// temporary id; they are kept dirty.
	Rewritten []string
	// Kept lists local pages edited during the cycle whose pulled copy was
	// not applied.
	Kept []string
}

// PullOptions carries what the current sync cycle knows about local state.
type PullOptions struct {
	// Rewrites maps temporary ids reconciled this cycle to their server ids.
	Rewrites map[string]string
	// Snapshot maps every id pushed this cycle (server ids for reconciled
	// creates) to the updatedAt of the pushed copy. When non-nil, a dirty
	// local row missing from it or stamped after it was edited during the
	// cycle and is not overwritten.
	Snapshot map[string]time.Time
}

// ApplyPull overwrites local rows with the pulled server pages and stores the
// new watermark, all in one transaction. Remote state wins: each page is
// upserted clean, except local rows edited during the cycle (see
// PullOptions.Snapshot), which keep their content and stay dirty. A different
// local active page holding the same title key is renamed with the lowest
// free " (N)" suffix and marked dirty; when the holder was itself pulled
// earlier in the same batch, the later page is renamed instead. Pulled
// content referencing a temporary id in opts.Rewrites is corrected and left
// dirty.
func (s *Store) ApplyPull(ctx context.Context, pages []models.Page, watermark string, opts PullOptions) (*PullResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res := &PullResult{}
	// Decided before any rename below stamps a row.
	keep := map[string]bool{}
	if opts.Snapshot != nil {
		for _, rp := range pages {
			edited, err := editedSince(ctx, tx, rp.ID, opts.Snapshot)
			if err != nil {
				return nil, err
			}
			keep[rp.ID] = edited
		}
	}

	applied := make(map[string]bool, len(pages))
	for _, rp := range pages {
		if keep[rp.ID] {
			res.Kept = append(res.Kept, rp.ID)
			continue
		}

		p := fromRemote(rp)
		dirty := false
		for oldID, newID := range opts.Rewrites {
			if content, ok := replaceID(p.Content, oldID, newID); ok {
				p.Content = content
				dirty = true
			}
		}
		p.normalize()
		if dirty {
			p.UpdatedAt = s.stamp(p.UpdatedAt)
			res.Rewritten = append(res.Rewritten, p.ID)
		}
		p.IsSynced = !dirty

		if !p.Deleted {
			holder, err := titleHolder(ctx, tx, p.TitleKey, p.ID)
			if err != nil {
				return nil, err
			}
			switch {
			case holder == nil:
			case applied[holder.ID]:
				// Two pulled pages share a title key; the later one is renamed
				// locally and pushed back.
				if p.Title, err = freeTitle(ctx, tx, p.Title, p.ID); err != nil {
					return nil, err
				}
				p.normalize()
				if p.IsSynced {
					p.UpdatedAt = s.stamp(p.UpdatedAt)
					p.IsSynced = false
				}
				res.Renamed = append(res.Renamed, p.ID)
			default:
				if err := s.renameHolder(ctx, tx, holder); err != nil {
					return nil, err
				}
				res.Renamed = append(res.Renamed, holder.ID)
			}
		}

		if err := upsertPage(ctx, tx, p); err != nil {
			return nil, fmt.Errorf("localstore: upsert pulled page %s: %w", p.ID, err)
		}
		applied[p.ID] = true
		res.Applied++
	}

	if err := setMeta(ctx, tx, MetaLastSyncedAt, watermark); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("localstore: commit pull: %w", err)
	}

	ids := make([]string, 0, len(pages))
	for id := range applied {
		ids = append(ids, id)
	}
	s.hub.publish(ChangePulled, append(ids, res.Renamed...)...)
	return res, nil
}

// editedSince reports whether the local row id is dirty and was changed after
// the pushed snapshot.
func editedSince(ctx context.Context, tx *sql.Tx, id string, snapshot map[string]time.Time) (bool, error) {
	cur, err := getPage(ctx, tx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.IsSynced {
		return false, nil
	}
	pushedAt, ok := snapshot[id]
	return !ok || cur.UpdatedAt.After(pushedAt), nil
}

// titleHolder returns the page other than selfID that holds key, or nil.
func titleHolder(ctx context.Context, tx *sql.Tx, key, selfID string) (*Page, error) {
	holder, err := scanPage(tx.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE title_key = ? AND id != ?`, key, selfID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: title holder lookup: %w", err)
	}
	return holder, nil
}

// freeTitle returns "title (N)" with the lowest N not held by a page other
// than selfID.
func freeTitle(ctx context.Context, tx *sql.Tx, title, selfID string) (string, error) {
	base := strings.TrimSpace(title)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		free, err := titleFree(ctx, tx, candidate, selfID)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}
}

// renameHolder moves a local page off its title so a pulled page can take it.
func (s *Store) renameHolder(ctx context.Context, tx *sql.Tx, holder *Page) error {
	title, err := freeTitle(ctx, tx, holder.Title, holder.ID)
	if err != nil {
		return err
	}
	holder.Title = title
	holder.normalize()
	holder.UpdatedAt = s.stamp(holder.UpdatedAt)
	holder.IsSynced = false
	if err := updatePageRow(ctx, tx, holder); err != nil {
		return fmt.Errorf("localstore: rename %s: %w", holder.ID, err)
	}
	return nil
}

func upsertPage(ctx context.Context, tx *sql.Tx, p *Page) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pages (id, title, title_key, content, content_type, description, image_previews,
			canvas_image_cid, plain_text, created_at, updated_at, deleted, is_synced, is_daily)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title            = excluded.title,
			title_key        = excluded.title_key,
			content          = excluded.content,
			content_type     = excluded.content_type,
			description      = excluded.description,
			image_previews   = excluded.image_previews,
			canvas_image_cid = excluded.canvas_image_cid,
			plain_text       = excluded.plain_text,
			created_at       = excluded.created_at,
			updated_at       = excluded.updated_at,
			deleted          = excluded.deleted,
			is_synced        = excluded.is_synced,
			is_daily         = excluded.is_daily
	`, p.ID, p.Title, nullableKey(p), p.Content, p.ContentType, p.Description, previewsJSON(p.ImagePreviews),
		p.CanvasImageCID, p.PlainText, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
		boolInt(p.Deleted), boolInt(p.IsSynced), boolInt(p.IsDaily))
	return mapWriteErr(err)
}

func fromRemote(rp models.Page) *Page {
	return &Page{
		ID:             rp.ID,
		Title:          rp.Title,
		Content:        rp.Content,
		ContentType:    rp.ContentType,
		Description:    rp.Description,
		ImagePreviews:  rp.ImagePreviews,
		CanvasImageCID: rp.CanvasImageCID,
		CreatedAt:      rp.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:      rp.UpdatedAt.UTC().Truncate(time.Millisecond),
		Deleted:        rp.Deleted,
	}
}
