package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
)

const pageColumns = `p.id, p.title, p.content, p.content_type, p.description,
	p.image_previews, p.canvas_image_cid, p.deleted, p.created_at, p.updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(sc rowScanner) (*models.Page, error) {
	var (
		p                models.Page
		previews         string
		created, updated int64
		deleted          int
	)
	err := sc.Scan(&p.ID, &p.Title, &p.Content, &p.ContentType, &p.Description,
		&previews, &p.CanvasImageCID, &deleted, &created, &updated)
	if err != nil {
		return nil, err
	}
	if previews != "" {
		_ = json.Unmarshal([]byte(previews), &p.ImagePreviews)
	}
	p.Deleted = deleted != 0
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// CreateResult is the outcome of CreatePage.
type CreateResult struct {
	Page *models.Page
	// Replayed is true when the client id was already known and the stored
	// page was returned instead of inserting a new one.
	Replayed bool
}

// CreatePage inserts a page owned by owner and assigns it a permanent id.
// The stored title is made unique among the owner's active pages by
// appending the lowest free numeric suffix. A repeated client id returns the
// page created the first time.
func (db *DB) CreatePage(ctx context.Context, owner string, in models.CreateItem) (*CreateResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if in.ClientID != "" {
		existing, err := scanPage(tx.QueryRowContext(ctx,
			`SELECT `+pageColumns+` FROM pages p
			 JOIN page_owners o ON o.page_id = p.id
			 WHERE o.owner_id = ? AND p.client_id = ?`, owner, in.ClientID))
		if err == nil {
			return &CreateResult{Page: existing, Replayed: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup client id: %w", err)
		}
	}

	title := in.Title
	if !in.Deleted {
		taken, err := siblingTitles(ctx, tx, owner, in.Title)
		if err != nil {
			return nil, err
		}
		title = FinalTitle(in.Title, taken)
	}

	now := db.tick()
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	p := &models.Page{
		ID:            uuid.NewString(),
		Title:         title,
		Content:       in.Content,
		ContentType:   in.ContentType,
		ImagePreviews: in.ImagePreviews,
		Deleted:       in.Deleted,
		CreatedAt:     created.UTC().Truncate(time.Millisecond),
		UpdatedAt:     now,
	}
	if p.ContentType == "" {
		p.ContentType = models.ContentTypeJSON
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.CanvasImageCID != nil {
		p.CanvasImageCID = *in.CanvasImageCID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pages (id, client_id, title, content, content_type, description,
			image_previews, canvas_image_cid, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullable(in.ClientID), p.Title, p.Content, p.ContentType, p.Description,
		previewsJSON(p.ImagePreviews), p.CanvasImageCID, boolInt(p.Deleted),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO page_owners (page_id, owner_id) VALUES (?, ?)`, p.ID, owner); err != nil {
		return nil, fmt.Errorf("insert owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &CreateResult{Page: p}, nil
}

// UpdateResult is the outcome of UpdatePage. Exactly one of Page and
// Conflict is set.
type UpdateResult struct {
	Page     *models.Page
	Conflict *models.Conflict
}

// UpdatePage applies the supplied fields of in to a page owned by owner.
//
// The update is rejected as a conflict when the stored page changed after
// both the client's watermark and the client's own edit time. A nil
// watermark means the client has never pulled, so any stored change newer
// than the edit conflicts.
func (db *DB) UpdatePage(ctx context.Context, owner string, in models.UpdateItem, watermark *time.Time) (*UpdateResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := getOwned(ctx, tx, owner, in.ServerID)
	if err != nil {
		return nil, err
	}

	if cur.UpdatedAt.After(in.UpdatedAt) && (watermark == nil || cur.UpdatedAt.After(*watermark)) {
		return &UpdateResult{Conflict: &models.Conflict{
			ServerID:        cur.ID,
			ServerUpdatedAt: cur.UpdatedAt,
			ClientUpdatedAt: in.UpdatedAt,
			ServerPage:      *cur,
		}}, nil
	}

	if in.Title != nil {
		cur.Title = *in.Title
	}
	if in.Content != nil {
		cur.Content = *in.Content
	}
	if in.Description != nil {
		cur.Description = *in.Description
	}
	if in.ImagePreviews != nil {
		cur.ImagePreviews = *in.ImagePreviews
	}
	if in.CanvasImageCID != nil {
		cur.CanvasImageCID = *in.CanvasImageCID
	}
	if in.Deleted != nil {
		cur.Deleted = *in.Deleted
	}
	cur.UpdatedAt = db.tick()

	_, err = tx.ExecContext(ctx,
		`UPDATE pages SET title = ?, content = ?, description = ?, image_previews = ?,
			canvas_image_cid = ?, deleted = ?, updated_at = ?
		 WHERE id = ?`,
		cur.Title, cur.Content, cur.Description, previewsJSON(cur.ImagePreviews),
		cur.CanvasImageCID, boolInt(cur.Deleted), cur.UpdatedAt.UnixMilli(), cur.ID)
	if err != nil {
		return nil, fmt.Errorf("update page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &UpdateResult{Page: cur}, nil
}

// GetPage returns a page owned by owner.
func (db *DB) GetPage(ctx context.Context, owner, id string) (*models.Page, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getOwned(ctx, db.conn, owner, id)
}

// PagesSince returns every page of owner, tombstones included, modified
// strictly after since, oldest first, together with the server timestamp
// the caller should use as its next watermark. A zero since returns all pages.
func (db *DB) PagesSince(ctx context.Context, owner string, since time.Time) ([]models.Page, time.Time, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var after int64 = -1
	if !since.IsZero() {
		after = since.UnixMilli()
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages p
		 JOIN page_owners o ON o.page_id = p.id
		 WHERE o.owner_id = ? AND p.updated_at > ?
		 ORDER BY p.updated_at, p.id`, owner, after)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	pages := []models.Page{}
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, time.Time{}, err
		}
		pages = append(pages, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return pages, time.UnixMilli(db.last).UTC(), nil
}

// Stats reports row counts for the health endpoint.
func (db *DB) Stats(ctx context.Context) (pages, owners int, err error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	err = db.conn.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM pages), (SELECT count(DISTINCT owner_id) FROM page_owners)`).
		Scan(&pages, &owners)
	return pages, owners, err
}

func getOwned(ctx context.Context, q queryer, owner, id string) (*models.Page, error) {
	var pageOwner sql.NullString
	p, err := scanPage(q.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages p
		 JOIN page_owners o ON o.page_id = p.id
		 WHERE p.id = ? AND o.owner_id = ?`, id, owner))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	err = q.QueryRowContext(ctx,
		`SELECT owner_id FROM page_owners WHERE page_id = ? LIMIT 1`, id).Scan(&pageOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("page %s: %w", id, apperr.ErrForbidden)
}

// siblingTitles lists the owner's active titles equal to title or of the
// form "title <suffix>".
func siblingTitles(ctx context.Context, q queryer, owner, title string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT p.title FROM pages p
		 JOIN page_owners o ON o.page_id = p.id
		 WHERE o.owner_id = ? AND p.deleted = 0
		   AND (p.title = ? OR p.title LIKE ? ESCAPE '\')`,
		owner, title, escapeLike(title)+" %")
	if err != nil {
		return nil, fmt.Errorf("list titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// FinalTitle returns title unchanged when no sibling uses it or a numbered
// variant of it. Otherwise it returns "title N" with the lowest N not already
// taken, starting at 2 when the bare title exists and at 1 otherwise.
func FinalTitle(title string, siblings []string) string {
	suffix := regexp.MustCompile(`^` + regexp.QuoteMeta(title) + ` (\d+)$`)
	exact := false
	used := map[int]bool{}
	for _, s := range siblings {
		if s == title {
			exact = true
			continue
		}
		if m := suffix.FindStringSubmatch(s); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				used[n] = true
			}
		}
	}
	if !exact && len(used) == 0 {
		return title
	}
	n := 1
	if exact {
		n = 2
	}
	for used[n] {
		n++
	}
	return fmt.Sprintf("%s %d", title, n)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func previewsJSON(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
