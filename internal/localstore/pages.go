package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/parser"
)

// Page is a client-resident page row.
type Page struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	TitleKey       string    `json:"title_key,omitempty"` // empty while the page is deleted
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	Description    string    `json:"description,omitempty"`
	ImagePreviews  []string  `json:"image_previews,omitempty"`
	CanvasImageCID string    `json:"canvas_image_cid,omitempty"`
	PlainText      string    `json:"plain_text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deleted        bool      `json:"deleted"`
	IsSynced       bool      `json:"is_synced"`
	IsDaily        bool      `json:"is_daily"`
}

// NewPage holds the fields of a page created locally.
type NewPage struct {
	Title          string
	Content        string
	ContentType    string
	Description    string
	ImagePreviews  []string
	CanvasImageCID string
}

// PageUpdate holds the fields to change on an existing page; nil means unchanged.
type PageUpdate struct {
	Title          *string
	Content        *string
	Description    *string
	ImagePreviews  *[]string
	CanvasImageCID *string
	Deleted        *bool
}

const pageColumns = `id, title, COALESCE(title_key, ''), content, content_type, description,
	image_previews, canvas_image_cid, plain_text, created_at, updated_at, deleted, is_synced, is_daily`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(sc rowScanner) (*Page, error) {
	var (
		p                        Page
		previews                 string
		created, updated         int64
		deleted, synced, isDaily int
	)
	err := sc.Scan(&p.ID, &p.Title, &p.TitleKey, &p.Content, &p.ContentType, &p.Description,
		&previews, &p.CanvasImageCID, &p.PlainText, &created, &updated, &deleted, &synced, &isDaily)
	if err != nil {
		return nil, err
	}
	if previews != "" {
		_ = json.Unmarshal([]byte(previews), &p.ImagePreviews)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	p.Deleted = deleted != 0
	p.IsSynced = synced != 0
	p.IsDaily = isDaily != 0
	return &p, nil
}

func collectPages(rows *sql.Rows) ([]Page, error) {
	defer rows.Close()
	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPage(ctx context.Context, q queryer, id string) (*Page, error) {
	p, err := scanPage(q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: get page: %w", err)
	}
	return p, nil
}

// normalize derives titleKey, plainText and isDaily from the stored fields.
func (p *Page) normalize() {
	if p.ContentType == "" {
		p.ContentType = models.ContentTypeJSON
	}
	if p.Deleted {
		p.TitleKey = ""
	} else {
		p.TitleKey = NormalizeTitle(p.Title)
	}
	p.PlainText = parser.PlainText(p.ContentType, p.Content)
	p.IsDaily = IsDailyTitle(p.Title)
}

func nullableKey(p *Page) sql.NullString {
	if p.Deleted {
		return sql.NullString{}
	}
	return sql.NullString{String: p.TitleKey, Valid: true}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPage(ctx context.Context, x execer, p *Page) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO pages (id, title, title_key, content, content_type, description, image_previews,
			canvas_image_cid, plain_text, created_at, updated_at, deleted, is_synced, is_daily)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Title, nullableKey(p), p.Content, p.ContentType, p.Description, previewsJSON(p.ImagePreviews),
		p.CanvasImageCID, p.PlainText, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
		boolInt(p.Deleted), boolInt(p.IsSynced), boolInt(p.IsDaily))
	return mapWriteErr(err)
}

func updatePageRow(ctx context.Context, x execer, p *Page) error {
	_, err := x.ExecContext(ctx, `
		UPDATE pages SET title = ?, title_key = ?, content = ?, content_type = ?, description = ?,
			image_previews = ?, canvas_image_cid = ?, plain_text = ?, created_at = ?, updated_at = ?,
			deleted = ?, is_synced = ?, is_daily = ?
		WHERE id = ?
	`, p.Title, nullableKey(p), p.Content, p.ContentType, p.Description, previewsJSON(p.ImagePreviews),
		p.CanvasImageCID, p.PlainText, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
		boolInt(p.Deleted), boolInt(p.IsSynced), boolInt(p.IsDaily), p.ID)
	return mapWriteErr(err)
}

// mapWriteErr turns a title_key unique violation into apperr.ErrTitleTaken.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(se.Error(), "title_key") {
		return apperr.ErrTitleTaken
	}
	return err
}

// CreatePage inserts a new dirty page under a temporary id.
func (s *Store) CreatePage(ctx context.Context, in NewPage) (*Page, error) {
	now := s.stamp(time.Time{})
	p := &Page{
		ID:             NewTempID(),
		Title:          in.Title,
		Content:        in.Content,
		ContentType:    in.ContentType,
		Description:    in.Description,
		ImagePreviews:  in.ImagePreviews,
		CanvasImageCID: in.CanvasImageCID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.normalize()
	if err := insertPage(ctx, s.conn, p); err != nil {
		return nil, fmt.Errorf("localstore: create page %q: %w", in.Title, err)
	}
	s.hub.publish(ChangeCreated, p.ID)
	return p, nil
}

// UpdatePage applies upd to the page, advances updatedAt and marks it dirty.
// Renaming onto another active page's title, or restoring a deleted page
// whose title is now taken, fails with apperr.ErrTitleTaken.
func (s *Store) UpdatePage(ctx context.Context, id string, upd PageUpdate) (*Page, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := getPage(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		p.Title = *upd.Title
	}
	if upd.Content != nil {
		p.Content = *upd.Content
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.ImagePreviews != nil {
		p.ImagePreviews = *upd.ImagePreviews
	}
	if upd.CanvasImageCID != nil {
		p.CanvasImageCID = *upd.CanvasImageCID
	}
	if upd.Deleted != nil {
		p.Deleted = *upd.Deleted
	}
	p.normalize()
	p.UpdatedAt = s.stamp(p.UpdatedAt)
	p.IsSynced = false

	if err := updatePageRow(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("localstore: update page %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("localstore: commit: %w", err)
	}
	s.hub.publish(ChangeUpdated, p.ID)
	return p, nil
}

// DeletePage tombstones the page; it stays dirty so the deletion syncs.
func (s *Store) DeletePage(ctx context.Context, id string) (*Page, error) {
	deleted := true
	return s.UpdatePage(ctx, id, PageUpdate{Deleted: &deleted})
}

// GetPage returns the page with the given id, deleted or not.
func (s *Store) GetPage(ctx context.Context, id string) (*Page, error) {
	return getPage(ctx, s.conn, id)
}

// FindByTitle returns the active page whose normalized title matches.
func (s *Store) FindByTitle(ctx context.Context, title string) (*Page, error) {
	p, err := scanPage(s.conn.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE title_key = ?`, NormalizeTitle(title)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: find by title: %w", err)
	}
	return p, nil
}

// ListPages returns pages ordered by most recent update.
func (s *Store) ListPages(ctx context.Context, includeDeleted bool) ([]Page, error) {
	q := `SELECT ` + pageColumns + ` FROM pages`
	if !includeDeleted {
		q += ` WHERE deleted = 0`
	}
	q += ` ORDER BY updated_at DESC, id`
	rows, err := s.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("localstore: list pages: %w", err)
	}
	return collectPages(rows)
}

// Search returns active pages whose title or plain text contains query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Page, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE deleted = 0 AND (title LIKE ? OR plain_text LIKE ?)
		ORDER BY updated_at DESC
		LIMIT ?
	`, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("localstore: search: %w", err)
	}
	return collectPages(rows)
}

// DirtyPages returns every page not yet acknowledged by the server, in creation order.
func (s *Store) DirtyPages(ctx context.Context) ([]Page, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE is_synced = 0 ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("localstore: dirty pages: %w", err)
	}
	return collectPages(rows)
}

// stamp returns the current time at millisecond precision, strictly after prev.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func previewsJSON(previews []string) string {
	if previews == nil {
		return "[]"
	}
	b, _ := json.Marshal(previews)
	return string(b)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
