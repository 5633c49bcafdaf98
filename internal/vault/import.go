// Package vault mirrors a directory of Markdown files into the local page
// store and writes local pages back out as Markdown.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/parser"
	"github.com/starford/sowilo/internal/storage"
)

// metaPrefix namespaces per-file import records in the sync metadata table.
// Keys are metaPrefix + root + "/" + relative path, so directories used for
// import and export keep separate records.
const metaPrefix = "vault:"

// record remembers what a file looked like when it was last imported and
// which page it became. PageID may be a temporary id that has since been
// reconciled; lookups go through Store.CurrentID.
type record struct {
	Checksum string `json:"checksum"`
	Title    string `json:"title"`
	PageID   string `json:"page_id,omitempty"`
}

// Importer upserts Markdown files as local pages and resolves their
// wikilinks into page links by title.
type Importer struct {
	store  *localstore.Store
	files  storage.Provider
	logger *slog.Logger
}

// NewImporter creates an importer reading from files. A nil logger uses slog.Default().
func NewImporter(store *localstore.Store, files storage.Provider, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, files: files, logger: logger}
}

func (im *Importer) prefix() string {
	return metaPrefix + strings.TrimRight(filepath.ToSlash(im.files.Root()), "/") + "/"
}

// imported is a page written by importFile whose links still need resolving.
type imported struct {
	pageID string
	links  []string
}

// Scan brings the store up to date with the directory:
//   - new/changed files are upserted as pages
//   - pages of files removed from disk are tombstoned
//
// It returns the number of files imported.
func (im *Importer) Scan(ctx context.Context) (int, error) {
	metas, err := im.files.List("")
	if err != nil {
		return 0, fmt.Errorf("vault: list: %w", err)
	}
	records, err := im.records(ctx)
	if err != nil {
		return 0, err
	}

	var pending []imported
	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}
		if records[m.Path].Checksum == m.Checksum {
			continue
		}
		data, err := im.files.Read(m.Path)
		if err != nil {
			im.logger.Warn("vault: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		got, err := im.importFile(ctx, m.Path, data, records[m.Path])
		if err != nil {
			im.logger.Warn("vault: import failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if got != nil {
			pending = append(pending, *got)
		}
	}

	for p := range records {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := im.Remove(ctx, p); err != nil {
			im.logger.Warn("vault: remove failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}

	// Links are resolved after every file is in, so forward references work.
	for _, got := range pending {
		if err := im.resolveLinks(ctx, got); err != nil {
			im.logger.Warn("vault: resolve links failed", slog.String("page_id", got.pageID), slog.String("error", err.Error()))
		}
	}
	return len(pending), nil
}

// ImportFile upserts one file and resolves its links. Unchanged files are skipped.
func (im *Importer) ImportFile(ctx context.Context, rel string, data []byte) error {
	rec, err := im.record(ctx, rel)
	if err != nil {
		return err
	}
	got, err := im.importFile(ctx, rel, data, rec)
	if err != nil || got == nil {
		return err
	}
	return im.resolveLinks(ctx, *got)
}

func (im *Importer) importFile(ctx context.Context, rel string, data []byte, prev record) (*imported, error) {
	sum := checksum.Sum(data)
	if prev.Checksum == sum {
		return nil, nil
	}

	res := parser.Parse(data)
	title := strings.TrimSpace(res.Title)
	if title == "" {
		title = strings.TrimSuffix(path.Base(rel), ".md")
	}
	content := string(data)

	page, err := im.existing(ctx, prev, title)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		page, err = im.store.CreatePage(ctx, localstore.NewPage{
			Title:       title,
			Content:     content,
			ContentType: models.ContentTypeMarkdown,
		})
		if err != nil {
			return nil, err
		}
		im.logger.Debug("vault: page created", slog.String("path", rel), slog.String("page_id", page.ID))
	case err != nil:
		return nil, err
	default:
		upd := localstore.PageUpdate{}
		// Sync may have retitled the page; only a title change in the file
		// itself is carried over.
		if title != prev.Title && page.Title != title {
			upd.Title = &title
		}
		if page.Content != content {
			upd.Content = &content
		}
		if page.Deleted {
			restored := false
			upd.Deleted = &restored
		}
		if upd.Title == nil && upd.Content == nil && upd.Deleted == nil {
			break
		}
		page, err = im.store.UpdatePage(ctx, page.ID, upd)
		if err != nil {
			return nil, err
		}
		im.logger.Debug("vault: page updated", slog.String("path", rel), slog.String("page_id", page.ID))
	}

	if err := im.saveRecord(ctx, rel, record{Checksum: sum, Title: title, PageID: page.ID}); err != nil {
		return nil, err
	}
	return &imported{pageID: page.ID, links: res.Links}, nil
}

// existing finds the page a file maps to. A file imported before is bound to
// the page it created, whatever that page is titled now; a file seen for the
// first time adopts the page holding its title.
func (im *Importer) existing(ctx context.Context, prev record, title string) (*localstore.Page, error) {
	if prev.PageID != "" {
		id, err := im.store.CurrentID(ctx, prev.PageID)
		if err != nil {
			return nil, err
		}
		return im.store.GetPage(ctx, id)
	}
	return im.store.FindByTitle(ctx, title)
}

// resolveLinks replaces the page's outgoing links with the pages its
// wikilinks name. Targets without a page are left unresolved.
func (im *Importer) resolveLinks(ctx context.Context, got imported) error {
	targets := make([]string, 0, len(got.links))
	for _, name := range got.links {
		p, err := im.store.FindByTitle(ctx, name)
		if errors.Is(err, apperr.ErrNotFound) && strings.Contains(name, "/") {
			p, err = im.store.FindByTitle(ctx, path.Base(name))
		}
		if errors.Is(err, apperr.ErrNotFound) {
			im.logger.Debug("vault: unresolved link", slog.String("page_id", got.pageID), slog.String("target", name))
			continue
		}
		if err != nil {
			return err
		}
		if p.ID != got.pageID {
			targets = append(targets, p.ID)
		}
	}
	return im.store.SetLinks(ctx, got.pageID, targets)
}

// Remove tombstones the page imported from rel and forgets the file.
func (im *Importer) Remove(ctx context.Context, rel string) error {
	rec, err := im.record(ctx, rel)
	if err != nil {
		return err
	}
	id, err := im.store.CurrentID(ctx, rec.PageID)
	switch {
	case rec.PageID == "", errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return err
	default:
		if _, err := im.store.DeletePage(ctx, id); err != nil {
			return err
		}
		im.logger.Debug("vault: page deleted", slog.String("path", rel), slog.String("page_id", id))
	}
	return im.store.DeleteMeta(ctx, im.prefix()+rel)
}

func (im *Importer) record(ctx context.Context, rel string) (record, error) {
	raw, err := im.store.Meta(ctx, im.prefix()+rel)
	if err != nil || raw == "" {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, fmt.Errorf("vault: decode record %s: %w", rel, err)
	}
	return rec, nil
}

func (im *Importer) records(ctx context.Context) (map[string]record, error) {
	prefix := im.prefix()
	raw, err := im.store.MetaWithPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]record, len(raw))
	for k, v := range raw {
		var rec record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			im.logger.Warn("vault: bad record", slog.String("key", k), slog.String("error", err.Error()))
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = rec
	}
	return out, nil
}

func (im *Importer) saveRecord(ctx context.Context, rel string, rec record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return im.store.SetMeta(ctx, im.prefix()+rel, string(b))
}
