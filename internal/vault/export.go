package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/parser"
)

type frontmatter struct {
	Title   string    `yaml:"title"`
	ID      string    `yaml:"id"`
	Updated time.Time `yaml:"updated"`
	Daily   bool      `yaml:"daily,omitempty"`
}

var unsafeName = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
	"\"", "-", "<", "-", ">", "-", "|", "-",
)

// Export writes every active page to "<title>.md" and returns the number of
// files written. Written files are recorded as imported so a watcher on the
// same directory does not read them back as edits. Files recorded for pages
// that have since been deleted are removed, unless they were edited on disk.
func (im *Importer) Export(ctx context.Context) (int, error) {
	pages, err := im.store.ListPages(ctx, false)
	if err != nil {
		return 0, err
	}
	records, err := im.records(ctx)
	if err != nil {
		return 0, err
	}

	used := make(map[string]struct{}, len(pages))
	for i := range pages {
		p := &pages[i]
		name := fileName(p, used)
		used[strings.ToLower(name)] = struct{}{}

		data, err := render(p)
		if err != nil {
			return i, fmt.Errorf("vault: render %s: %w", p.ID, err)
		}
		if err := im.files.Write(name, data); err != nil {
			return i, err
		}
		if err := im.saveRecord(ctx, name, record{Checksum: checksum.Sum(data), Title: p.Title, PageID: p.ID}); err != nil {
			return i, err
		}
	}

	for rel, rec := range records {
		if _, written := used[strings.ToLower(rel)]; written {
			continue
		}
		if err := im.pruneDeleted(ctx, rel, rec); err != nil {
			im.logger.Warn("vault: prune failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
	}
	return len(pages), nil
}

// pruneDeleted removes rel when its page is gone or tombstoned and the file
// still holds what was last recorded.
func (im *Importer) pruneDeleted(ctx context.Context, rel string, rec record) error {
	if rec.PageID == "" {
		return nil
	}
	id, err := im.store.CurrentID(ctx, rec.PageID)
	if err == nil {
		p, err := im.store.GetPage(ctx, id)
		if err != nil {
			return err
		}
		if !p.Deleted {
			return nil
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	data, err := im.files.Read(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return im.store.DeleteMeta(ctx, im.prefix()+rel)
	}
	if err != nil {
		return err
	}
	if checksum.Sum(data) != rec.Checksum {
		return nil
	}
	if err := im.files.Delete(rel); err != nil {
		return err
	}
	im.logger.Debug("vault: pruned file of deleted page", slog.String("path", rel), slog.String("page_id", rec.PageID))
	return im.store.DeleteMeta(ctx, im.prefix()+rel)
}

// fileName derives a file name from the title. Titles that sanitize to a name
// already used in this export get the page id appended.
func fileName(p *localstore.Page, used map[string]struct{}) string {
	base := strings.TrimSpace(unsafeName.Replace(p.Title))
	base = strings.TrimLeft(base, ".")
	if base == "" {
		base = p.ID
	}
	name := base + ".md"
	if _, taken := used[strings.ToLower(name)]; taken {
		name = base + " " + p.ID + ".md"
	}
	return name
}

// render produces the Markdown file of a page: YAML frontmatter followed by
// the page body. Rich documents are exported as their plain text.
func render(p *localstore.Page) ([]byte, error) {
	var body string
	switch p.ContentType {
	case models.ContentTypeMarkdown, models.ContentTypeText:
		body = parser.Parse([]byte(p.Content)).Body
	default:
		body = p.PlainText
	}

	fm, err := yaml.Marshal(frontmatter{Title: p.Title, ID: p.ID, Updated: p.UpdatedAt, Daily: p.IsDaily})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}
