package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/parser"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/syncclient"
	"github.com/starford/sowilo/internal/testutil"
)

func testImporter(t *testing.T) (*Importer, *localstore.Store, storage.Provider) {
	t.Helper()
	store := testutil.LocalStore(t)
	_, files := testutil.Dir(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewImporter(store, files, logger), store, files
}

func TestScanImportsAndResolvesLinks(t *testing.T) {
	im, store, files := testImporter(t)
	ctx := context.Background()
	_ = files.Write("alpha.md", []byte("---\ntitle: Alpha\n---\nSee [[Beta]] and [[missing]]."))
	_ = files.Write("sub/beta.md", []byte("# Beta\nback to [[alpha|the first]]"))

	n, err := im.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d, want 2", n)
	}

	alpha, err := store.FindByTitle(ctx, "Alpha")
	if err != nil {
		t.Fatalf("FindByTitle(Alpha): %v", err)
	}
	beta, err := store.FindByTitle(ctx, "Beta")
	if err != nil {
		t.Fatalf("FindByTitle(Beta): %v", err)
	}
	if alpha.IsSynced || !localstore.IsTempID(alpha.ID) {
		t.Errorf("imported page should be a dirty temp page: %+v", alpha)
	}

	out, err := store.LinksFrom(ctx, alpha.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != beta.ID {
		t.Errorf("alpha links = %v, want [%s]", out, beta.ID)
	}
	back, err := store.Backlinks(ctx, alpha.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 || back[0] != beta.ID {
		t.Errorf("alpha backlinks = %v, want [%s]", back, beta.ID)
	}
}

func TestScanSkipsUnchangedFiles(t *testing.T) {
	im, _, files := testImporter(t)
	ctx := context.Background()
	_ = files.Write("a.md", []byte("# A\nbody"))

	if n, _ := im.Scan(ctx); n != 1 {
		t.Fatalf("first scan imported %d, want 1", n)
	}
	if n, _ := im.Scan(ctx); n != 0 {
		t.Errorf("second scan imported %d, want 0", n)
	}
}

func TestImportFileUpdatesExistingPage(t *testing.T) {
	im, store, _ := testImporter(t)
	ctx := context.Background()

	if err := im.ImportFile(ctx, "a.md", []byte("# A\nfirst")); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	first, _ := store.FindByTitle(ctx, "A")

	if err := im.ImportFile(ctx, "a.md", []byte("# A Renamed\nsecond")); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	got, err := store.FindByTitle(ctx, "A Renamed")
	if err != nil {
		t.Fatalf("FindByTitle: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("rename created a new page: %s != %s", got.ID, first.ID)
	}
	if !strings.Contains(got.PlainText, "second") {
		t.Errorf("plain text = %q", got.PlainText)
	}
	if _, err := store.FindByTitle(ctx, "A"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old title still active: %v", err)
	}
}

func TestScanTombstonesRemovedFiles(t *testing.T) {
	im, store, files := testImporter(t)
	ctx := context.Background()
	_ = files.Write("gone.md", []byte("# Gone\nbye"))
	if _, err := im.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := store.FindByTitle(ctx, "Gone")

	if err := files.Delete("gone.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := im.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !got.Deleted || got.IsSynced {
		t.Errorf("page should be a dirty tombstone: deleted=%v synced=%v", got.Deleted, got.IsSynced)
	}
}

func TestExportWritesActivePages(t *testing.T) {
	im, store, files := testImporter(t)
	ctx := context.Background()
	if _, err := store.CreatePage(ctx, localstore.NewPage{
		Title:   "Rich/Doc",
		Content: `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello world"}]}]}`,
	}); err != nil {
		t.Fatal(err)
	}
	dead, _ := store.CreatePage(ctx, localstore.NewPage{Title: "Dead", Content: "{}"})
	if _, err := store.DeletePage(ctx, dead.ID); err != nil {
		t.Fatal(err)
	}

	n, err := im.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 1 {
		t.Errorf("exported = %d, want 1", n)
	}
	data, err := files.Read("Rich-Doc.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	res := parser.Parse(data)
	if res.Title != "Rich/Doc" {
		t.Errorf("title = %q", res.Title)
	}
	if strings.TrimSpace(res.Body) != "hello world" {
		t.Errorf("body = %q", res.Body)
	}

	// Exported files are known, so a scan does not import them back.
	if n, _ := im.Scan(ctx); n != 0 {
		t.Errorf("scan after export imported %d, want 0", n)
	}
}

func TestExportPrunesFilesOfDeletedPages(t *testing.T) {
	im, store, files := testImporter(t)
	ctx := context.Background()
	_, _ = store.CreatePage(ctx, localstore.NewPage{Title: "Kept", Content: "stays", ContentType: "text"})
	gone, _ := store.CreatePage(ctx, localstore.NewPage{Title: "Gone", Content: "goes", ContentType: "text"})
	edited, _ := store.CreatePage(ctx, localstore.NewPage{Title: "Edited", Content: "mine", ContentType: "text"})
	if _, err := im.Export(ctx); err != nil {
		t.Fatal(err)
	}

	_ = files.Write("Edited.md", []byte("# Edited\nchanged on disk"))
	for _, id := range []string{gone.ID, edited.ID} {
		if _, err := store.DeletePage(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := im.Export(ctx); err != nil || n != 1 {
		t.Fatalf("second export = %d, %v", n, err)
	}

	if _, err := files.Read("Gone.md"); err == nil {
		t.Error("file of deleted page not pruned")
	}
	if _, err := files.Read("Edited.md"); err != nil {
		t.Errorf("file edited on disk was pruned: %v", err)
	}
	if _, err := files.Read("Kept.md"); err != nil {
		t.Errorf("file of active page missing: %v", err)
	}
}

func TestRecordsAreScopedToTheirDirectory(t *testing.T) {
	ctx := context.Background()
	store := testutil.LocalStore(t)
	_, importDir := testutil.Dir(t)
	_, exportDir := testutil.Dir(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	importer := NewImporter(store, importDir, logger)
	exporter := NewImporter(store, exportDir, logger)

	_ = importDir.Write("a.md", []byte("# A\nbody"))
	if _, err := importer.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreatePage(ctx, localstore.NewPage{Title: "B", Content: "b", ContentType: "text"}); err != nil {
		t.Fatal(err)
	}
	if _, err := exporter.Export(ctx); err != nil {
		t.Fatal(err)
	}

	// Files written to the export directory are not missing from the import one.
	if _, err := importer.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	b, err := store.FindByTitle(ctx, "B")
	if err != nil {
		t.Fatalf("exported page tombstoned by import scan: %v", err)
	}
	if b.Deleted {
		t.Errorf("page B deleted")
	}
}

func TestImportFollowsPageRetitledBySync(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewSyncServer(t, map[string]string{"tok-1": "alice", "tok-2": "alice"})

	other := testutil.LocalStore(t)
	if _, err := other.CreatePage(ctx, localstore.NewPage{Title: "Note", Content: "from the other device"}); err != nil {
		t.Fatal(err)
	}
	if _, err := syncclient.NewManager(other, syncclient.NewHTTPTransport(srv.URL, "tok-1", 5*time.Second), nil).Sync(ctx); err != nil {
		t.Fatal(err)
	}
	theirs, err := other.FindByTitle(ctx, "Note")
	if err != nil {
		t.Fatal(err)
	}

	im, store, files := testImporter(t)
	m := syncclient.NewManager(store, syncclient.NewHTTPTransport(srv.URL, "tok-2", 5*time.Second), nil)
	_ = files.Write("Note.md", []byte("# Note\nmine v1"))
	if _, err := im.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	mine, err := store.FindByTitle(ctx, "Note 2")
	if err != nil {
		t.Fatalf("imported page not retitled by the server: %v", err)
	}

	_ = files.Write("Note.md", []byte("# Note\nmine v2"))
	if n, err := im.Scan(ctx); err != nil || n != 1 {
		t.Fatalf("rescan = %d, %v", n, err)
	}

	got, err := store.GetPage(ctx, mine.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Note 2" || got.Content != "# Note\nmine v2" {
		t.Errorf("imported page = %q %q, want the edit on \"Note 2\"", got.Title, got.Content)
	}
	untouched, err := store.GetPage(ctx, theirs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Content != "from the other device" || !untouched.IsSynced {
		t.Errorf("other device's page = %+v, want it untouched", untouched)
	}

	if _, err := m.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	serverCopy, err := srv.DB.GetPage(ctx, "alice", theirs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if serverCopy.Content != "from the other device" {
		t.Errorf("server copy overwritten: %q", serverCopy.Content)
	}
}
