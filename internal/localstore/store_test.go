package localstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "sowilo-local-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, title, content string) *Page {
	t.Helper()
	p, err := s.CreatePage(context.Background(), NewPage{Title: title, Content: content})
	if err != nil {
		t.Fatalf("CreatePage(%q): %v", title, err)
	}
	return p
}

func strPtr(s string) *string { return &s }

func TestSchemaCreation(t *testing.T) {
	s := testStore(t)
	var version int
	if err := s.conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}
	for _, table := range []string{"pages", "links", "sync_metadata"} {
		var n int
		if err := s.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestCreatePage_TempIDAndDirty(t *testing.T) {
	s := testStore(t)
	p := mustCreate(t, s, "Offline Note", `{"type":"doc"}`)
	if !IsTempID(p.ID) {
		t.Errorf("id = %q, want temporary id", p.ID)
	}
	if p.IsSynced {
		t.Error("new page should be dirty")
	}
	if p.TitleKey != "offline note" {
		t.Errorf("title key = %q", p.TitleKey)
	}

	got, err := s.GetPage(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Title != "Offline Note" || got.IsSynced {
		t.Errorf("stored page = %+v", got)
	}
}

func TestTitleUniqueness_NormalizedKey(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "Note", "")

	_, err := s.CreatePage(context.Background(), NewPage{Title: "  NOTE "})
	if !errors.Is(err, apperr.ErrTitleTaken) {
		t.Fatalf("duplicate create err = %v, want ErrTitleTaken", err)
	}
}

func TestRenameToExistingTitleRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, "Alpha", "")
	beta := mustCreate(t, s, "Beta", "")

	_, err := s.UpdatePage(ctx, beta.ID, PageUpdate{Title: strPtr("alpha")})
	if !errors.Is(err, apperr.ErrTitleTaken) {
		t.Fatalf("rename err = %v, want ErrTitleTaken", err)
	}
	got, _ := s.GetPage(ctx, beta.ID)
	if got.Title != "Beta" {
		t.Errorf("title after rejected rename = %q, want Beta", got.Title)
	}
}

func TestDeletedPagesExemptFromUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	first := mustCreate(t, s, "Journal", "")

	deleted, err := s.DeletePage(ctx, first.ID)
	if err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if deleted.TitleKey != "" || deleted.IsSynced {
		t.Errorf("tombstone = %+v", deleted)
	}

	mustCreate(t, s, "Journal", "")

	restore := false
	_, err = s.UpdatePage(ctx, first.ID, PageUpdate{Deleted: &restore})
	if !errors.Is(err, apperr.ErrTitleTaken) {
		t.Fatalf("restore err = %v, want ErrTitleTaken", err)
	}
}

func TestUpdateAdvancesUpdatedAt(t *testing.T) {
	s := testStore(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	p := mustCreate(t, s, "Clock", "")
	if _, err := s.conn.Exec(`UPDATE pages SET is_synced = 1 WHERE id = ?`, p.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdatePage(ctx, p.ID, PageUpdate{Content: strPtr("edited")})
	if err != nil {
		t.Fatalf("UpdatePage: %v", err)
	}
	if !got.UpdatedAt.After(p.UpdatedAt) {
		t.Errorf("updatedAt %v did not advance past %v", got.UpdatedAt, p.UpdatedAt)
	}
	if got.IsSynced {
		t.Error("edited page should be dirty again")
	}
	if got.PlainText != "edited" {
		t.Errorf("plain text = %q", got.PlainText)
	}
}

func TestIsDailyDerived(t *testing.T) {
	s := testStore(t)
	if p := mustCreate(t, s, "2024-05-06", ""); !p.IsDaily {
		t.Error("ISO date title should be daily")
	}
	if p := mustCreate(t, s, "May 7, 2024", ""); !p.IsDaily {
		t.Error("long date title should be daily")
	}
	if p := mustCreate(t, s, "Groceries", ""); p.IsDaily {
		t.Error("plain title should not be daily")
	}
}

func TestLinks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "A", "")
	b := mustCreate(t, s, "B", "")
	c := mustCreate(t, s, "C", "")

	if err := s.AddLink(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := s.AddLink(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("AddLink duplicate: %v", err)
	}
	if err := s.AddLink(ctx, c.ID, b.ID); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	bl, err := s.Backlinks(ctx, b.ID)
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(bl) != 2 {
		t.Fatalf("backlinks = %v, want 2", bl)
	}

	if err := s.SetLinks(ctx, a.ID, []string{c.ID, c.ID}); err != nil {
		t.Fatalf("SetLinks: %v", err)
	}
	out, _ := s.LinksFrom(ctx, a.ID)
	if len(out) != 1 || out[0] != c.ID {
		t.Errorf("links from a = %v, want [%s]", out, c.ID)
	}

	if err := s.RemoveLink(ctx, c.ID, b.ID); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if bl, _ := s.Backlinks(ctx, b.ID); len(bl) != 0 {
		t.Errorf("backlinks after removal = %v", bl)
	}
}

func TestSearchUsesPlainText(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, "Rich", `{"type":"doc","content":[{"type":"text","text":"photosynthesis basics"}]}`)
	mustCreate(t, s, "Other", `{"type":"doc","content":[{"type":"text","text":"nothing"}]}`)

	got, err := s.Search(context.Background(), "photosynth", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Rich" {
		t.Errorf("search = %+v", got)
	}
}

func TestWipeClearsEverything(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "A", "")
	b := mustCreate(t, s, "B", "")
	_ = s.AddLink(ctx, a.ID, b.ID)
	_ = s.SetMeta(ctx, MetaLastSyncedAt, "2024-01-01T00:00:00Z")

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Pages != 0 || c.Links != 0 || c.Metadata != 0 {
		t.Errorf("counts after wipe = %+v, want all zero", c)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := testStore(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	p := mustCreate(t, s, "Watched", "")

	select {
	case ev := <-ch:
		if ev.Kind != ChangeCreated || len(ev.PageIDs) != 1 || ev.PageIDs[0] != p.ID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestReplaceIDRespectsBoundaries(t *testing.T) {
	got, ok := replaceID(`{"a":"temp-1","b":"temp-12","c":"xtemp-1"} temp-1`, "temp-1", "srv")
	if !ok {
		t.Fatal("expected a replacement")
	}
	want := `{"a":"srv","b":"temp-12","c":"xtemp-1"} srv`
	if got != want {
		t.Errorf("replaceID = %q, want %q", got, want)
	}
	if _, ok := replaceID("nothing here", "temp-1", "srv"); ok {
		t.Error("unexpected replacement")
	}
	if !strings.Contains(got, "temp-12") {
		t.Error("longer identifier must be left alone")
	}
}
