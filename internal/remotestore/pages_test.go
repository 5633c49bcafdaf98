package remotestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func create(t *testing.T, db *DB, owner, clientID, title string) *models.Page {
	t.Helper()
	res, err := db.CreatePage(context.Background(), owner, models.CreateItem{
		ClientID:    clientID,
		Title:       title,
		Content:     "{}",
		ContentType: models.ContentTypeJSON,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return res.Page
}

func TestFinalTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		siblings []string
		want     string
	}{
		{"no siblings", "Note", nil, "Note"},
		{"exact only", "Note", []string{"Note"}, "Note 2"},
		{"lowest gap", "Note", []string{"Note", "Note 2", "Note 4"}, "Note 3"},
		{"numbered without exact", "Note", []string{"Note 2"}, "Note 1"},
		{"ignores other words", "Note", []string{"Note", "Note two", "Note 2x"}, "Note 2"},
		{"regexp metacharacters", "a+b (c)", []string{"a+b (c)", "a+b (c) 2"}, "a+b (c) 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FinalTitle(tt.title, tt.siblings); got != tt.want {
				t.Errorf("FinalTitle(%q, %v) = %q, want %q", tt.title, tt.siblings, got, tt.want)
			}
		})
	}
}

func TestCreatePageAssignsLowestFreeSuffix(t *testing.T) {
	db := testDB(t)
	create(t, db, "alice", "c1", "Note")
	create(t, db, "alice", "c2", "Note 2")
	create(t, db, "alice", "c3", "Note 4")

	p := create(t, db, "alice", "c4", "Note")
	if p.Title != "Note 3" {
		t.Fatalf("title = %q, want Note 3", p.Title)
	}
	if p.ID == "" || p.ID == "c4" {
		t.Fatalf("server id not assigned: %q", p.ID)
	}
}

func TestCreatePageTitlesScopedToOwner(t *testing.T) {
	db := testDB(t)
	create(t, db, "alice", "c1", "Note")
	if p := create(t, db, "bob", "c2", "Note"); p.Title != "Note" {
		t.Fatalf("bob title = %q, want Note", p.Title)
	}
	if p := create(t, db, "alice", "c3", "Note"); p.Title != "Note 2" {
		t.Fatalf("alice title = %q, want Note 2", p.Title)
	}
}

func TestCreatePageIdempotentOnClientID(t *testing.T) {
	db := testDB(t)
	first := create(t, db, "alice", "temp-1", "Note")

	res, err := db.CreatePage(context.Background(), "alice", models.CreateItem{
		ClientID: "temp-1", Title: "Note", ContentType: models.ContentTypeJSON, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed || res.Page.ID != first.ID || res.Page.Title != "Note" {
		t.Fatalf("replay = %+v, want original page %s", res, first.ID)
	}
	pages, _, err := db.PagesSince(context.Background(), "alice", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
}

func TestUpdatePageAppliesSuppliedFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := create(t, db, "alice", "c1", "Note")

	body := "new body"
	res, err := db.UpdatePage(ctx, "alice", models.UpdateItem{
		ServerID:  p.ID,
		Content:   &body,
		UpdatedAt: p.UpdatedAt,
	}, &p.UpdatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflict != nil {
		t.Fatalf("unexpected conflict: %+v", res.Conflict)
	}
	if res.Page.Content != body || res.Page.Title != "Note" {
		t.Fatalf("page = %+v", res.Page)
	}
	if !res.Page.UpdatedAt.After(p.UpdatedAt) {
		t.Fatalf("updated_at not advanced: %v <= %v", res.Page.UpdatedAt, p.UpdatedAt)
	}
}

func TestUpdatePageConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := create(t, db, "alice", "c1", "Note")
	stale := p.UpdatedAt

	// Another device updates the page after our watermark.
	other := "other device"
	if _, err := db.UpdatePage(ctx, "alice", models.UpdateItem{
		ServerID: p.ID, Content: &other, UpdatedAt: time.Now().Add(time.Second),
	}, nil); err != nil {
		t.Fatal(err)
	}

	mine := "mine"
	res, err := db.UpdatePage(ctx, "alice", models.UpdateItem{
		ServerID: p.ID, Content: &mine, UpdatedAt: stale,
	}, &stale)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflict == nil {
		t.Fatal("expected conflict")
	}
	if res.Conflict.ServerPage.Content != other {
		t.Fatalf("snapshot content = %q, want %q", res.Conflict.ServerPage.Content, other)
	}

	got, err := db.GetPage(ctx, "alice", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != other {
		t.Fatalf("conflicting update applied: %q", got.Content)
	}
}

func TestUpdatePageOwnership(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := create(t, db, "alice", "c1", "Note")

	_, err := db.UpdatePage(ctx, "bob", models.UpdateItem{ServerID: p.ID, UpdatedAt: time.Now()}, nil)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	_, err = db.UpdatePage(ctx, "alice", models.UpdateItem{ServerID: "missing", UpdatedAt: time.Now()}, nil)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPagesSinceIncludesTombstones(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := create(t, db, "alice", "c1", "A")
	create(t, db, "bob", "c2", "B")

	_, mark, err := db.PagesSince(ctx, "alice", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	deleted := true
	if _, err := db.UpdatePage(ctx, "alice", models.UpdateItem{
		ServerID: a.ID, Deleted: &deleted, UpdatedAt: time.Now().Add(time.Second),
	}, &mark); err != nil {
		t.Fatal(err)
	}

	pages, next, err := db.PagesSince(ctx, "alice", mark)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 || pages[0].ID != a.ID || !pages[0].Deleted {
		t.Fatalf("pages = %+v, want tombstone of %s", pages, a.ID)
	}
	if !next.After(mark) {
		t.Fatalf("server timestamp did not advance: %v <= %v", next, mark)
	}

	pages, _, err = db.PagesSince(ctx, "alice", next)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 0 {
		t.Fatalf("pages after latest watermark = %d, want 0", len(pages))
	}
}

func TestClockStrictlyIncreasing(t *testing.T) {
	db := testDB(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return fixed }
	db.last = 0

	a := db.tick()
	b := db.tick()
	if !b.After(a) {
		t.Fatalf("tick not increasing: %v then %v", a, b)
	}
}
