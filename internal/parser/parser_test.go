package parser

import (
	"testing"

	"github.com/starford/sowilo/internal/models"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	input := []byte("---\ntitle: Hello\n---\n# Heading\nBody with [[Other]].\n")
	r := Parse(input)
	if r.Title != "Hello" {
		t.Errorf("title = %q, want %q", r.Title, "Hello")
	}
	if r.Body != "# Heading\nBody with [[Other]].\n" {
		t.Errorf("body = %q", r.Body)
	}
	if len(r.Links) != 1 || r.Links[0] != "Other" {
		t.Errorf("links = %v, want [Other]", r.Links)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	r := Parse([]byte("# Just a heading\nSome text.\n"))
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", r.Frontmatter)
	}
	if r.Title != "Just a heading" {
		t.Errorf("title = %q, want %q", r.Title, "Just a heading")
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	r := Parse([]byte("---\n: invalid: yaml: {{{\n---\nBody\n"))
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
}

func TestExtractLinks_Basic(t *testing.T) {
	links := extractLinks("See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]] again.")
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}
	if links[0] != "Note A" || links[1] != "Note B" {
		t.Errorf("links = %v", links)
	}
}

func TestExtractLinks_EmptyTarget(t *testing.T) {
	links := extractLinks("see [[ ]] and [[|alias]]")
	if len(links) != 0 {
		t.Errorf("expected no links, got %v", links)
	}
}

func TestDeriveTitle_FrontmatterOverH1(t *testing.T) {
	title := deriveTitle(map[string]any{"title": "FM Title"}, "# H1 Title\ntext")
	if title != "FM Title" {
		t.Errorf("title = %q, want %q", title, "FM Title")
	}
}

func TestPlainText_RichDocument(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"},{"type":"mention","attrs":{"pageId":"temp-1"}},{"type":"text","text":"world"}]}]}`
	got := PlainText(models.ContentTypeJSON, doc)
	if got != "Hello world" {
		t.Errorf("plain text = %q, want %q", got, "Hello world")
	}
}

func TestPlainText_InvalidJSONFallsBackToRaw(t *testing.T) {
	got := PlainText(models.ContentTypeJSON, "  not json ")
	if got != "not json" {
		t.Errorf("plain text = %q", got)
	}
}

func TestPlainText_MarkdownStripsFrontmatter(t *testing.T) {
	got := PlainText(models.ContentTypeMarkdown, "---\ntitle: x\n---\nbody text\n")
	if got != "body text" {
		t.Errorf("plain text = %q", got)
	}
}
