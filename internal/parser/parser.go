// Package parser extracts titles, wikilinks and searchable text from page content.
package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/sowilo/internal/models"
)

var wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)

// Result holds the output of parsing a Markdown document.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Links       []string
	Title       string
}

// Parse extracts frontmatter, body, wikilinks and the title from raw Markdown bytes.
func Parse(data []byte) *Result {
	fm, body := splitFrontmatter(data)
	return &Result{
		Frontmatter: fm,
		Body:        body,
		Links:       extractLinks(body),
		Title:       deriveTitle(fm, body),
	}
}

// PlainText returns the denormalized search text of a page body. Rich JSON
// documents contribute the values of every "text" key, in document order;
// Markdown and plain text are stripped of frontmatter.
func PlainText(contentType, content string) string {
	switch contentType {
	case models.ContentTypeJSON, models.ContentTypeCanvas:
		var doc any
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return strings.TrimSpace(content)
		}
		var parts []string
		collectText(doc, &parts)
		return strings.Join(parts, " ")
	default:
		_, body := splitFrontmatter([]byte(content))
		return strings.TrimSpace(body)
	}
}

func collectText(node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				*out = append(*out, s)
			}
		}
		// Children carry document order; visit them before other keys.
		if c, ok := v["content"]; ok {
			collectText(c, out)
		}
		if c, ok := v["children"]; ok {
			collectText(c, out)
		}
	case []any:
		for _, item := range v {
			collectText(item, out)
		}
	}
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. Without frontmatter the entire content is body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Invalid YAML: keep the whole document as body.
		return nil, string(data)
	}
	return fm, body
}

// extractLinks returns deduplicated wikilink targets with aliases removed.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]any, body string) string {
	if fm != nil {
		if s, ok := fm["title"].(string); ok && s != "" {
			return s
		}
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
