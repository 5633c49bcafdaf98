package localstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// TempIDPrefix marks identifiers minted on the client before the server has
// acknowledged the page.
const TempIDPrefix = "temp-"

var folder = cases.Fold()

// NormalizeTitle returns the uniqueness key of a title: trimmed and case-folded.
func NormalizeTitle(title string) string {
	return folder.String(strings.TrimSpace(title))
}

// NewTempID mints a temporary client identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a temporary client identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

var dailyLayouts = []string{"2006-01-02", "January 2, 2006"}

// IsDailyTitle reports whether title names a daily page.
func IsDailyTitle(title string) bool {
	title = strings.TrimSpace(title)
	for _, layout := range dailyLayouts {
		if _, err := time.Parse(layout, title); err == nil {
			return true
		}
	}
	return false
}

// replaceID rewrites every occurrence of oldID in content that is not part of
// a longer identifier. It reports whether anything changed.
func replaceID(content, oldID, newID string) (string, bool) {
	if oldID == "" || !strings.Contains(content, oldID) {
		return content, false
	}
	var b strings.Builder
	changed := false
	pos := 0
	for {
		i := strings.Index(content[pos:], oldID)
		if i < 0 {
			break
		}
		start := pos + i
		end := start + len(oldID)
		if isBoundary(content, start-1) && isBoundary(content, end) {
			b.WriteString(content[pos:start])
			b.WriteString(newID)
			changed = true
		} else {
			b.WriteString(content[pos:end])
		}
		pos = end
	}
	if !changed {
		return content, false
	}
	b.WriteString(content[pos:])
	return b.String(), true
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		return false
	}
	return true
}
