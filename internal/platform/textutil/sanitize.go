package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// StripMarkup removes every HTML element from s, unescapes entities and collapses whitespace so the
// value is safe to persist and print onto stamp documents.
func StripMarkup(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	cleaned := html.UnescapeString(strictPolicy.Sanitize(s))
	return strings.Join(strings.Fields(cleaned), " ")
}
