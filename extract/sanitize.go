package extract

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Sanitize strips every tag from s and decodes entities. The result is
// plain text safe to compare or hand to a model.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	return html.UnescapeString(strict.Sanitize(s))
}

// Clean sanitizes s and collapses runs of whitespace to single spaces.
func Clean(s string) string {
	return strings.Join(strings.Fields(Sanitize(s)), " ")
}

// CleanLines sanitizes s and keeps one trimmed, whitespace-collapsed line
// per non-blank input line.
func CleanLines(s string) []string {
	var out []string
	for _, line := range strings.Split(Sanitize(s), "\n") {
		if l := strings.Join(strings.Fields(line), " "); l != "" {
			out = append(out, l)
		}
	}
	return out
}
