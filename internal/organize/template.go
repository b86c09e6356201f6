package organize

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Characters that are invalid in file and directory names across
// platforms.
var invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Maximum length for a single path segment (directory or filename).
const maxSegmentLength = 200

// Template variable pattern: {variable_name}.
var templateVar = regexp.MustCompile(`\{(\w+)\}`)

// Template renders organized directory paths from book metadata.
// Variables are enclosed in curly braces: {author}, {title}, and so on.
// Missing fields are omitted from the path.
type Template struct {
	pattern string
}

func NewTemplate(pattern string) Template {
	return Template{pattern: pattern}
}

// Render substitutes each {variable} with its sanitized value, empty for
// missing variables, then normalizes the result to clean slash-separated
// segments. If every segment comes out empty the sentinel "." is
// returned.
func (t Template) Render(vars map[string]string) string {
	result := t.pattern
	for _, m := range templateVar.FindAllStringSubmatch(t.pattern, -1) {
		placeholder, name := m[0], m[1]
		value := vars[name]
		if value != "" {
			value = SanitizeName(value)
		}
		result = strings.ReplaceAll(result, placeholder, value)
	}

	var segments []string
	for _, s := range strings.Split(result, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return "."
	}
	return strings.Join(segments, "/")
}

// SanitizeName makes a string safe to use as a single path segment:
// invalid characters become underscores, surrounding whitespace and dots
// are stripped, and overlong segments are truncated preserving the
// extension.
func SanitizeName(name string) string {
	s := invalidChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, ". \t\n\r")
	if len(s) > maxSegmentLength {
		ext := filepath.Ext(s)
		stem := s[:len(s)-len(ext)]
		max := maxSegmentLength - len(ext)
		if max < 0 {
			max = 0
		}
		if len(stem) > max {
			stem = stem[:max]
		}
		// Truncation can expose a trailing dot or space; trim again so
		// sanitizing is closed under repeated application.
		s = strings.Trim(stem+ext, ". \t\n\r")
	}
	return s
}
