package custom

import (
	"strings"
	"unicode"
)

// Slugify lowercases value and collapses every run of characters
// outside [a-z0-9] into a single dash, trimming dashes at the ends.
// Returns "" when nothing usable remains.
func Slugify(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}

// NormalizeSubarches splits a comma or whitespace separated list,
// drops empty and repeated entries and rejoins with commas. Returns ""
// when no entries remain.
func NormalizeSubarches(value string) string {
	seen := map[string]bool{}
	var out []string
	for _, token := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	}) {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return strings.Join(out, ",")
}
