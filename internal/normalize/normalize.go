// Package normalize canonicalizes identifiers before they are stored or compared.
package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons: trimmed and lower-cased.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// ID returns a normalized ObjectID hex string. It does not validate.
func ID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Unique returns the non-empty values of in after applying fn, without
// duplicates and in first-seen order.
func Unique(in []string, fn func(string) string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if fn != nil {
			v = fn(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
