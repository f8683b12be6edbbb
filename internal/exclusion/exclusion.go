// Package exclusion turns free-form exclusion input into glob matchers
// applied to theme-relative paths.
package exclusion

import (
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

const (
	MaxPatterns      = 100
	MaxPatternLength = 255
)

// Sanitize normalizes exclusion input. It accepts a string (patterns
// separated by newlines or commas, optionally double-quoted) or a slice of
// patterns. Anything else yields no patterns.
func Sanitize(input any) []string {
	var raw []string
	switch v := input.(type) {
	case string:
		raw = split(v)
	case []string:
		for _, s := range v {
			raw = append(raw, unquote(s))
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				raw = append(raw, unquote(str))
			}
		}
	default:
		return nil
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, p := range raw {
		// Truncation can expose a ".." segment, so check afterwards.
		p = truncate(normalize(p), MaxPatternLength)
		if p == "" || hasTraversal(p) {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		if len(out) == MaxPatterns {
			break
		}
	}
	return out
}

// split breaks s on newlines and commas that sit outside double quotes.
func split(s string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ',' || r == '\n' || r == '\r'):
			tokens = append(tokens, unquote(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	tokens = append(tokens, unquote(cur.String()))
	return tokens
}

// unquote returns the inside of a fully quoted token untouched. Unquoted
// tokens are trimmed and stray quote characters removed.
func unquote(tok string) string {
	t := strings.TrimSpace(tok)
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' && strings.Count(t, `"`) == 2 {
		return t[1 : len(t)-1]
	}
	return strings.TrimSpace(strings.ReplaceAll(t, `"`, ""))
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimLeft(p, "/")
}

// hasTraversal reports whether any /- or \-delimited segment is exactly "..".
func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if strings.TrimSpace(seg) == ".." {
			return true
		}
	}
	return false
}

func truncate(p string, n int) string {
	if len(p) <= n {
		return p
	}
	p = p[:n]
	for !utf8.ValidString(p) {
		p = p[:len(p)-1]
	}
	return p
}

// Filter matches relative paths against compiled exclusion globs.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// Compile builds a filter from sanitized patterns. Patterns that fail to
// compile are skipped.
func Compile(patterns []string) *Filter {
	f := &Filter{}
	for _, p := range patterns {
		dirOnly := strings.HasSuffix(p, "/")
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		f.globs = append(f.globs, g)
		if dirOnly {
			if sub, err := glob.Compile(p + "/*"); err == nil {
				f.globs = append(f.globs, sub)
			}
		}
		f.patterns = append(f.patterns, p)
	}
	return f
}

// Parse sanitizes input and compiles the result.
func Parse(input any) *Filter {
	return Compile(Sanitize(input))
}

// Patterns returns the patterns that compiled successfully.
func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.patterns
}

// Match reports whether rel (slash- or backslash-separated, relative to the
// theme root) is excluded by its full path or its basename.
func (f *Filter) Match(rel string) bool {
	if f == nil || len(f.globs) == 0 {
		return false
	}
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, `\`, "/"), "./")
	base := path.Base(rel)
	for _, g := range f.globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}
