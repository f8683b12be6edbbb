// Package patterns exports a theme's block patterns as a JSON document.
package patterns

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	SchemaVersion = 1
	// SitePlaceholder replaces the site URL in portable exports.
	SitePlaceholder = "{{site_url}}"
)

// ErrThemeNotFound is returned when the theme directory does not exist.
var ErrThemeNotFound = errors.New("theme not found")

type Pattern struct {
	Title       string   `json:"title"`
	Slug        string   `json:"slug"`
	Categories  []string `json:"categories"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Content     string   `json:"content"`
}

type Document struct {
	Schema     int       `json:"schema"`
	Theme      string    `json:"theme"`
	ExportedAt int64     `json:"exported_at"`
	Portable   bool      `json:"portable"`
	Patterns   []Pattern `json:"patterns"`
}

type Options struct {
	// Portable replaces SiteURL in pattern content with SitePlaceholder.
	Portable bool
	SiteURL  string
	Now      time.Time
}

// Export reads every .php and .html file under <themesDir>/<theme>/patterns.
// A theme without a patterns directory yields an empty document.
func Export(fs afero.Fs, themesDir, theme string, opts Options) (*Document, error) {
	root := filepath.Join(themesDir, theme)
	if ok, err := afero.DirExists(fs, root); err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", ErrThemeNotFound, theme)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	doc := &Document{
		Schema:     SchemaVersion,
		Theme:      theme,
		ExportedAt: now.Unix(),
		Portable:   opts.Portable,
		Patterns:   []Pattern{},
	}

	dir := filepath.Join(root, "patterns")
	entries, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read patterns dir: %w", err)
	}

	for _, e := range entries {
		ext := strings.ToLower(path.Ext(e.Name()))
		if e.IsDir() || (ext != ".php" && ext != ".html") {
			continue
		}
		data, err := afero.ReadFile(fs, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read pattern %s: %w", e.Name(), err)
		}
		p := Parse(theme, e.Name(), string(data))
		if opts.Portable && opts.SiteURL != "" {
			p.Content = makePortable(p.Content, opts.SiteURL)
		}
		doc.Patterns = append(doc.Patterns, p)
	}
	sort.Slice(doc.Patterns, func(i, j int) bool { return doc.Patterns[i].Slug < doc.Patterns[j].Slug })
	return doc, nil
}

// Parse reads the header fields of a pattern file. Missing fields default
// from the file name.
func Parse(theme, name, src string) Pattern {
	base := strings.TrimSuffix(name, path.Ext(name))
	p := Pattern{
		Title:      humanize(base),
		Slug:       theme + "/" + base,
		Categories: []string{},
		Source:     "patterns/" + name,
		Content:    strings.TrimSpace(src),
	}

	start := strings.Index(src, "/**")
	if start < 0 {
		return p
	}
	end := strings.Index(src[start:], "*/")
	if end < 0 {
		return p
	}
	header := src[start+3 : start+end]
	body := src[start+end+2:]
	if i := strings.Index(body, "?>"); i >= 0 && strings.TrimSpace(body[:i]) == "" {
		body = body[i+2:]
	}
	p.Content = strings.TrimSpace(body)

	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "title":
			p.Title = value
		case "slug":
			p.Slug = value
		case "description":
			p.Description = value
		case "categories":
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					p.Categories = append(p.Categories, c)
				}
			}
		}
	}
	return p
}

func makePortable(content, siteURL string) string {
	siteURL = strings.TrimRight(siteURL, "/")
	escaped := strings.ReplaceAll(siteURL, "/", `\/`)
	content = strings.ReplaceAll(content, siteURL, SitePlaceholder)
	return strings.ReplaceAll(content, escaped, SitePlaceholder)
}

func humanize(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
