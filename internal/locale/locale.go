// Package locale provides typed lookups into embedded YAML string catalogues.
// Keys missing from a locale fall back to the master locale.
package locale

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Master is the locale every other catalogue falls back to.
const Master = "en"

//go:embed locales/*.yaml
var catalogueFS embed.FS

// Catalog holds flattened strings per locale code, keyed by dotted path
// (e.g. "release_feed.missing.title").
type Catalog struct {
	master  string
	strings map[string]map[string]string
}

// Load parses the embedded catalogues. master selects the fallback locale and
// must exist; an empty value means Master.
func Load(master string) (*Catalog, error) {
	return load(catalogueFS, "locales", master)
}

func load(fsys fs.FS, dir, master string) (*Catalog, error) {
	if master == "" {
		master = Master
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read locale directory: %w", err)
	}

	c := &Catalog{master: normalize(master), strings: make(map[string]map[string]string)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}

		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", e.Name(), err)
		}

		flat := make(map[string]string)
		flatten("", tree, flat)
		c.strings[normalize(strings.TrimSuffix(e.Name(), ".yaml"))] = flat
	}

	if _, ok := c.strings[c.master]; !ok {
		return nil, fmt.Errorf("master locale %q not found", master)
	}
	return c, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case string:
			out[key] = val
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func normalize(lang string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(lang), "_", "-"))
}

// Get returns the string for key in lang, formatted with args when any are
// given. Lookup order: exact locale, its base language ("pt-br" → "pt"), the
// master locale. A key absent everywhere is returned as-is.
func (c *Catalog) Get(lang, key string, args ...any) string {
	s, ok := c.lookup(lang, key)
	if !ok {
		return key
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

func (c *Catalog) lookup(lang, key string) (string, bool) {
	lang = normalize(lang)
	candidates := []string{lang}
	if base, _, ok := strings.Cut(lang, "-"); ok {
		candidates = append(candidates, base)
	}
	candidates = append(candidates, c.master)

	for _, code := range candidates {
		if s, ok := c.strings[code][key]; ok {
			return s, true
		}
	}
	return "", false
}

// For binds a locale so callers do not have to thread the code through.
func (c *Catalog) For(lang string) Localizer {
	return func(key string, args ...any) string {
		return c.Get(lang, key, args...)
	}
}

// Has reports whether lang has its own catalogue.
func (c *Catalog) Has(lang string) bool {
	_, ok := c.strings[normalize(lang)]
	return ok
}

// Languages returns the available locale codes, sorted.
func (c *Catalog) Languages() []string {
	out := make([]string, 0, len(c.strings))
	for code := range c.strings {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Localizer is a lookup bound to one locale.
type Localizer func(key string, args ...any) string
