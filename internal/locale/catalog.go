// Package locale holds the user-facing strings, one table per two-letter
// language code, embedded from TOML files.
package locale

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var files embed.FS

type Language struct {
	Code string
	Name string
	Flag string
}

type table struct {
	Meta struct {
		Name string `toml:"name"`
		Flag string `toml:"flag"`
	} `toml:"meta"`
	Messages map[string]string `toml:"messages"`
}

type Catalog struct {
	def     string
	tables  map[string]map[string]string
	langs   []Language
	codes   []string
	matcher language.Matcher
}

// Load parses the embedded tables. def must be one of them and is used for keys
// missing from other tables and for users whose language cannot be matched.
func Load(def string) (*Catalog, error) {
	entries, err := files.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}

	c := &Catalog{def: strings.ToLower(def), tables: map[string]map[string]string{}}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".toml" {
			continue
		}
		raw, err := files.ReadFile(path.Join("locales", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var t table
		if _, err := toml.Decode(string(raw), &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		code := strings.TrimSuffix(e.Name(), ".toml")
		c.tables[code] = t.Messages
		c.langs = append(c.langs, Language{Code: code, Name: t.Meta.Name, Flag: t.Meta.Flag})
	}
	if _, ok := c.tables[c.def]; !ok {
		return nil, fmt.Errorf("default locale %q has no table", def)
	}
	sort.Slice(c.langs, func(i, j int) bool { return c.langs[i].Code < c.langs[j].Code })

	// the default goes first so the matcher falls back to it
	c.codes = append(c.codes, c.def)
	for _, l := range c.langs {
		if l.Code != c.def {
			c.codes = append(c.codes, l.Code)
		}
	}
	tags := make([]language.Tag, 0, len(c.codes))
	for _, code := range c.codes {
		tags = append(tags, language.Make(code))
	}
	c.matcher = language.NewMatcher(tags)
	return c, nil
}

// T looks key up in the locale's table, then in the default table, and finally
// returns the key itself. Args, when given, are applied with fmt.Sprintf.
func (c *Catalog) T(locale, key string, args ...any) string {
	text, ok := c.tables[locale][key]
	if !ok {
		text, ok = c.tables[c.def][key]
	}
	if !ok {
		text = key
	}
	if len(args) > 0 {
		return fmt.Sprintf(text, args...)
	}
	return text
}

func (c *Catalog) Has(code string) bool {
	_, ok := c.tables[code]
	return ok
}

func (c *Catalog) Default() string {
	return c.def
}

func (c *Catalog) Languages() []Language {
	out := make([]Language, len(c.langs))
	copy(out, c.langs)
	return out
}

// Match maps a client language code such as "en-US" or "ru" to the closest
// catalog code.
func (c *Catalog) Match(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return c.def
	}
	_, idx, conf := c.matcher.Match(language.Make(code))
	if conf == language.No || idx < 0 || idx >= len(c.codes) {
		return c.def
	}
	return c.codes[idx]
}
