package locale

import (
	"strings"
	"testing"
)

func TestLoadAndLookup(t *testing.T) {
	c, err := Load("ru")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.T("en", "btn_back"); got != "⬅️ Back" {
		t.Fatalf("unexpected english text %q", got)
	}
	if got := c.T("ru", "btn_back"); got != "⬅️ Назад" {
		t.Fatalf("unexpected russian text %q", got)
	}
	if got := c.T("de", "btn_back"); got != "⬅️ Назад" {
		t.Fatalf("expected default locale fallback, got %q", got)
	}
	if got := c.T("en", "no_such_key"); got != "no_such_key" {
		t.Fatalf("expected key fallback, got %q", got)
	}
	if got := c.T("en", "host_added", "Home"); got != "✅ Host 'Home' added and activated!" {
		t.Fatalf("unexpected formatted text %q", got)
	}
}

func TestTablesHaveSameKeys(t *testing.T) {
	c, err := Load("en")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for code, msgs := range c.tables {
		for key := range c.tables["en"] {
			if _, ok := msgs[key]; !ok {
				t.Fatalf("locale %s is missing key %s", code, key)
			}
		}
	}
}

func TestMatch(t *testing.T) {
	c, err := Load("ru")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := map[string]string{
		"en":    "en",
		"en-US": "en",
		"ru":    "ru",
		"":      "ru",
		"ja":    "ru",
	}
	for in, want := range cases {
		if got := c.Match(in); got != want {
			t.Fatalf("Match(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLanguages(t *testing.T) {
	c, err := Load("en")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	langs := c.Languages()
	if len(langs) < 2 {
		t.Fatalf("expected at least two languages, got %d", len(langs))
	}
	for _, l := range langs {
		if strings.TrimSpace(l.Name) == "" || l.Flag == "" {
			t.Fatalf("language %s is missing meta", l.Code)
		}
	}
	if _, err := Load("xx"); err == nil {
		t.Fatalf("expected error for unknown default locale")
	}
}
