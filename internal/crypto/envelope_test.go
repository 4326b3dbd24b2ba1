package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sealed, err := m.Seal("what is 2+2?")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "2+2") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}

	out, err := m.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "what is 2+2?" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestOpenPassesPlaintextThrough(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	out, err := m.Open("written before keys were configured")
	if err != nil {
		t.Fatalf("open plaintext: %v", err)
	}
	if out != "written before keys were configured" {
		t.Fatalf("unexpected plaintext %q", out)
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldSealed, err := oldManager.Seal("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}
	plain, err := rotated.Open(oldSealed)
	if err != nil {
		t.Fatalf("open with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	fresh, err := rotated.Seal("fresh")
	if err != nil {
		t.Fatalf("new seal failed: %v", err)
	}
	if _, err := oldManager.Open(fresh); err == nil {
		t.Fatalf("expected old manager to reject value sealed with new key")
	}
}

func TestNewManagerRejectsShortKey(t *testing.T) {
	if _, err := NewManager("k", map[string][]byte{"k": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
