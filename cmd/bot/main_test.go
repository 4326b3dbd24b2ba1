package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSanitizeTelegramErr(t *testing.T) {
	token := "123456:AAH-secret"
	err := errors.New(`Post "https://api.telegram.org/bot123456:AAH-secret/sendMessage": timeout`)
	got := sanitizeTelegramErr(err, token)
	if strings.Contains(got, "AAH-secret") {
		t.Fatalf("token leaked: %s", got)
	}
	if !strings.Contains(got, "<redacted-token>") {
		t.Fatalf("expected redaction marker in %s", got)
	}
	if sanitizeTelegramErr(nil, token) != "" {
		t.Fatalf("nil error should sanitize to empty string")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
