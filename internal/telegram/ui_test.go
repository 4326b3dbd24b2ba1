package telegram

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"ollamabot/internal/conversation"
	"ollamabot/internal/locale"
	"ollamabot/internal/ollama"
	"ollamabot/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cat, err := locale.Load("en")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewService(Config{Catalog: cat, Logger: zerolog.Nop()})
}

func decodeButtons(t *testing.T, m *gotgbot.InlineKeyboardMarkup) [][]Action {
	t.Helper()
	out := make([][]Action, 0, len(m.InlineKeyboard))
	for _, row := range m.InlineKeyboard {
		var line []Action
		for _, b := range row {
			if len(b.CallbackData) > maxCallbackData {
				t.Fatalf("callback data %q over limit", b.CallbackData)
			}
			a, err := DecodeAction(b.CallbackData)
			if err != nil {
				t.Fatalf("decode %q: %v", b.CallbackData, err)
			}
			line = append(line, a)
		}
		out = append(out, line)
	}
	return out
}

func TestModelsViewMarksSelectedAndSkipsLongNames(t *testing.T) {
	s := newTestService(t)
	models := []ollama.Model{
		{Name: "llama3:8b", Size: 4_700_000_000},
		{Name: "qwen2.5:0.5b"},
		{Name: strings.Repeat("x", 70)},
	}
	v := s.modelsView("en", models, "qwen2.5:0.5b")

	rows := v.markup.InlineKeyboard
	// two models, add model, back; the oversized name is dropped
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0][0].Text != "llama3:8b (4.7 GB)" {
		t.Fatalf("unexpected label %q", rows[0][0].Text)
	}
	if !strings.HasPrefix(rows[1][0].Text, selectedMark) {
		t.Fatalf("selected model not marked: %q", rows[1][0].Text)
	}
	acts := decodeButtons(t, v.markup)
	if acts[0][0].Kind != KindSelectModel || acts[0][0].Arg != "llama3:8b" {
		t.Fatalf("unexpected first action %+v", acts[0][0])
	}
	if acts[2][0].Kind != KindAddModel || acts[3][0].Kind != KindMenu {
		t.Fatalf("unexpected trailing actions %+v", acts[2:])
	}
}

func TestChatViewActionsCarryChatID(t *testing.T) {
	s := newTestService(t)
	v := s.chatView("en", storage.Chat{ID: 77, Name: "Trip", Model: "llama3"})
	if !strings.Contains(v.text, "Trip") || !strings.Contains(v.text, "llama3") {
		t.Fatalf("unexpected chat text %q", v.text)
	}
	acts := decodeButtons(t, v.markup)
	want := []Kind{KindDeleteChat, KindRenameChat, KindContinueChat}
	got := []Action{acts[0][0], acts[0][1], acts[1][0]}
	for i, k := range want {
		if got[i].Kind != k || got[i].ID != 77 {
			t.Fatalf("button %d: got %+v, want kind %v for chat 77", i, got[i], k)
		}
	}
	if acts[2][0].Kind != KindChats {
		t.Fatalf("expected back to chats, got %+v", acts[2][0])
	}
}

func TestHostsViewMarksActive(t *testing.T) {
	s := newTestService(t)
	v := s.hostsView("en", []storage.Host{
		{ID: 1, Name: "home", URL: "http://10.0.0.2:11434"},
		{ID: 2, Name: "vps", URL: "http://1.2.3.4:11434", Active: true},
	})
	if !strings.Contains(v.text, selectedMark+"vps: http://1.2.3.4:11434") {
		t.Fatalf("active host not marked in %q", v.text)
	}
	acts := decodeButtons(t, v.markup)
	if acts[1][0].Kind != KindSelectHost || acts[1][0].ID != 2 || acts[1][1].Kind != KindDeleteHost {
		t.Fatalf("unexpected host row %+v", acts[1])
	}

	empty := s.hostsView("en", nil)
	if empty.text != s.catalog.T("en", "no_hosts") {
		t.Fatalf("unexpected empty text %q", empty.text)
	}
}

func TestSettingsViewFallsBackToNone(t *testing.T) {
	s := newTestService(t)
	v := s.settingsView("en", conversation.Settings{User: storage.User{Host: "http://h:1", SelectedModel: "llama3"}})
	for _, want := range []string{"Host: http://h:1", "Selected model: llama3", "Translator: none"} {
		if !strings.Contains(v.text, want) {
			t.Fatalf("settings text %q lacks %q", v.text, want)
		}
	}
}

func TestModifyActions(t *testing.T) {
	s := newTestService(t)
	acts := decodeButtons(t, s.modifyActions("en", 5))
	var mods []string
	for _, row := range acts[:2] {
		for _, a := range row {
			if a.Kind != KindModify || a.ID != 5 {
				t.Fatalf("unexpected modify action %+v", a)
			}
			if _, ok := conversation.ParseModification(a.Arg); !ok {
				t.Fatalf("unknown modification %q", a.Arg)
			}
			mods = append(mods, a.Arg)
		}
	}
	if len(mods) != 4 {
		t.Fatalf("expected 4 modifications, got %v", mods)
	}
	if acts[2][0].Kind != KindEditResponse || acts[3][0].Kind != KindReplyActions {
		t.Fatalf("unexpected trailing rows %+v", acts[2:])
	}
}

func TestReplyKeyboardAction(t *testing.T) {
	s := newTestService(t)
	for _, row := range s.replyKeyboard("en").Keyboard {
		if _, ok := s.replyKeyboardAction("en", row[0].Text); !ok {
			t.Fatalf("reply button %q not routed", row[0].Text)
		}
	}
	if _, ok := s.replyKeyboardAction("en", "hello there"); ok {
		t.Fatalf("free text routed as a button")
	}
}

func TestHostCheckAnnouncedOnlyForWellFormedURL(t *testing.T) {
	s := newTestService(t)
	cases := []struct {
		flow conversation.Flow
		text string
		want bool
	}{
		{conversation.AwaitingHostURL{}, " http://10.1.1.1:11434 ", true},
		{conversation.AwaitingHostURL{}, "localhost", false},
		{conversation.AwaitingHostURL{}, "", false},
		{conversation.AwaitingHostName{URL: "http://10.1.1.1:11434"}, "http://10.1.1.1:11434", false},
		{nil, "http://10.1.1.1:11434", false},
	}
	for _, tc := range cases {
		if got := s.announcesHostCheck(tc.flow, tc.text); got != tc.want {
			t.Fatalf("announcesHostCheck(%T, %q) = %v, want %v", tc.flow, tc.text, got, tc.want)
		}
	}
}

func TestErrorText(t *testing.T) {
	s := newTestService(t)
	reset := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	cases := []struct {
		err   error
		key   string
		known bool
	}{
		{fmt.Errorf("turn: %w", conversation.ErrNoModel), "please_select_model", true},
		{conversation.ErrNothingToRewrite, "nothing_to_rewrite", true},
		{fmt.Errorf("%w: boom", conversation.ErrGeneration), "error_generating", true},
		{storage.ErrNotFound, "chat_not_found", true},
		{errors.New("disk on fire"), "generic_error", false},
	}
	for _, tc := range cases {
		text, known := s.errorText("en", tc.err)
		if text != s.catalog.T("en", tc.key) || known != tc.known {
			t.Fatalf("errorText(%v) = %q, %v", tc.err, text, known)
		}
	}

	text, known := s.errorText("en", &conversation.LimitError{ResetAt: reset})
	if !known || !strings.Contains(text, "14:00 UTC") {
		t.Fatalf("unexpected rate limit text %q", text)
	}
}

func TestTruncate(t *testing.T) {
	short := "привет"
	if truncate(short) != short {
		t.Fatalf("short text changed")
	}
	long := strings.Repeat("ж", maxMessageRunes+10)
	got := truncate(long)
	if n := utf8.RuneCountInString(got); n != maxMessageRunes {
		t.Fatalf("expected %d runes, got %d", maxMessageRunes, n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated text lacks ellipsis")
	}
}

func TestTypingTickerStops(t *testing.T) {
	var sends atomic.Int32
	stop := startTypingTicker(5*time.Millisecond, func() { sends.Add(1) })
	time.Sleep(30 * time.Millisecond)
	stop()
	stop()
	time.Sleep(10 * time.Millisecond)
	after := sends.Load()
	if after < 2 {
		t.Fatalf("expected repeated sends, got %d", after)
	}
	time.Sleep(20 * time.Millisecond)
	if sends.Load() != after {
		t.Fatalf("ticker kept sending after stop")
	}
}

func TestProcessorPrivateModeDropsOthers(t *testing.T) {
	p := Processor{AllowedUserID: 1, Logger: zerolog.Nop()}
	ctx := &ext.Context{EffectiveUser: &gotgbot.User{Id: 2}}
	// a nil dispatcher would panic if the update got through
	if err := p.ProcessUpdate(nil, nil, ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
}
