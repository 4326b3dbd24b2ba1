package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bot.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndSelectHostKeepsSingleActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, 7, "", "en"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.AddHost(ctx, 7, fmt.Sprintf("http://10.0.0.%d:11434", i), fmt.Sprintf("host-%d", i))
		if err != nil {
			t.Fatalf("add host %d: %v", i, err)
		}
		ids = append(ids, id)
		assertSingleActive(t, s, 7, id)
	}

	h, err := s.SetActiveHost(ctx, 7, ids[0])
	if err != nil {
		t.Fatalf("set active host: %v", err)
	}
	if h.URL != "http://10.0.0.0:11434" {
		t.Fatalf("unexpected host url %q", h.URL)
	}
	assertSingleActive(t, s, 7, ids[0])

	u, err := s.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Host != h.URL {
		t.Fatalf("expected user host %q, got %q", h.URL, u.Host)
	}

	if _, err := s.SetActiveHost(ctx, 8, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign host, got %v", err)
	}
	assertSingleActive(t, s, 7, ids[0])
}

func assertSingleActive(t *testing.T, s *Store, userID, wantID int64) {
	t.Helper()
	hosts, err := s.ListHosts(context.Background(), userID)
	if err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	active := 0
	for _, h := range hosts {
		if h.Active {
			active++
			if h.ID != wantID {
				t.Fatalf("expected host %d active, got %d", wantID, h.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active host, got %d", active)
	}
}

func TestDeleteHostScopedToUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddHost(ctx, 1, "http://localhost:11434", "home")
	if err != nil {
		t.Fatalf("add host: %v", err)
	}
	if err := s.DeleteHost(ctx, 2, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteHost(ctx, 1, id); err != nil {
		t.Fatalf("delete host: %v", err)
	}
	hosts, err := s.ListHosts(ctx, 1)
	if err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("expected no hosts, got %d", len(hosts))
	}
}

func TestUpdateUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	model := "llama3:8b"
	if err := s.UpdateUser(ctx, 5, UserUpdate{SelectedModel: &model}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
	if err := s.CreateUser(ctx, 5, "http://localhost:11434", "ru"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.UpdateUser(ctx, 5, UserUpdate{SelectedModel: &model}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	u, err := s.GetUser(ctx, 5)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.SelectedModel != model || u.Locale != "ru" || u.TranslatorModel != "" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestRenameAndDeleteChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, err := s.CreateChat(ctx, 1, "New chat", "llama3")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := s.RenameChat(ctx, chatID, "Trip planning"); err != nil {
		t.Fatalf("rename chat: %v", err)
	}
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.Name != "Trip planning" || c.Model != "llama3" || c.UserID != 1 {
		t.Fatalf("unexpected chat %+v", c)
	}

	if err := s.AppendMessage(ctx, chatID, RoleUser, "hi"); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := s.DeleteChat(ctx, chatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	msgs, err := s.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after delete, got %d", len(msgs))
	}
	if _, err := s.GetChat(ctx, chatID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListChatsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateChat(ctx, 1, "a", "m")
	second, _ := s.CreateChat(ctx, 1, "b", "m")
	if _, err := s.CreateChat(ctx, 2, "other", "m"); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	chats, err := s.ListChats(ctx, 1)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != second || chats[1].ID != first {
		t.Fatalf("unexpected chat order %+v", chats)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, _ := s.CreateChat(ctx, 1, "c", "m")
	roles := []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant, RoleUser}
	for i, role := range roles {
		if err := s.AppendMessage(ctx, chatID, role, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != len(roles) {
		t.Fatalf("expected %d messages, got %d", len(roles), len(msgs))
	}
	for i, m := range msgs {
		if m.Role != roles[i] || m.Content != fmt.Sprintf("message %d", i) {
			t.Fatalf("message %d mismatch: %+v", i, m)
		}
	}
}

func TestOverwriteLastMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, _ := s.CreateChat(ctx, 1, "c", "m")
	if err := s.OverwriteLastMessage(ctx, chatID, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty chat, got %v", err)
	}
	_ = s.AppendMessage(ctx, chatID, RoleUser, "u1")
	_ = s.AppendMessage(ctx, chatID, RoleAssistant, "a1")

	if err := s.OverwriteLastMessage(ctx, chatID, "a2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, chatID)
	if len(msgs) != 2 || msgs[0].Content != "u1" || msgs[1].Content != "a2" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

type upperSealer struct{}

func (upperSealer) Seal(v string) (string, error) { return "sealed:" + strings.ToUpper(v), nil }
func (upperSealer) Open(v string) (string, error) {
	if !strings.HasPrefix(v, "sealed:") {
		return v, nil
	}
	return strings.ToLower(strings.TrimPrefix(v, "sealed:")), nil
}

func TestSealedMessageContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, _ := s.CreateChat(ctx, 1, "c", "m")
	_ = s.AppendMessage(ctx, chatID, RoleUser, "before keys")
	s.UseSealer(upperSealer{})
	if err := s.AppendMessage(ctx, chatID, RoleAssistant, "secret"); err != nil {
		t.Fatalf("append sealed: %v", err)
	}

	var raw string
	if err := s.DB().QueryRowContext(ctx, "SELECT content FROM messages WHERE role = 'assistant'").Scan(&raw); err != nil {
		t.Fatalf("read raw content: %v", err)
	}
	if raw != "sealed:SECRET" {
		t.Fatalf("expected sealed content at rest, got %q", raw)
	}

	msgs, err := s.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if msgs[0].Content != "before keys" || msgs[1].Content != "secret" {
		t.Fatalf("unexpected opened history %+v", msgs)
	}
}
