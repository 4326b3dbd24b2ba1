package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"ollamabot/internal/ollama"
	"ollamabot/internal/storage"
)

var hostPattern = regexp.MustCompile(`^https?://[\w.\-]+:\d+$`)

// ValidHost reports whether raw is a scheme://host:port base URL.
func ValidHost(raw string) bool {
	return hostPattern.MatchString(raw)
}

type OutcomeKind int

const (
	// OutcomeReply is an assistant reply; Text is what to show.
	OutcomeReply OutcomeKind = iota
	// OutcomeHostChecked means the host answered and its name is expected next.
	OutcomeHostChecked
	// OutcomeHostAdded means the host was saved and activated; Text is its name.
	OutcomeHostAdded
	// OutcomePull asks the caller to start pulling Model from Host.
	OutcomePull
	OutcomeChatRenamed
	OutcomeResponseEdited
)

type Outcome struct {
	Kind   OutcomeKind
	ChatID int64
	Text   string
	Host   string
	Model  string
}

type Input struct {
	UserID int64
	// LangCode is the client language, used for users without a profile.
	LangCode string
	Text     string
	Typing   Typing
}

// Modification is one of the fixed rewrite instructions.
type Modification string

const (
	ModShorter Modification = "shorter"
	ModLonger  Modification = "longer"
	ModSimpler Modification = "simpler"
	ModComplex Modification = "complex"
)

var modificationPrompts = map[Modification]string{
	ModShorter: "Make your previous response shorter and more concise.",
	ModLonger:  "Expand your previous response with more details.",
	ModSimpler: "Simplify your previous response for easier understanding.",
	ModComplex: "Make your previous response more detailed and sophisticated.",
}

// ParseModification maps an action argument to a Modification.
func ParseModification(s string) (Modification, bool) {
	m := Modification(s)
	_, ok := modificationPrompts[m]
	return m, ok
}

// HandleText routes free text to the user's active flow, or runs a chat turn
// when there is none. Errors for invalid input leave the flow in place.
func (e *Engine) HandleText(ctx context.Context, in Input) (Outcome, error) {
	flow, err := e.flows.Get(ctx, in.UserID)
	if err != nil {
		return Outcome{}, err
	}
	text := strings.TrimSpace(in.Text)

	switch f := flow.(type) {
	case AwaitingHostURL:
		return e.checkHost(ctx, in.UserID, text)
	case AwaitingHostName:
		return e.saveHost(ctx, in, f.URL, text)
	case AwaitingModelName:
		return e.requestPull(ctx, in.UserID, text)
	case AwaitingChatRename:
		return e.renameChat(ctx, in.UserID, f.ChatID, text)
	case AwaitingResponseEdit:
		return e.editResponse(ctx, in.UserID, f.ChatID, in.Text)
	default:
		if text == "" {
			return Outcome{}, ErrEmptyInput
		}
		return e.chatTurn(ctx, in.UserID, in.Text, in.Typing)
	}
}

func (e *Engine) checkHost(ctx context.Context, userID int64, raw string) (Outcome, error) {
	if !ValidHost(raw) {
		return Outcome{}, ErrInvalidHost
	}
	if err := e.inference.Probe(ctx, raw); err != nil {
		e.log.Info().Err(err).Int64("user_id", userID).Str("host", raw).Msg("host probe failed")
		return Outcome{}, fmt.Errorf("%w: %w", ErrHostUnreachable, err)
	}
	if err := e.flows.Set(ctx, userID, AwaitingHostName{URL: raw}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeHostChecked, Host: raw}, nil
}

func (e *Engine) saveHost(ctx context.Context, in Input, url, name string) (Outcome, error) {
	if name == "" {
		return Outcome{}, ErrEmptyInput
	}
	_, ok, err := e.Profile(ctx, in.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		if err := e.store.CreateUser(ctx, in.UserID, url, e.catalog.Match(in.LangCode)); err != nil {
			return Outcome{}, err
		}
	}
	hostID, err := e.store.AddHost(ctx, in.UserID, url, name)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.flows.Clear(ctx, in.UserID); err != nil {
		return Outcome{}, err
	}
	e.audit(ctx, in.UserID, "host.add", map[string]any{"host_id": hostID, "url": url})
	return Outcome{Kind: OutcomeHostAdded, Host: url, Text: name}, nil
}

func (e *Engine) requestPull(ctx context.Context, userID int64, model string) (Outcome, error) {
	if model == "" {
		return Outcome{}, ErrEmptyInput
	}
	if err := e.flows.Clear(ctx, userID); err != nil {
		return Outcome{}, err
	}
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomePull, Host: u.Host, Model: model}, nil
}

func (e *Engine) renameChat(ctx context.Context, userID, chatID int64, name string) (Outcome, error) {
	if name == "" {
		return Outcome{}, ErrEmptyInput
	}
	if err := e.flows.Clear(ctx, userID); err != nil {
		return Outcome{}, err
	}
	if _, err := e.ownedChat(ctx, userID, chatID); err != nil {
		return Outcome{}, err
	}
	if err := e.store.RenameChat(ctx, chatID, name); err != nil {
		return Outcome{}, err
	}
	e.audit(ctx, userID, "chat.rename", map[string]any{"chat_id": chatID, "name": name, "by": "user"})
	return Outcome{Kind: OutcomeChatRenamed, ChatID: chatID, Text: name}, nil
}

func (e *Engine) editResponse(ctx context.Context, userID, chatID int64, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrEmptyInput
	}
	if err := e.flows.Clear(ctx, userID); err != nil {
		return Outcome{}, err
	}
	if _, err := e.ownedChat(ctx, userID, chatID); err != nil {
		return Outcome{}, err
	}
	history, err := e.store.ListMessages(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}
	if !endsWithAssistant(history) {
		return Outcome{}, ErrNothingToRewrite
	}
	if err := e.store.OverwriteLastMessage(ctx, chatID, text); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeResponseEdited, ChatID: chatID, Text: text}, nil
}

// chatTurn sends text with the chat history and stores the exchange once the
// model answered.
func (e *Engine) chatTurn(ctx context.Context, userID int64, text string, typing Typing) (Outcome, error) {
	u, err := e.userWithModel(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.allow(ctx, userID); err != nil {
		return Outcome{}, err
	}
	chat, err := e.currentChat(ctx, u)
	if err != nil {
		return Outcome{}, err
	}
	history, err := e.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return Outcome{}, err
	}

	userText := e.translate(ctx, u, text, e.pivot)
	msgs := append(toInference(history), ollama.Message{Role: storage.RoleUser, Content: userText})

	c, err := e.complete(ctx, u, &chat, msgs, u.Locale, typing)
	if err != nil {
		return Outcome{ChatID: chat.ID}, err
	}
	if err := e.store.AppendMessage(ctx, chat.ID, storage.RoleUser, userText); err != nil {
		return Outcome{}, err
	}
	if err := e.store.AppendMessage(ctx, chat.ID, storage.RoleAssistant, c.content); err != nil {
		return Outcome{}, err
	}
	e.metrics.ChatTurns.Inc()
	return Outcome{Kind: OutcomeReply, ChatID: chat.ID, Text: e.display(ctx, u, c)}, nil
}

// currentChat returns the session's chat, creating one bound to the selected
// model when the session has none or it no longer exists.
func (e *Engine) currentChat(ctx context.Context, u storage.User) (storage.Chat, error) {
	if id := e.sessions.Current(u.ID); id != 0 {
		chat, err := e.ownedChat(ctx, u.ID, id)
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, ErrChatNotFound) {
			return storage.Chat{}, err
		}
	}
	return e.createChat(ctx, u)
}

// Regenerate asks the model again for the chat's last reply. When the last
// stored message is an assistant reply it is replaced; otherwise the new
// reply is appended so a user turn is never overwritten.
func (e *Engine) Regenerate(ctx context.Context, userID, chatID int64, typing Typing) (Outcome, error) {
	u, chat, err := e.rewriteTarget(ctx, userID, chatID)
	if err != nil {
		return Outcome{}, err
	}
	history, err := e.store.ListMessages(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}
	overwrite := endsWithAssistant(history)
	if overwrite {
		history = history[:len(history)-1]
	}
	if len(history) == 0 {
		return Outcome{}, ErrNothingToRewrite
	}

	c, err := e.complete(ctx, u, &chat, toInference(history), u.Locale, typing)
	if err != nil {
		return Outcome{ChatID: chatID}, err
	}
	if overwrite {
		err = e.store.OverwriteLastMessage(ctx, chatID, c.content)
	} else {
		err = e.store.AppendMessage(ctx, chatID, storage.RoleAssistant, c.content)
	}
	if err != nil {
		return Outcome{}, err
	}
	e.metrics.ChatTurns.Inc()
	return Outcome{Kind: OutcomeReply, ChatID: chatID, Text: e.display(ctx, u, c)}, nil
}

// Modify rewrites the chat's last reply following one of the fixed
// instructions. The instruction itself is not stored.
func (e *Engine) Modify(ctx context.Context, userID, chatID int64, mod Modification, typing Typing) (Outcome, error) {
	prompt, ok := modificationPrompts[mod]
	if !ok {
		return Outcome{}, fmt.Errorf("unknown modification %q", mod)
	}
	u, chat, err := e.rewriteTarget(ctx, userID, chatID)
	if err != nil {
		return Outcome{}, err
	}
	history, err := e.store.ListMessages(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}
	if !endsWithAssistant(history) {
		return Outcome{}, ErrNothingToRewrite
	}

	msgs := append(toInference(history), ollama.Message{Role: storage.RoleUser, Content: prompt})
	c, err := e.complete(ctx, u, &chat, msgs, u.Locale, typing)
	if err != nil {
		return Outcome{ChatID: chatID}, err
	}
	if err := e.store.OverwriteLastMessage(ctx, chatID, c.content); err != nil {
		return Outcome{}, err
	}
	e.metrics.ChatTurns.Inc()
	return Outcome{Kind: OutcomeReply, ChatID: chatID, Text: e.display(ctx, u, c)}, nil
}

func (e *Engine) rewriteTarget(ctx context.Context, userID, chatID int64) (storage.User, storage.Chat, error) {
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return storage.User{}, storage.Chat{}, err
	}
	chat, err := e.ownedChat(ctx, userID, chatID)
	if err != nil {
		return storage.User{}, storage.Chat{}, err
	}
	if err := e.allow(ctx, userID); err != nil {
		return storage.User{}, storage.Chat{}, err
	}
	return u, chat, nil
}

func endsWithAssistant(history []storage.Message) bool {
	return len(history) > 0 && history[len(history)-1].Role == storage.RoleAssistant
}
