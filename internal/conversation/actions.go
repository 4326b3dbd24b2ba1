package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"ollamabot/internal/ollama"
	"ollamabot/internal/storage"
)

// Start reports whether the user still has to configure a host, and if so
// puts them into the host URL flow.
func (e *Engine) Start(ctx context.Context, userID int64) (needsHost bool, err error) {
	u, ok, err := e.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	if ok && u.Host != "" {
		return false, nil
	}
	return true, e.flows.Set(ctx, userID, AwaitingHostURL{})
}

func (e *Engine) ActiveFlow(ctx context.Context, userID int64) (Flow, error) {
	return e.flows.Get(ctx, userID)
}

// CancelFlow leaves the active flow, if any, and reports whether there was one.
func (e *Engine) CancelFlow(ctx context.Context, userID int64) (bool, error) {
	f, err := e.flows.Get(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("load flow on cancel")
	}
	if err := e.flows.Clear(ctx, userID); err != nil {
		return false, err
	}
	return f != nil, nil
}

func (e *Engine) BeginAddHost(ctx context.Context, userID int64) error {
	return e.flows.Set(ctx, userID, AwaitingHostURL{})
}

func (e *Engine) BeginPull(ctx context.Context, userID int64) error {
	if _, err := e.userWithHost(ctx, userID); err != nil {
		return err
	}
	return e.flows.Set(ctx, userID, AwaitingModelName{})
}

func (e *Engine) BeginRename(ctx context.Context, userID, chatID int64) error {
	if _, err := e.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return e.flows.Set(ctx, userID, AwaitingChatRename{ChatID: chatID})
}

// BeginEditResponse waits for text that replaces the chat's last reply.
func (e *Engine) BeginEditResponse(ctx context.Context, userID, chatID int64) error {
	if _, err := e.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	history, err := e.store.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if !endsWithAssistant(history) {
		return ErrNothingToRewrite
	}
	return e.flows.Set(ctx, userID, AwaitingResponseEdit{ChatID: chatID})
}

// Models lists the models on the user's host along with the selected one.
func (e *Engine) Models(ctx context.Context, userID int64) (models []ollama.Model, selected string, err error) {
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	models, err = e.inference.ListModels(ctx, u.Host)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrHostUnreachable, err)
	}
	return models, u.SelectedModel, nil
}

// SelectModel loads model and makes it the user's chat model. When a new chat
// was requested before any model was chosen, the chat is created and returned.
func (e *Engine) SelectModel(ctx context.Context, userID int64, model string) (*storage.Chat, error) {
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.inference.Load(ctx, u.Host, model); err != nil {
		return nil, fmt.Errorf("load model %s: %w", model, err)
	}
	if err := e.store.UpdateUser(ctx, userID, storage.UserUpdate{SelectedModel: &model}); err != nil {
		return nil, err
	}
	e.audit(ctx, userID, "model.select", map[string]any{"model": model})
	if !e.sessions.TakePendingNewChat(userID) {
		return nil, nil
	}
	u.SelectedModel = model
	chat, err := e.createChat(ctx, u)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (e *Engine) LoadModel(ctx context.Context, userID int64, model string) error {
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.inference.Load(ctx, u.Host, model); err != nil {
		return fmt.Errorf("load model %s: %w", model, err)
	}
	e.audit(ctx, userID, "model.load", map[string]any{"model": model})
	return nil
}

func (e *Engine) UnloadModel(ctx context.Context, userID int64, model string) error {
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.inference.Unload(ctx, u.Host, model); err != nil {
		return fmt.Errorf("unload model %s: %w", model, err)
	}
	e.audit(ctx, userID, "model.unload", map[string]any{"model": model})
	return nil
}

// PullModel downloads model onto host, reporting progress through fn.
func (e *Engine) PullModel(ctx context.Context, userID int64, host, model string, fn func(ollama.Progress)) error {
	if err := e.inference.Pull(ctx, host, model, fn); err != nil {
		return err
	}
	e.audit(ctx, userID, "model.pull", map[string]any{"model": model, "host": host})
	return nil
}

// NewChat starts a chat with the selected model and makes it current. Without
// a model it remembers the request and returns ErrNoModel; the chat is then
// created by the next SelectModel.
func (e *Engine) NewChat(ctx context.Context, userID int64) (storage.Chat, error) {
	u, err := e.userWithModel(ctx, userID)
	if errors.Is(err, ErrNoModel) {
		e.sessions.SetPendingNewChat(userID)
	}
	if err != nil {
		return storage.Chat{}, err
	}
	return e.createChat(ctx, u)
}

func (e *Engine) createChat(ctx context.Context, u storage.User) (storage.Chat, error) {
	name := e.catalog.T(u.Locale, "new_chat_name")
	id, err := e.store.CreateChat(ctx, u.ID, name, u.SelectedModel)
	if err != nil {
		return storage.Chat{}, err
	}
	e.sessions.SetCurrent(u.ID, id)
	e.audit(ctx, u.ID, "chat.create", map[string]any{"chat_id": id, "model": u.SelectedModel})
	return storage.Chat{ID: id, UserID: u.ID, Name: name, Model: u.SelectedModel}, nil
}

func (e *Engine) Chats(ctx context.Context, userID int64) ([]storage.Chat, error) {
	return e.store.ListChats(ctx, userID)
}

func (e *Engine) Chat(ctx context.Context, userID, chatID int64) (storage.Chat, error) {
	return e.ownedChat(ctx, userID, chatID)
}

// ContinueChat makes chatID the chat free text goes to.
func (e *Engine) ContinueChat(ctx context.Context, userID, chatID int64) (storage.Chat, error) {
	chat, err := e.ownedChat(ctx, userID, chatID)
	if err != nil {
		return storage.Chat{}, err
	}
	e.sessions.SetCurrent(userID, chatID)
	return chat, nil
}

func (e *Engine) DeleteChat(ctx context.Context, userID, chatID int64) error {
	if _, err := e.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	if err := e.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	e.sessions.ClearCurrentIf(userID, chatID)
	e.audit(ctx, userID, "chat.delete", map[string]any{"chat_id": chatID})
	return nil
}

// Settings is what the settings view shows.
type Settings struct {
	User       storage.User
	ActiveHost *storage.Host
	Hosts      []storage.Host
}

func (e *Engine) Settings(ctx context.Context, userID int64) (Settings, error) {
	var out Settings
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := e.userWithHost(gctx, userID)
		out.User = u
		return err
	})
	g.Go(func() error {
		hosts, err := e.store.ListHosts(gctx, userID)
		out.Hosts = hosts
		return err
	})
	if err := g.Wait(); err != nil {
		return Settings{}, err
	}
	for i := range out.Hosts {
		if out.Hosts[i].Active {
			out.ActiveHost = &out.Hosts[i]
			break
		}
	}
	return out, nil
}

func (e *Engine) Hosts(ctx context.Context, userID int64) ([]storage.Host, error) {
	return e.store.ListHosts(ctx, userID)
}

func (e *Engine) SelectHost(ctx context.Context, userID, hostID int64) (storage.Host, error) {
	h, err := e.store.SetActiveHost(ctx, userID, hostID)
	if err != nil {
		return storage.Host{}, err
	}
	e.audit(ctx, userID, "host.select", map[string]any{"host_id": hostID, "url": h.URL})
	return h, nil
}

func (e *Engine) DeleteHost(ctx context.Context, userID, hostID int64) error {
	if err := e.store.DeleteHost(ctx, userID, hostID); err != nil {
		return err
	}
	e.audit(ctx, userID, "host.delete", map[string]any{"host_id": hostID})
	return nil
}

// SetTranslator sets the translator model; an empty model turns translation off.
func (e *Engine) SetTranslator(ctx context.Context, userID int64, model string) error {
	if err := e.store.UpdateUser(ctx, userID, storage.UserUpdate{TranslatorModel: &model}); err != nil {
		return err
	}
	e.audit(ctx, userID, "translator.set", map[string]any{"model": model})
	return nil
}

func (e *Engine) SetLocale(ctx context.Context, userID int64, code string) error {
	if !e.catalog.Has(code) {
		return fmt.Errorf("unknown locale %q", code)
	}
	return e.store.UpdateUser(ctx, userID, storage.UserUpdate{Locale: &code})
}

// PrepareInline remembers query for the inline buttons of userID.
func (e *Engine) PrepareInline(ctx context.Context, userID int64, query string) error {
	if _, err := e.userWithModel(ctx, userID); err != nil {
		return err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyInput
	}
	e.sessions.SetInlineQuery(userID, query)
	return nil
}

// InlineAnswer answers the pending inline query in a single turn without tools.
func (e *Engine) InlineAnswer(ctx context.Context, userID int64, typing Typing) (string, error) {
	q := e.sessions.InlineQuery(userID)
	if q == "" {
		return "", ErrInlineExpired
	}
	u, err := e.userWithModel(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := e.allow(ctx, userID); err != nil {
		return "", err
	}
	stop := startTyping(typing)
	reply, err := e.infer(ctx, u.Host, u.SelectedModel, []ollama.Message{{Role: storage.RoleUser, Content: q}}, nil)
	stop()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if strings.TrimSpace(reply.Content) == "" {
		return "", ErrEmptyResponse
	}
	return e.translate(ctx, u, reply.Content, u.Locale), nil
}

// InlineTranslate translates the pending inline query into the user's locale.
func (e *Engine) InlineTranslate(ctx context.Context, userID int64) (string, error) {
	q := e.sessions.InlineQuery(userID)
	if q == "" {
		return "", ErrInlineExpired
	}
	u, err := e.userWithHost(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.TranslatorModel == "" {
		return "", ErrNoTranslator
	}
	out, err := e.translateWith(ctx, u.Host, u.TranslatorModel, q, u.Locale)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	return out, nil
}
