// Package conversation holds the per-user conversation state machine: which
// input flow a user is in, how free text becomes a chat turn, and how model
// replies are post-processed before they are stored and shown.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ollamabot/internal/locale"
	"ollamabot/internal/metrics"
	"ollamabot/internal/ollama"
	"ollamabot/internal/session"
	"ollamabot/internal/storage"
)

var (
	ErrNoModel          = errors.New("no model selected")
	ErrNoHost           = errors.New("no host configured")
	ErrInvalidHost      = errors.New("invalid host url")
	ErrHostUnreachable  = errors.New("host unreachable")
	ErrGeneration       = errors.New("generation failed")
	ErrEmptyResponse    = errors.New("model returned an empty response")
	ErrNothingToRewrite = errors.New("last message is not an assistant reply")
	ErrRateLimited      = errors.New("rate limited")
	ErrNoTranslator     = errors.New("no translator model")
	ErrTranslation      = errors.New("translation failed")
	ErrChatNotFound     = errors.New("chat not found")
	ErrEmptyInput       = errors.New("empty input")
	ErrInlineExpired    = errors.New("inline query expired")
)

// LimitError is returned when the user spent the hourly inference budget.
type LimitError struct {
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Inference is the subset of the Ollama client the engine drives.
type Inference interface {
	Probe(ctx context.Context, host string) error
	ListModels(ctx context.Context, host string) ([]ollama.Model, error)
	Load(ctx context.Context, host, model string) error
	Unload(ctx context.Context, host, model string) error
	Pull(ctx context.Context, host, model string, fn func(ollama.Progress)) error
	Chat(ctx context.Context, host, model string, msgs []ollama.Message, tools json.RawMessage) (ollama.Message, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

// Typing starts a "typing" indicator and returns the func that stops it.
type Typing func() (stop func())

type Config struct {
	Store         *storage.Store
	Inference     Inference
	Sessions      *session.Registry
	Flows         FlowStore
	Catalog       *locale.Catalog
	Limiter       Limiter
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	PivotLanguage string
	Now           func() time.Time
}

type Engine struct {
	store     *storage.Store
	inference Inference
	sessions  *session.Registry
	flows     FlowStore
	catalog   *locale.Catalog
	limiter   Limiter
	metrics   *metrics.Metrics
	log       zerolog.Logger
	pivot     string
	now       func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry()
	}
	if cfg.Flows == nil {
		cfg.Flows = NewMemoryFlowStore(20 * time.Minute)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.PivotLanguage == "" {
		cfg.PivotLanguage = "en"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		inference: cfg.Inference,
		sessions:  cfg.Sessions,
		flows:     cfg.Flows,
		catalog:   cfg.Catalog,
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("component", "conversation").Logger(),
		pivot:     cfg.PivotLanguage,
		now:       cfg.Now,
	}
}

// Locale returns the UI language for userID. Users without a profile get the
// catalog language closest to their Telegram language code.
func (e *Engine) Locale(ctx context.Context, userID int64, langCode string) string {
	u, err := e.store.GetUser(ctx, userID)
	if err == nil && e.catalog.Has(u.Locale) {
		return u.Locale
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("load user locale")
	}
	return e.catalog.Match(langCode)
}

// Profile returns the stored user; ok is false for users who never finished
// host setup.
func (e *Engine) Profile(ctx context.Context, userID int64) (u storage.User, ok bool, err error) {
	u, err = e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, false, nil
	}
	if err != nil {
		return storage.User{}, false, err
	}
	return u, true, nil
}

// userWithHost loads the user and requires a configured host.
func (e *Engine) userWithHost(ctx context.Context, userID int64) (storage.User, error) {
	u, ok, err := e.Profile(ctx, userID)
	if err != nil {
		return storage.User{}, err
	}
	if !ok || u.Host == "" {
		return storage.User{}, ErrNoHost
	}
	return u, nil
}

// userWithModel loads the user and requires a selected model.
func (e *Engine) userWithModel(ctx context.Context, userID int64) (storage.User, error) {
	u, ok, err := e.Profile(ctx, userID)
	if err != nil {
		return storage.User{}, err
	}
	if !ok || u.SelectedModel == "" {
		return storage.User{}, ErrNoModel
	}
	if u.Host == "" {
		return storage.User{}, ErrNoHost
	}
	return u, nil
}

// ownedChat loads chatID and checks it belongs to userID.
func (e *Engine) ownedChat(ctx context.Context, userID, chatID int64) (storage.Chat, error) {
	chat, err := e.store.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return storage.Chat{}, err
	}
	if chat.UserID != userID {
		return storage.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (e *Engine) allow(ctx context.Context, userID int64) error {
	if e.limiter == nil {
		return nil
	}
	allowed, _, resetAt, err := e.limiter.Allow(ctx, userID, e.now())
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("rate limiter unavailable, allowing request")
		return nil
	}
	if !allowed {
		e.metrics.RateLimited.Inc()
		return &LimitError{ResetAt: resetAt}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, userID int64, action string, meta map[string]any) {
	b, err := json.Marshal(meta)
	if err != nil {
		b = []byte("{}")
	}
	if err := e.store.LogAction(ctx, storage.AuditEntry{UserID: userID, Action: action, MetaJSON: string(b)}); err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Str("action", action).Msg("write audit log")
	}
}

// infer runs one chat completion and records latency and failures.
func (e *Engine) infer(ctx context.Context, host, model string, msgs []ollama.Message, tools json.RawMessage) (ollama.Message, error) {
	start := time.Now()
	msg, err := e.inference.Chat(ctx, host, model, msgs, tools)
	e.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.InferenceFailures.Inc()
		return ollama.Message{}, err
	}
	return msg, nil
}

func startTyping(t Typing) func() {
	if t == nil {
		return func() {}
	}
	return t()
}
