package telegram

import (
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/inlinequery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"ollamabot/internal/conversation"
	"ollamabot/internal/locale"
	"ollamabot/internal/metrics"
	"ollamabot/internal/queue"
)

type Service struct {
	engine      *conversation.Engine
	catalog     *locale.Catalog
	queue       *queue.StreamQueue
	bot         *gotgbot.Bot
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	typingEvery time.Duration
}

type Config struct {
	Engine  *conversation.Engine
	Catalog *locale.Catalog
	Queue   *queue.StreamQueue
	// Bot is used for messages sent outside an update, such as pull progress.
	Bot     *gotgbot.Bot
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// TypingInterval is how often the typing indicator is re-sent.
	TypingInterval time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 4 * time.Second
	}
	return &Service{
		engine:      cfg.Engine,
		catalog:     cfg.Catalog,
		queue:       cfg.Queue,
		bot:         cfg.Bot,
		logger:      cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:     m,
		typingEvery: cfg.TypingInterval,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("cancel", s.cancel))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(actionPrefix), s.onCallback))
	d.AddHandler(handlers.NewCallback(callbackquery.All, s.onStaleCallback))
	d.AddHandler(handlers.NewInlineQuery(inlinequery.All, s.onInlineQuery))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}
