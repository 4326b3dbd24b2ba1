package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ollamabot/internal/config"
	"ollamabot/internal/conversation"
	"ollamabot/internal/locale"
	"ollamabot/internal/metrics"
	"ollamabot/internal/ollama"
	"ollamabot/internal/queue"
	"ollamabot/internal/session"
	"ollamabot/internal/storage"
	"ollamabot/internal/telegram"
)

var errMissingWebhookURL = errors.New("WEBHOOK_URL is required in webhook mode")

func newEngine(cfg *config.Config, store *storage.Store, rdb *redis.Client, catalog *locale.Catalog, m *metrics.Metrics) *conversation.Engine {
	return conversation.New(conversation.Config{
		Store: store,
		Inference: ollama.New(ollama.Config{
			ProbeTimeout:  cfg.Ollama.ProbeTimeout,
			ListTimeout:   cfg.Ollama.ListTimeout,
			LoadTimeout:   cfg.Ollama.LoadTimeout,
			UnloadTimeout: cfg.Ollama.UnloadTimeout,
			ChatTimeout:   cfg.Ollama.ChatTimeout,
			MaxRetries:    cfg.Ollama.MaxRetries,
			BackoffBase:   cfg.Ollama.BackoffBase,
		}),
		Sessions:      session.NewRegistry(),
		Flows:         conversation.NewRedisFlowStore(rdb, cfg.Redis.FlowTTL),
		Catalog:       catalog,
		Limiter:       queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Metrics:       m,
		Logger:        log.Logger,
		PivotLanguage: cfg.Chat.PivotLanguage,
	})
}

// ingress is how updates reach the dispatcher. webhook is nil when polling.
type ingress struct {
	updater *ext.Updater
	route   string
	webhook http.HandlerFunc
}

func startIngress(cfg *config.Config, bot *gotgbot.Bot, service *telegram.Service, rdb *redis.Client, m *metrics.Metrics) (ingress, error) {
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	allowedUserID := int64(0)
	if cfg.BotAccessMode == config.AccessModePrivate {
		allowedUserID = cfg.AdminUserID
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Locks:         session.NewKeyedMutex(),
			Metrics:       m,
			Logger:        log.Logger,
			AllowedUserID: allowedUserID,
		},
	})
	service.Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})
	allowed := []string{"message", "callback_query", "inline_query"}

	if cfg.DevPolling {
		err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout:        50,
				AllowedUpdates: allowed,
				RequestOpts:    &gotgbot.RequestOpts{Timeout: 60 * time.Second},
			},
		})
		if err != nil {
			return ingress{}, err
		}
		log.Info().Msg("polling mode started")
		return ingress{updater: updater}, nil
	}

	if cfg.Webhook.PublicURL == "" {
		return ingress{}, errMissingWebhookURL
	}
	path := strings.Trim(cfg.Webhook.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return ingress{}, err
	}
	webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		SecretToken:    cfg.Webhook.SecretToken,
		AllowedUpdates: allowed,
	}); err != nil {
		return ingress{}, err
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	return ingress{updater: updater, route: "/" + path, webhook: updater.GetHandlerFunc("/")}, nil
}
