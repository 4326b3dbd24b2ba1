package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ollamabot/internal/config"
	"ollamabot/internal/crypto"
	"ollamabot/internal/locale"
	"ollamabot/internal/metrics"
	"ollamabot/internal/queue"
	"ollamabot/internal/storage"
	"ollamabot/internal/telegram"
	"ollamabot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Int64("admin_user_id", cfg.AdminUserID).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting ollamabot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	if cfg.Crypto.Enabled() {
		cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize crypto manager")
		}
		store.UseSealer(cryptoManager)
		log.Info().Str("key_id", cfg.Crypto.CurrentKeyID).Msg("message sealing enabled")
	}

	catalog, err := locale.Load(cfg.Chat.DefaultLocale)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load locales")
	}

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	engine := newEngine(cfg, store, rdb, catalog, m)
	service := telegram.NewService(telegram.Config{
		Engine:         engine,
		Catalog:        catalog,
		Queue:          jobQueue,
		Bot:            bot,
		Logger:         log.Logger,
		Metrics:        m,
		TypingInterval: cfg.Chat.TypingInterval,
	})

	errCh := make(chan error, 4)
	var ing ingress
	if cfg.AppMode != config.ModeWorker {
		ing, err = startIngress(cfg, bot, service, rdb, m)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start telegram ingress")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if ing.webhook != nil {
		mux.HandleFunc(ing.route, ing.webhook)
	}
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Puller:        engine,
			Notifier:      service,
			Catalog:       catalog,
			MaxJobRetries: cfg.Worker.MaxRetries,
			ProgressEvery: cfg.Worker.ProgressEvery,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if ing.updater != nil {
		if err := ing.updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
