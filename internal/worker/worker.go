package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ollamabot/internal/locale"
	"ollamabot/internal/metrics"
	"ollamabot/internal/ollama"
	"ollamabot/internal/queue"
)

// Puller downloads a model and reports progress.
type Puller interface {
	PullModel(ctx context.Context, userID int64, host, model string, fn func(ollama.Progress)) error
}

// Notifier delivers pull updates to the user who asked for the model.
type Notifier interface {
	EditProgress(ctx context.Context, job queue.PullJob, text string) error
	PullFinished(ctx context.Context, job queue.PullJob) error
	PullFailed(ctx context.Context, job queue.PullJob) error
}

type Worker struct {
	queue         *queue.StreamQueue
	puller        Puller
	notifier      Notifier
	catalog       *locale.Catalog
	maxJobRetries int
	progressEvery time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Puller        Puller
	Notifier      Notifier
	Catalog       *locale.Catalog
	MaxJobRetries int
	// ProgressEvery bounds how often the progress message is edited.
	ProgressEvery time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = time.Second
	}
	return &Worker{
		queue:         cfg.Queue,
		puller:        cfg.Puller,
		notifier:      cfg.Notifier,
		catalog:       cfg.Catalog,
		maxJobRetries: cfg.MaxJobRetries,
		progressEvery: cfg.ProgressEvery,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	// XREADGROUP ">" never returns entries already delivered to this consumer,
	// so pulls left unacked by the previous run are resumed here.
	pending, err := w.queue.ReadPending(ctx, 100)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read pending pulls")
	}

	wg := sync.WaitGroup{}
	if len(pending) > 0 {
		w.logger.Info().Int("count", len(pending)).Msg("resuming interrupted pulls")
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := w.logger.With().Str("slot", "pending").Logger()
			for _, msg := range pending {
				if !w.handle(ctx, log, msg) {
					return
				}
			}
		}()
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			if !w.handle(ctx, log, msg) {
				return
			}
		}
	}
}

// handle runs one job and settles its stream entry. It returns false once ctx
// is done; the interrupted entry stays pending for the next Start.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) bool {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedPulls.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	w.metrics.FailedPulls.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Str("model", msg.Job.Model).Int("attempt", msg.Job.Attempts).Msg("pull failed")

	if !permanent(err) && msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return true
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return true
	}

	if notifyErr := w.notifier.PullFailed(ctx, msg.Job); notifyErr != nil {
		log.Error().Err(notifyErr).Str("job_id", msg.Job.JobID).Msg("failed to report pull failure")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
	return true
}

func (w *Worker) processJob(ctx context.Context, job queue.PullJob) error {
	limiter := rate.NewLimiter(rate.Every(w.progressEvery), 1)
	last := ""
	onProgress := func(p ollama.Progress) {
		if p.Done() || !limiter.Allow() {
			return
		}
		text := renderProgress(w.catalog, job.Locale, job.Model, p)
		if text == last {
			return
		}
		last = text
		if err := w.notifier.EditProgress(ctx, job, text); err != nil {
			w.logger.Debug().Err(err).Str("job_id", job.JobID).Msg("progress edit failed")
		}
	}

	if err := w.puller.PullModel(ctx, job.UserID, job.Host, job.Model, onProgress); err != nil {
		return err
	}
	return w.notifier.PullFinished(ctx, job)
}

// permanent reports whether retrying the pull cannot help, such as an
// unknown model name.
func permanent(err error) bool {
	var se *ollama.StatusError
	if errors.As(err, &se) {
		return se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests
	}
	return false
}
