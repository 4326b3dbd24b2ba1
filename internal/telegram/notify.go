package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"ollamabot/internal/queue"
)

// EditProgress replaces the pull message with the current progress text.
func (s *Service) EditProgress(_ context.Context, job queue.PullJob, text string) error {
	_, _, err := s.bot.EditMessageText(truncate(text), &gotgbot.EditMessageTextOpts{
		ChatId:    job.ChatID,
		MessageId: job.MessageID,
	})
	if err != nil && notModified(err) {
		return nil
	}
	return err
}

// PullFinished reports the download and sends the refreshed model list.
func (s *Service) PullFinished(ctx context.Context, job queue.PullJob) error {
	if err := s.EditProgress(ctx, job, s.catalog.T(job.Locale, "model_downloaded", job.Model)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("edit finished pull message")
	}
	models, selected, err := s.engine.Models(ctx, job.UserID)
	if err != nil {
		return err
	}
	v := s.modelsView(job.Locale, models, selected)
	_, err = s.bot.SendMessage(job.ChatID, v.text, &gotgbot.SendMessageOpts{ReplyMarkup: *v.markup})
	return err
}

func (s *Service) PullFailed(ctx context.Context, job queue.PullJob) error {
	return s.EditProgress(ctx, job, s.catalog.T(job.Locale, "model_not_found", job.Model))
}
