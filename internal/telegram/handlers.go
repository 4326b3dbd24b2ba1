package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"ollamabot/internal/conversation"
	"ollamabot/internal/queue"
)

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	lang := s.lang(ctx)
	needsHost, err := s.engine.Start(context.Background(), userID(ctx))
	if err != nil {
		return s.replyError(ctx, b, lang, err)
	}
	if needsHost {
		return s.reply(ctx, b, s.catalog.T(lang, "welcome"))
	}
	return s.sendMainMenu(ctx, b, lang)
}

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	return s.sendMainMenu(ctx, b, s.lang(ctx))
}

func (s *Service) cancel(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	lang := s.lang(ctx)
	if _, err := s.engine.CancelFlow(context.Background(), userID(ctx)); err != nil {
		return s.replyError(ctx, b, lang, err)
	}
	if err := s.reply(ctx, b, s.catalog.T(lang, "flow_cancelled")); err != nil {
		return err
	}
	return s.sendMainMenu(ctx, b, lang)
}

// sendMainMenu sends the reply keyboard along with the inline main menu.
func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot, lang string) error {
	selected := ""
	if u, ok, err := s.engine.Profile(context.Background(), userID(ctx)); err == nil && ok {
		selected = u.SelectedModel
	}
	v := s.mainMenuView(lang, selected)
	if err := s.replyWithMarkup(ctx, b, s.catalog.T(lang, "main_menu"), s.replyKeyboard(lang)); err != nil {
		return err
	}
	return s.replyWithMarkup(ctx, b, v.text, *v.markup)
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := ctx.EffectiveMessage.GetText()
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return nil
	}
	uid := userID(ctx)
	lang := s.lang(ctx)
	bg := context.Background()

	flow, err := s.engine.ActiveFlow(bg, uid)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", uid).Msg("load flow")
	}
	if flow == nil {
		if kind, ok := s.replyKeyboardAction(lang, text); ok {
			return s.runAction(b, ctx, lang, Action{Kind: kind})
		}
	}
	if s.announcesHostCheck(flow, text) {
		_ = s.reply(ctx, b, s.catalog.T(lang, "checking_host"))
	}

	out, err := s.engine.HandleText(bg, conversation.Input{
		UserID:   uid,
		LangCode: ctx.EffectiveUser.LanguageCode,
		Text:     text,
		Typing:   s.typing(b, ctx.EffectiveChat.Id),
	})
	if err != nil {
		return s.replyError(ctx, b, lang, err)
	}
	return s.deliver(ctx, b, s.lang(ctx), out)
}

// announcesHostCheck reports whether text is a well-formed host URL about to
// be probed; malformed input is rejected without the probe.
func (s *Service) announcesHostCheck(flow conversation.Flow, text string) bool {
	_, ok := flow.(conversation.AwaitingHostURL)
	return ok && conversation.ValidHost(strings.TrimSpace(text))
}

func (s *Service) deliver(ctx *ext.Context, b *gotgbot.Bot, lang string, out conversation.Outcome) error {
	switch out.Kind {
	case conversation.OutcomeReply:
		return s.replyWithMarkup(ctx, b, out.Text, *s.replyActions(lang, out.ChatID))
	case conversation.OutcomeHostChecked:
		return s.reply(ctx, b, s.catalog.T(lang, "host_ok_enter_name"))
	case conversation.OutcomeHostAdded:
		if err := s.reply(ctx, b, s.catalog.T(lang, "host_added", out.Text)); err != nil {
			return err
		}
		return s.sendMainMenu(ctx, b, lang)
	case conversation.OutcomePull:
		return s.enqueuePull(ctx, b, lang, out)
	case conversation.OutcomeChatRenamed:
		return s.reply(ctx, b, s.catalog.T(lang, "chat_renamed"))
	case conversation.OutcomeResponseEdited:
		return s.replyWithMarkup(ctx, b, s.catalog.T(lang, "response_updated"), *s.replyActions(lang, out.ChatID))
	}
	return nil
}

// enqueuePull posts the message the worker edits with progress and queues the
// download.
func (s *Service) enqueuePull(ctx *ext.Context, b *gotgbot.Bot, lang string, out conversation.Outcome) error {
	msg, err := b.SendMessage(ctx.EffectiveChat.Id, s.catalog.T(lang, "downloading_model", out.Model), nil)
	if err != nil {
		return err
	}
	job := queue.PullJob{
		UserID:     userID(ctx),
		ChatID:     ctx.EffectiveChat.Id,
		MessageID:  msg.MessageId,
		Host:       out.Host,
		Model:      out.Model,
		Locale:     lang,
		EnqueuedAt: time.Now().UTC(),
	}
	jobID, err := s.queue.Enqueue(context.Background(), job)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", job.UserID).Str("model", job.Model).Msg("failed to enqueue pull")
		return s.reply(ctx, b, s.catalog.T(lang, "generic_error"))
	}
	s.metrics.EnqueuedPulls.Inc()
	s.logger.Info().Str("job_id", jobID).Int64("user_id", job.UserID).Str("model", job.Model).Msg("pull queued")
	return nil
}

func (s *Service) lang(ctx *ext.Context) string {
	code := ""
	if ctx.EffectiveUser != nil {
		code = ctx.EffectiveUser.LanguageCode
	}
	return s.engine.Locale(context.Background(), userID(ctx), code)
}

func (s *Service) replyError(ctx *ext.Context, b *gotgbot.Bot, lang string, err error) error {
	text, known := s.errorText(lang, err)
	if !known {
		s.logger.Error().Err(err).Int64("user_id", userID(ctx)).Msg("request failed")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, truncate(text), nil)
	return err
}
