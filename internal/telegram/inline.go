package telegram

import (
	"context"
	"errors"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"ollamabot/internal/conversation"
)

const inlinePlaceholder = "⏳"

// onInlineQuery offers "answer" and "translate" articles. Each article is a
// placeholder whose button runs the request; the query text itself stays in
// the session registry.
func (s *Service) onInlineQuery(b *gotgbot.Bot, ctx *ext.Context) error {
	iq := ctx.InlineQuery
	if iq == nil {
		return nil
	}
	lang := s.lang(ctx)
	opts := &gotgbot.AnswerInlineQueryOpts{CacheTime: 1, IsPersonal: true}

	err := s.engine.PrepareInline(context.Background(), iq.From.Id, iq.Query)
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		_, err = b.AnswerInlineQuery(iq.Id, []gotgbot.InlineQueryResult{}, opts)
		return err
	case errors.Is(err, conversation.ErrNoModel), errors.Is(err, conversation.ErrNoHost):
		_, err = b.AnswerInlineQuery(iq.Id, []gotgbot.InlineQueryResult{
			gotgbot.InlineQueryResultArticle{
				Id:                  "no_model",
				Title:               s.catalog.T(lang, "no_model_selected"),
				InputMessageContent: gotgbot.InputTextMessageContent{MessageText: s.catalog.T(lang, "please_select_model_inline")},
			},
		}, opts)
		return err
	case err != nil:
		s.logger.Error().Err(err).Int64("user_id", iq.From.Id).Msg("prepare inline query")
		_, err = b.AnswerInlineQuery(iq.Id, []gotgbot.InlineQueryResult{}, opts)
		return err
	}

	results := []gotgbot.InlineQueryResult{
		s.inlineArticle("answer", s.catalog.T(lang, "inline_answer"), s.catalog.T(lang, "inline_answer_desc"), KindInlineAnswer),
		s.inlineArticle("translate", s.catalog.T(lang, "inline_translate"), s.catalog.T(lang, "inline_translate_desc"), KindInlineTranslate),
	}
	_, err = b.AnswerInlineQuery(iq.Id, results, opts)
	return err
}

func (s *Service) inlineArticle(id, title, description string, kind Kind) gotgbot.InlineQueryResultArticle {
	return gotgbot.InlineQueryResultArticle{
		Id:                  id,
		Title:               title,
		Description:         description,
		InputMessageContent: gotgbot.InputTextMessageContent{MessageText: inlinePlaceholder},
		ReplyMarkup:         s.markup([]button{btn(inlinePlaceholder, Action{Kind: kind})}),
	}
}
