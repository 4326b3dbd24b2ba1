package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"ollamabot/internal/conversation"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	lang := s.lang(ctx)
	a, err := DecodeAction(strings.TrimSpace(ctx.CallbackQuery.Data))
	if err != nil {
		s.logger.Debug().Err(err).Str("data", ctx.CallbackQuery.Data).Msg("undecodable callback")
		s.answerCallback(b, ctx, s.catalog.T(lang, "action_outdated"), true)
		return nil
	}
	return s.runAction(b, ctx, lang, a)
}

// onStaleCallback answers buttons from releases with another payload format.
func (s *Service) onStaleCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	s.answerCallback(b, ctx, s.catalog.T(s.lang(ctx), "action_outdated"), true)
	return nil
}

// runAction performs a; it serves both inline buttons and the reply keyboard.
// Views replace the pressed message when there is one.
func (s *Service) runAction(b *gotgbot.Bot, ctx *ext.Context, lang string, a Action) error {
	var once sync.Once
	ack := func(text string, alert bool) {
		once.Do(func() { s.answerCallback(b, ctx, text, alert) })
	}
	defer ack("", false)
	return s.perform(b, ctx, lang, ack, a)
}

// perform runs a. ack answers the callback query; only its first call counts.
func (s *Service) perform(b *gotgbot.Bot, ctx *ext.Context, lang string, ack func(text string, alert bool), a Action) error {
	bg := context.Background()
	uid := userID(ctx)

	fail := func(err error) error {
		text, known := s.errorText(lang, err)
		if !known {
			s.logger.Error().Err(err).Int64("user_id", uid).Str("action", a.Kind.String()).Msg("action failed")
		}
		if ctx.CallbackQuery == nil {
			return s.reply(ctx, b, text)
		}
		ack(text, true)
		return nil
	}

	switch a.Kind {
	case KindMenu:
		selected := ""
		if u, ok, err := s.engine.Profile(bg, uid); err == nil && ok {
			selected = u.SelectedModel
		}
		return s.show(ctx, b, s.mainMenuView(lang, selected))

	case KindModels:
		models, selected, err := s.engine.Models(bg, uid)
		if errors.Is(err, conversation.ErrHostUnreachable) {
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("list models")
			return s.show(ctx, b, view{text: s.catalog.T(lang, "models_unavailable"), markup: s.markup(s.backRow(lang, KindMenu))})
		}
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.modelsView(lang, models, selected))

	case KindSelectModel:
		ack(s.catalog.T(lang, "loading_model"), false)
		chat, err := s.engine.SelectModel(bg, uid, a.Arg)
		if err != nil {
			if _, known := s.errorText(lang, err); known {
				return fail(err)
			}
			s.logger.Warn().Err(err).Int64("user_id", uid).Str("model", a.Arg).Msg("select model")
			return s.reply(ctx, b, s.catalog.T(lang, "model_load_error"))
		}
		if err := s.reply(ctx, b, s.catalog.T(lang, "model_loaded")); err != nil {
			return err
		}
		if chat != nil {
			if err := s.reply(ctx, b, s.catalog.T(lang, "chat_with_model", chat.Model)); err != nil {
				return err
			}
		}
		return s.show(ctx, b, s.mainMenuView(lang, a.Arg))

	case KindAddModel:
		if err := s.engine.BeginPull(bg, uid); err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "enter_model_name"))

	case KindNewChat:
		chat, err := s.engine.NewChat(bg, uid)
		if errors.Is(err, conversation.ErrNoModel) {
			ack(s.catalog.T(lang, "please_select_model"), false)
			return s.perform(b, ctx, lang, ack, Action{Kind: KindModels})
		}
		if err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "chat_with_model", chat.Model))

	case KindChats:
		chats, err := s.engine.Chats(bg, uid)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.chatsView(lang, chats))

	case KindOpenChat:
		chat, err := s.engine.Chat(bg, uid, a.ID)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.chatView(lang, chat))

	case KindDeleteChat:
		if err := s.engine.DeleteChat(bg, uid, a.ID); err != nil {
			return fail(err)
		}
		ack(s.catalog.T(lang, "chat_deleted"), false)
		return s.perform(b, ctx, lang, ack, Action{Kind: KindChats})

	case KindRenameChat:
		if err := s.engine.BeginRename(bg, uid, a.ID); err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "enter_new_name"))

	case KindContinueChat:
		chat, err := s.engine.ContinueChat(bg, uid, a.ID)
		if err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "continuing_chat", chat.Name))

	case KindSettings:
		st, err := s.engine.Settings(bg, uid)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.settingsView(lang, st))

	case KindHosts:
		hosts, err := s.engine.Hosts(bg, uid)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.hostsView(lang, hosts))

	case KindAddHost:
		if err := s.engine.BeginAddHost(bg, uid); err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "enter_new_host"))

	case KindSelectHost:
		if _, err := s.engine.SelectHost(bg, uid, a.ID); err != nil {
			return fail(err)
		}
		ack(s.catalog.T(lang, "host_activated"), false)
		return s.perform(b, ctx, lang, ack, Action{Kind: KindHosts})

	case KindDeleteHost:
		if err := s.engine.DeleteHost(bg, uid, a.ID); err != nil {
			return fail(err)
		}
		ack(s.catalog.T(lang, "host_deleted"), false)
		return s.perform(b, ctx, lang, ack, Action{Kind: KindHosts})

	case KindTranslators:
		st, err := s.engine.Settings(bg, uid)
		if err != nil {
			return fail(err)
		}
		models, _, err := s.engine.Models(bg, uid)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.translatorsView(lang, models, st.User.TranslatorModel))

	case KindSetTranslator:
		if err := s.engine.SetTranslator(bg, uid, a.Arg); err != nil {
			return fail(err)
		}
		ack(s.catalog.T(lang, "translator_set"), false)
		return s.perform(b, ctx, lang, ack, Action{Kind: KindSettings})

	case KindManageModels:
		models, _, err := s.engine.Models(bg, uid)
		if err != nil {
			return fail(err)
		}
		return s.show(ctx, b, s.manageModelsView(lang, models))

	case KindLoadModel:
		ack(s.catalog.T(lang, "loading_model"), false)
		if err := s.engine.LoadModel(bg, uid, a.Arg); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", uid).Str("model", a.Arg).Msg("load model")
			return s.reply(ctx, b, s.catalog.T(lang, "model_load_error"))
		}
		return s.reply(ctx, b, s.catalog.T(lang, "model_loaded"))

	case KindUnloadModel:
		ack(s.catalog.T(lang, "unloading_model"), false)
		if err := s.engine.UnloadModel(bg, uid, a.Arg); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", uid).Str("model", a.Arg).Msg("unload model")
			return s.reply(ctx, b, s.catalog.T(lang, "model_unload_error"))
		}
		return s.reply(ctx, b, s.catalog.T(lang, "model_unloaded"))

	case KindLanguages:
		return s.show(ctx, b, s.languagesView(lang))

	case KindSetLanguage:
		if err := s.engine.SetLocale(bg, uid, a.Arg); err != nil {
			return fail(err)
		}
		ack(s.catalog.T(a.Arg, "language_changed"), false)
		return s.perform(b, ctx, a.Arg, ack, Action{Kind: KindSettings})

	case KindRegenerate:
		ack("", false)
		out, err := s.engine.Regenerate(bg, uid, a.ID, s.typing(b, chatIDOf(ctx)))
		if err != nil {
			return s.replyError(ctx, b, lang, err)
		}
		return s.show(ctx, b, view{text: out.Text, markup: s.replyActions(lang, out.ChatID)})

	case KindModifyMenu:
		return s.editMarkup(ctx, b, s.modifyActions(lang, a.ID))

	case KindReplyActions:
		return s.editMarkup(ctx, b, s.replyActions(lang, a.ID))

	case KindModify:
		mod, ok := conversation.ParseModification(a.Arg)
		if !ok {
			ack(s.catalog.T(lang, "action_outdated"), true)
			return nil
		}
		ack("", false)
		out, err := s.engine.Modify(bg, uid, a.ID, mod, s.typing(b, chatIDOf(ctx)))
		if err != nil {
			return s.replyError(ctx, b, lang, err)
		}
		return s.show(ctx, b, view{text: out.Text, markup: s.replyActions(lang, out.ChatID)})

	case KindEditResponse:
		if err := s.engine.BeginEditResponse(bg, uid, a.ID); err != nil {
			return fail(err)
		}
		return s.reply(ctx, b, s.catalog.T(lang, "enter_new_response"))

	case KindInlineAnswer:
		ack("", false)
		text, err := s.engine.InlineAnswer(bg, uid, nil)
		if err != nil {
			text, _ = s.errorText(lang, err)
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("inline answer")
		}
		return s.editInline(ctx, b, text)

	case KindInlineTranslate:
		ack("", false)
		text, err := s.engine.InlineTranslate(bg, uid)
		if err != nil {
			text, _ = s.errorText(lang, err)
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("inline translate")
		}
		return s.editInline(ctx, b, text)
	}

	ack(s.catalog.T(lang, "action_outdated"), true)
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

// show edits the pressed message into v, or sends v when there is nothing to
// edit.
func (s *Service) show(ctx *ext.Context, b *gotgbot.Bot, v view) error {
	opts := &gotgbot.EditMessageTextOpts{}
	if v.markup != nil {
		opts.ReplyMarkup = *v.markup
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		_, _, err := ctx.CallbackQuery.Message.EditText(b, truncate(v.text), opts)
		if err == nil || notModified(err) {
			return nil
		}
		s.logger.Debug().Err(err).Msg("edit failed, sending instead")
	}
	if v.markup == nil {
		return s.reply(ctx, b, v.text)
	}
	return s.replyWithMarkup(ctx, b, v.text, *v.markup)
}

func (s *Service) editMarkup(ctx *ext.Context, b *gotgbot.Bot, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.CallbackQuery.Message == nil {
		return nil
	}
	msg := ctx.CallbackQuery.Message
	_, _, err := b.EditMessageReplyMarkup(&gotgbot.EditMessageReplyMarkupOpts{
		ChatId:      msg.GetChat().Id,
		MessageId:   msg.GetMessageId(),
		ReplyMarkup: *markup,
	})
	if err != nil && !notModified(err) {
		return err
	}
	return nil
}

// editInline replaces the text of the inline message the button belongs to.
func (s *Service) editInline(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.CallbackQuery.InlineMessageId == "" {
		return nil
	}
	_, _, err := b.EditMessageText(truncate(text), &gotgbot.EditMessageTextOpts{
		InlineMessageId: ctx.CallbackQuery.InlineMessageId,
	})
	if err != nil && !notModified(err) {
		return err
	}
	return nil
}

func notModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func chatIDOf(ctx *ext.Context) int64 {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		return ctx.CallbackQuery.Message.GetChat().Id
	}
	return 0
}
