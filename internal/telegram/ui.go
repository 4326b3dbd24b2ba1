package telegram

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/dustin/go-humanize"

	"ollamabot/internal/conversation"
	"ollamabot/internal/ollama"
	"ollamabot/internal/storage"
)

// Telegram rejects messages over 4096 characters.
const maxMessageRunes = 4000

const selectedMark = "✓ "

type button struct {
	text   string
	action Action
}

func btn(text string, a Action) button {
	return button{text: text, action: a}
}

type view struct {
	text   string
	markup *gotgbot.InlineKeyboardMarkup
}

// markup encodes rows of buttons. Buttons whose payload does not fit the
// callback limit, such as very long model names, are left out.
func (s *Service) markup(rows ...[]button) *gotgbot.InlineKeyboardMarkup {
	out := make([][]gotgbot.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		line := make([]gotgbot.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			data, err := b.action.Encode()
			if err != nil {
				s.logger.Warn().Err(err).Str("kind", b.action.Kind.String()).Str("arg", b.action.Arg).Msg("button skipped")
				continue
			}
			line = append(line, gotgbot.InlineKeyboardButton{Text: b.text, CallbackData: data})
		}
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: out}
}

func (s *Service) backRow(lang string, to Kind) []button {
	return []button{btn(s.catalog.T(lang, "btn_back"), Action{Kind: to})}
}

func (s *Service) replyKeyboard(lang string) gotgbot.ReplyKeyboardMarkup {
	return gotgbot.ReplyKeyboardMarkup{
		Keyboard: [][]gotgbot.KeyboardButton{
			{{Text: s.catalog.T(lang, "btn_model_select")}},
			{{Text: s.catalog.T(lang, "btn_chats")}},
			{{Text: s.catalog.T(lang, "btn_settings")}},
		},
		ResizeKeyboard: true,
	}
}

// replyKeyboardAction maps the text of a reply keyboard button to its view.
func (s *Service) replyKeyboardAction(lang, text string) (Kind, bool) {
	switch strings.TrimSpace(text) {
	case s.catalog.T(lang, "btn_model_select"):
		return KindModels, true
	case s.catalog.T(lang, "btn_chats"):
		return KindChats, true
	case s.catalog.T(lang, "btn_settings"):
		return KindSettings, true
	}
	return 0, false
}

func (s *Service) mainMenuView(lang, selectedModel string) view {
	if selectedModel == "" {
		selectedModel = s.catalog.T(lang, "no_model")
	}
	text := s.catalog.T(lang, "main_menu") + "\n" + s.catalog.T(lang, "selected_model") + ": " + selectedModel
	return view{text: text, markup: s.markup(
		[]button{btn(s.catalog.T(lang, "btn_model_select"), Action{Kind: KindModels})},
		[]button{btn(s.catalog.T(lang, "btn_new_chat"), Action{Kind: KindNewChat})},
		[]button{btn(s.catalog.T(lang, "btn_chats"), Action{Kind: KindChats})},
		[]button{btn(s.catalog.T(lang, "btn_settings"), Action{Kind: KindSettings})},
	)}
}

func modelLabel(m ollama.Model, selected string) string {
	label := m.Name
	if m.Size > 0 {
		label += " (" + humanize.Bytes(uint64(m.Size)) + ")"
	}
	if m.Name == selected {
		label = selectedMark + label
	}
	return label
}

func (s *Service) modelsView(lang string, models []ollama.Model, selected string) view {
	rows := make([][]button, 0, len(models)+2)
	for _, m := range models {
		rows = append(rows, []button{btn(modelLabel(m, selected), Action{Kind: KindSelectModel, Arg: m.Name})})
	}
	rows = append(rows,
		[]button{btn(s.catalog.T(lang, "btn_add_model"), Action{Kind: KindAddModel})},
		s.backRow(lang, KindMenu),
	)
	text := s.catalog.T(lang, "model_selection")
	if len(models) == 0 {
		text = s.catalog.T(lang, "no_models")
	}
	return view{text: text, markup: s.markup(rows...)}
}

func (s *Service) chatsView(lang string, chats []storage.Chat) view {
	if len(chats) == 0 {
		return view{text: s.catalog.T(lang, "no_chats"), markup: s.markup(
			[]button{btn(s.catalog.T(lang, "btn_create_chat"), Action{Kind: KindNewChat})},
			s.backRow(lang, KindMenu),
		)}
	}
	rows := make([][]button, 0, len(chats)+1)
	for _, c := range chats {
		rows = append(rows, []button{btn(fmt.Sprintf("%s (%s)", c.Name, c.Model), Action{Kind: KindOpenChat, ID: c.ID})})
	}
	rows = append(rows, s.backRow(lang, KindMenu))
	return view{text: s.catalog.T(lang, "your_chats"), markup: s.markup(rows...)}
}

func (s *Service) chatView(lang string, c storage.Chat) view {
	text := s.catalog.T(lang, "chat") + ": " + c.Name + "\n" + s.catalog.T(lang, "model_in_chat") + ": " + c.Model
	return view{text: text, markup: s.markup(
		[]button{
			btn(s.catalog.T(lang, "btn_delete_chat"), Action{Kind: KindDeleteChat, ID: c.ID}),
			btn(s.catalog.T(lang, "btn_rename_chat"), Action{Kind: KindRenameChat, ID: c.ID}),
		},
		[]button{btn(s.catalog.T(lang, "btn_continue_chat"), Action{Kind: KindContinueChat, ID: c.ID})},
		s.backRow(lang, KindChats),
	)}
}

func (s *Service) settingsView(lang string, st conversation.Settings) view {
	none := s.catalog.T(lang, "none")
	hostName := st.User.Host
	if st.ActiveHost != nil {
		hostName = st.ActiveHost.Name
	}
	lines := []string{
		s.catalog.T(lang, "settings"),
		s.catalog.T(lang, "selected_host") + ": " + orDefault(hostName, none),
		s.catalog.T(lang, "selected_model") + ": " + orDefault(st.User.SelectedModel, none),
		s.catalog.T(lang, "translator_model") + ": " + orDefault(st.User.TranslatorModel, none),
	}
	return view{text: strings.Join(lines, "\n"), markup: s.markup(
		[]button{btn(s.catalog.T(lang, "btn_manage_hosts"), Action{Kind: KindHosts})},
		[]button{btn(s.catalog.T(lang, "btn_select_translator"), Action{Kind: KindTranslators})},
		[]button{btn(s.catalog.T(lang, "btn_manage_models"), Action{Kind: KindManageModels})},
		[]button{btn(s.catalog.T(lang, "btn_localization"), Action{Kind: KindLanguages})},
		[]button{btn(s.catalog.T(lang, "btn_change_host"), Action{Kind: KindAddHost})},
		s.backRow(lang, KindMenu),
	)}
}

func (s *Service) hostsView(lang string, hosts []storage.Host) view {
	addRow := []button{btn(s.catalog.T(lang, "btn_add_host"), Action{Kind: KindAddHost})}
	if len(hosts) == 0 {
		return view{text: s.catalog.T(lang, "no_hosts"), markup: s.markup(addRow, s.backRow(lang, KindSettings))}
	}
	lines := []string{s.catalog.T(lang, "saved_hosts"), ""}
	rows := make([][]button, 0, len(hosts)+2)
	for _, h := range hosts {
		mark := ""
		if h.Active {
			mark = selectedMark
		}
		lines = append(lines, mark+h.Name+": "+h.URL)
		rows = append(rows, []button{
			btn(mark+h.Name, Action{Kind: KindSelectHost, ID: h.ID}),
			btn("🗑", Action{Kind: KindDeleteHost, ID: h.ID}),
		})
	}
	rows = append(rows, addRow, s.backRow(lang, KindSettings))
	return view{text: strings.Join(lines, "\n"), markup: s.markup(rows...)}
}

func (s *Service) translatorsView(lang string, models []ollama.Model, current string) view {
	rows := make([][]button, 0, len(models)+2)
	for _, m := range models {
		rows = append(rows, []button{btn(modelLabel(m, current), Action{Kind: KindSetTranslator, Arg: m.Name})})
	}
	rows = append(rows,
		[]button{btn(s.catalog.T(lang, "btn_none"), Action{Kind: KindSetTranslator})},
		s.backRow(lang, KindSettings),
	)
	return view{text: s.catalog.T(lang, "select_translator_model"), markup: s.markup(rows...)}
}

func (s *Service) manageModelsView(lang string, models []ollama.Model) view {
	rows := make([][]button, 0, len(models)+1)
	for _, m := range models {
		rows = append(rows, []button{
			btn(s.catalog.T(lang, "btn_load")+" "+m.Name, Action{Kind: KindLoadModel, Arg: m.Name}),
			btn(s.catalog.T(lang, "btn_unload"), Action{Kind: KindUnloadModel, Arg: m.Name}),
		})
	}
	rows = append(rows, s.backRow(lang, KindSettings))
	return view{text: s.catalog.T(lang, "manage_models_text"), markup: s.markup(rows...)}
}

func (s *Service) languagesView(lang string) view {
	langs := s.catalog.Languages()
	rows := make([][]button, 0, len(langs)+1)
	for _, l := range langs {
		label := strings.TrimSpace(l.Flag + " " + l.Name)
		if l.Code == lang {
			label = selectedMark + label
		}
		rows = append(rows, []button{btn(label, Action{Kind: KindSetLanguage, Arg: l.Code})})
	}
	rows = append(rows, s.backRow(lang, KindSettings))
	return view{text: s.catalog.T(lang, "select_language"), markup: s.markup(rows...)}
}

// replyActions is attached under every assistant reply.
func (s *Service) replyActions(lang string, chatID int64) *gotgbot.InlineKeyboardMarkup {
	return s.markup([]button{
		btn(s.catalog.T(lang, "btn_regenerate"), Action{Kind: KindRegenerate, ID: chatID}),
		btn(s.catalog.T(lang, "btn_modify"), Action{Kind: KindModifyMenu, ID: chatID}),
	})
}

func (s *Service) modifyActions(lang string, chatID int64) *gotgbot.InlineKeyboardMarkup {
	mod := func(key string, m conversation.Modification) button {
		return btn(s.catalog.T(lang, key), Action{Kind: KindModify, ID: chatID, Arg: string(m)})
	}
	return s.markup(
		[]button{mod("btn_shorter", conversation.ModShorter), mod("btn_longer", conversation.ModLonger)},
		[]button{mod("btn_simpler", conversation.ModSimpler), mod("btn_complex", conversation.ModComplex)},
		[]button{btn(s.catalog.T(lang, "btn_edit_response"), Action{Kind: KindEditResponse, ID: chatID})},
		[]button{btn(s.catalog.T(lang, "btn_back"), Action{Kind: KindReplyActions, ID: chatID})},
	)
}

// errorText maps an operation error to the message shown to the user. ok is
// false for errors without a dedicated message.
func (s *Service) errorText(lang string, err error) (text string, ok bool) {
	var limit *conversation.LimitError
	switch {
	case errors.As(err, &limit):
		return s.catalog.T(lang, "rate_limited", limit.ResetAt.UTC().Format("15:04 UTC")), true
	case errors.Is(err, conversation.ErrNoHost):
		return s.catalog.T(lang, "no_host"), true
	case errors.Is(err, conversation.ErrNoModel):
		return s.catalog.T(lang, "please_select_model"), true
	case errors.Is(err, conversation.ErrInvalidHost):
		return s.catalog.T(lang, "invalid_host"), true
	case errors.Is(err, conversation.ErrHostUnreachable):
		return s.catalog.T(lang, "host_unreachable"), true
	case errors.Is(err, conversation.ErrEmptyResponse):
		return s.catalog.T(lang, "empty_response"), true
	case errors.Is(err, conversation.ErrGeneration):
		return s.catalog.T(lang, "error_generating"), true
	case errors.Is(err, conversation.ErrNothingToRewrite):
		return s.catalog.T(lang, "nothing_to_rewrite"), true
	case errors.Is(err, conversation.ErrNoTranslator):
		return s.catalog.T(lang, "no_translator"), true
	case errors.Is(err, conversation.ErrTranslation):
		return s.catalog.T(lang, "error_translating"), true
	case errors.Is(err, conversation.ErrChatNotFound), errors.Is(err, storage.ErrNotFound):
		return s.catalog.T(lang, "chat_not_found"), true
	case errors.Is(err, conversation.ErrInlineExpired):
		return s.catalog.T(lang, "inline_expired"), true
	}
	return s.catalog.T(lang, "generic_error"), false
}

// truncate cuts text to fit a single Telegram message.
func truncate(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxMessageRunes-1]) + "…"
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup gotgbot.ReplyMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, truncate(text), opts)
	return err
}
