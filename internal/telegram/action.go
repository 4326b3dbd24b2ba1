package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Callback payloads look like "ob1:<kind>:<id>:<arg>". Bumping the version
// makes buttons from older releases decode to ErrActionVersion.
const (
	actionVersion   = "ob1"
	actionPrefix    = actionVersion + ":"
	maxCallbackData = 64
)

var (
	ErrActionVersion   = errors.New("unknown action version")
	ErrActionKind      = errors.New("unknown action kind")
	ErrActionMalformed = errors.New("malformed action")
	ErrActionTooLong   = errors.New("action does not fit callback data")
)

type Kind int

const (
	KindMenu Kind = iota + 1
	KindModels
	KindSelectModel
	KindAddModel
	KindNewChat
	KindChats
	KindOpenChat
	KindDeleteChat
	KindRenameChat
	KindContinueChat
	KindSettings
	KindHosts
	KindAddHost
	KindSelectHost
	KindDeleteHost
	KindTranslators
	KindSetTranslator
	KindManageModels
	KindLoadModel
	KindUnloadModel
	KindLanguages
	KindSetLanguage
	KindRegenerate
	KindModifyMenu
	KindModify
	KindEditResponse
	KindReplyActions
	KindInlineAnswer
	KindInlineTranslate
)

var kindNames = map[Kind]string{
	KindMenu:            "menu",
	KindModels:          "models",
	KindSelectModel:     "model",
	KindAddModel:        "addmodel",
	KindNewChat:         "newchat",
	KindChats:           "chats",
	KindOpenChat:        "chat",
	KindDeleteChat:      "delchat",
	KindRenameChat:      "renchat",
	KindContinueChat:    "contchat",
	KindSettings:        "settings",
	KindHosts:           "hosts",
	KindAddHost:         "addhost",
	KindSelectHost:      "host",
	KindDeleteHost:      "delhost",
	KindTranslators:     "translators",
	KindSetTranslator:   "translator",
	KindManageModels:    "mmodels",
	KindLoadModel:       "load",
	KindUnloadModel:     "unload",
	KindLanguages:       "langs",
	KindSetLanguage:     "lang",
	KindRegenerate:      "regen",
	KindModifyMenu:      "modmenu",
	KindModify:          "mod",
	KindEditResponse:    "edit",
	KindReplyActions:    "actions",
	KindInlineAnswer:    "ia",
	KindInlineTranslate: "it",
}

var kindsByName = func() map[string]Kind {
	out := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		out[name] = k
	}
	return out
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Action is what a button does when pressed. ID carries a chat or host id and
// Arg a model name, locale code or modification.
type Action struct {
	Kind Kind
	ID   int64
	Arg  string
}

func (a Action) Encode() (string, error) {
	name, ok := kindNames[a.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrActionKind, int(a.Kind))
	}
	data := actionPrefix + name + ":" + strconv.FormatInt(a.ID, 10) + ":" + a.Arg
	if len(data) > maxCallbackData {
		return "", fmt.Errorf("%w: %d bytes", ErrActionTooLong, len(data))
	}
	return data, nil
}

// DecodeAction parses callback data produced by Encode. Arg may itself contain
// colons, as model tags do.
func DecodeAction(data string) (Action, error) {
	rest, ok := strings.CutPrefix(data, actionPrefix)
	if !ok {
		return Action{}, ErrActionVersion
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return Action{}, ErrActionMalformed
	}
	kind, ok := kindsByName[parts[0]]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrActionKind, parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Action{}, fmt.Errorf("%w: id %q", ErrActionMalformed, parts[1])
	}
	return Action{Kind: kind, ID: id, Arg: parts[2]}, nil
}
