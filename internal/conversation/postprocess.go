package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ollamabot/internal/calc"
	"ollamabot/internal/ollama"
	"ollamabot/internal/storage"
)

const (
	toolRenameChat = "rename_chat"
	toolCalculator = "calculator"
)

// toolDefinitions is sent with every chat turn.
var toolDefinitions = json.RawMessage(`[
  {
    "type": "function",
    "function": {
      "name": "rename_chat",
      "description": "Rename the current chat to better reflect its content",
      "parameters": {
        "type": "object",
        "properties": {
          "new_name": {"type": "string", "description": "The new name for the chat"}
        },
        "required": ["new_name"]
      }
    }
  },
  {
    "type": "function",
    "function": {
      "name": "calculator",
      "description": "Perform mathematical calculations",
      "parameters": {
        "type": "object",
        "properties": {
          "expression": {"type": "string", "description": "Mathematical expression to evaluate"}
        },
        "required": ["expression"]
      }
    }
  }
]`)

const translatorPrompt = "You are a professional translator. Input is a JSON object where the key is the target language code and the value is the source text. Translate the text accurately, preserving meaning and nuances, following the target language's grammar and cultural norms. Output ONLY the translated text, with no explanations, comments, or formatting."

// calculate evaluates expr for the calculator tool. Failures become text for
// the model to read.
func calculate(expr string) string {
	v, err := calc.Eval(expr)
	if err != nil {
		return "calculation error: " + err.Error()
	}
	return calc.Format(v)
}

// runTool executes a tool that feeds its result back to the model. Unknown
// tools resolve to an empty result.
func runTool(tc ollama.ToolCall) (string, bool) {
	switch tc.Name {
	case toolCalculator:
		expr, _ := tc.StringArg("expression")
		return calculate(expr), true
	default:
		return "", false
	}
}

func toolLabel(name string) string {
	switch name {
	case toolRenameChat, toolCalculator:
		return name
	default:
		return "other"
	}
}

// completion is a model reply after tool resolution.
type completion struct {
	content string
	notes   []string
}

// complete sends msgs with the tool definitions, resolves tool calls and
// returns the final assistant text. chat.Name is updated when the model
// renamed the chat.
func (e *Engine) complete(ctx context.Context, u storage.User, chat *storage.Chat, msgs []ollama.Message, lang string, typing Typing) (completion, error) {
	stop := startTyping(typing)
	defer stop()

	reply, err := e.infer(ctx, u.Host, chat.Model, msgs, toolDefinitions)
	if err != nil {
		e.log.Error().Err(err).Int64("user_id", u.ID).Int64("chat_id", chat.ID).Str("model", chat.Model).Msg("chat completion failed")
		return completion{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	out, err := e.resolveTools(ctx, u, chat, msgs, reply, lang)
	if err != nil {
		return completion{}, err
	}
	if strings.TrimSpace(out.content) == "" && len(out.notes) == 0 {
		return completion{}, ErrEmptyResponse
	}
	return out, nil
}

func (e *Engine) resolveTools(ctx context.Context, u storage.User, chat *storage.Chat, history []ollama.Message, reply ollama.Message, lang string) (completion, error) {
	out := completion{content: reply.Content}
	if len(reply.ToolCalls) == 0 {
		return out, nil
	}

	var results []ollama.Message
	for _, tc := range reply.ToolCalls {
		e.metrics.ToolCalls.WithLabelValues(toolLabel(tc.Name)).Inc()
		if tc.Name == toolRenameChat {
			name, ok := tc.StringArg("new_name")
			if !ok || name == "" {
				continue
			}
			if err := e.store.RenameChat(ctx, chat.ID, name); err != nil {
				e.log.Warn().Err(err).Int64("chat_id", chat.ID).Msg("rename chat from tool call")
				continue
			}
			out.notes = append(out.notes, e.catalog.T(lang, "tool_renamed_chat", chat.Name, name))
			e.audit(ctx, u.ID, "chat.rename", map[string]any{"chat_id": chat.ID, "name": name, "by": "model"})
			chat.Name = name
			continue
		}
		if res, ok := runTool(tc); ok {
			results = append(results, ollama.Message{Role: storage.RoleTool, Content: res})
		}
	}
	if len(results) == 0 {
		return out, nil
	}

	follow := make([]ollama.Message, 0, len(history)+1+len(results))
	follow = append(follow, history...)
	follow = append(follow, ollama.Message{Role: storage.RoleAssistant, Content: reply.Content, ToolCalls: reply.ToolCalls})
	follow = append(follow, results...)

	next, err := e.infer(ctx, u.Host, chat.Model, follow, nil)
	if err != nil {
		e.log.Error().Err(err).Int64("chat_id", chat.ID).Msg("chat completion after tool results failed")
		return completion{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	out.content = next.Content
	return out, nil
}

// translate returns text in lang using the user's translator model. Without a
// translator, or when translation fails, text comes back unchanged.
func (e *Engine) translate(ctx context.Context, u storage.User, text, lang string) string {
	if u.TranslatorModel == "" || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := e.translateWith(ctx, u.Host, u.TranslatorModel, text, lang)
	if err != nil {
		e.log.Debug().Err(err).Int64("user_id", u.ID).Str("lang", lang).Msg("translation failed, using original text")
		return text
	}
	return out
}

func (e *Engine) translateWith(ctx context.Context, host, model, text, lang string) (string, error) {
	payload, err := json.Marshal(map[string]string{lang: text})
	if err != nil {
		return "", fmt.Errorf("encode translation payload: %w", err)
	}
	msgs := []ollama.Message{
		{Role: storage.RoleSystem, Content: translatorPrompt},
		{Role: storage.RoleUser, Content: string(payload)},
	}
	reply, err := e.infer(ctx, host, model, msgs, nil)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(reply.Content)
	if out == "" {
		return "", errors.New("translator returned empty text")
	}
	return out, nil
}

// display builds the text shown for a reply: the reply in the user's language
// followed by tool notes.
func (e *Engine) display(ctx context.Context, u storage.User, c completion) string {
	text := e.translate(ctx, u, c.content, u.Locale)
	if len(c.notes) == 0 {
		return text
	}
	notes := strings.Join(c.notes, "\n")
	if strings.TrimSpace(text) == "" {
		return notes
	}
	return text + "\n\n" + notes
}

func toInference(history []storage.Message) []ollama.Message {
	out := make([]ollama.Message, 0, len(history)+1)
	for _, m := range history {
		out = append(out, ollama.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
