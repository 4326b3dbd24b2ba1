package ollama

import "strings"

type Model struct {
	Name          string
	Size          int64
	ParameterSize string
	Quantization  string
}

type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// StringArg returns the named argument when the model sent it as a string.
func (tc ToolCall) StringArg(name string) (string, bool) {
	v, ok := tc.Arguments[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}

// Progress is one event of a model pull stream.
type Progress struct {
	Status    string
	Digest    string
	Completed int64
	Total     int64
}

func (p Progress) Done() bool {
	return p.Status == "success"
}

// Percent reports how much of the current layer has been fetched, 0..100.
func (p Progress) Percent() int {
	if p.Done() {
		return 100
	}
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Completed * 100 / p.Total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
