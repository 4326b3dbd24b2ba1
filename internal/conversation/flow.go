package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Flow is the multi-step input a user is in the middle of. No flow means the
// next free text is a chat turn.
type Flow interface {
	kind() string
}

type AwaitingHostURL struct{}

type AwaitingHostName struct {
	URL string
}

type AwaitingModelName struct{}

type AwaitingChatRename struct {
	ChatID int64
}

type AwaitingResponseEdit struct {
	ChatID int64
}

func (AwaitingHostURL) kind() string      { return "host_url" }
func (AwaitingHostName) kind() string     { return "host_name" }
func (AwaitingModelName) kind() string    { return "model_name" }
func (AwaitingChatRename) kind() string   { return "chat_rename" }
func (AwaitingResponseEdit) kind() string { return "response_edit" }

// FlowStore keeps at most one flow per user. Get returns nil when the user has
// no active flow.
type FlowStore interface {
	Get(ctx context.Context, userID int64) (Flow, error)
	Set(ctx context.Context, userID int64, f Flow) error
	Clear(ctx context.Context, userID int64) error
}

type flowRecord struct {
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

func encodeFlow(f Flow) ([]byte, error) {
	rec := flowRecord{Kind: f.kind()}
	switch v := f.(type) {
	case AwaitingHostName:
		rec.URL = v.URL
	case AwaitingChatRename:
		rec.ChatID = v.ChatID
	case AwaitingResponseEdit:
		rec.ChatID = v.ChatID
	}
	return json.Marshal(rec)
}

func decodeFlow(b []byte) (Flow, error) {
	var rec flowRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	switch rec.Kind {
	case AwaitingHostURL{}.kind():
		return AwaitingHostURL{}, nil
	case AwaitingHostName{}.kind():
		return AwaitingHostName{URL: rec.URL}, nil
	case AwaitingModelName{}.kind():
		return AwaitingModelName{}, nil
	case AwaitingChatRename{}.kind():
		return AwaitingChatRename{ChatID: rec.ChatID}, nil
	case AwaitingResponseEdit{}.kind():
		return AwaitingResponseEdit{ChatID: rec.ChatID}, nil
	default:
		return nil, fmt.Errorf("decode flow: unknown kind %q", rec.Kind)
	}
}

// MemoryFlowStore is a process-local FlowStore with the same expiry semantics
// as the redis one.
type MemoryFlowStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	flows map[int64]memoryFlow
}

type memoryFlow struct {
	flow    Flow
	expires time.Time
}

func NewMemoryFlowStore(ttl time.Duration) *MemoryFlowStore {
	return &MemoryFlowStore{ttl: ttl, now: time.Now, flows: make(map[int64]memoryFlow)}
}

func (m *MemoryFlowStore) Get(_ context.Context, userID int64) (Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[userID]
	if !ok {
		return nil, nil
	}
	if m.ttl > 0 && m.now().After(f.expires) {
		delete(m.flows, userID)
		return nil, nil
	}
	return f.flow, nil
}

func (m *MemoryFlowStore) Set(_ context.Context, userID int64, f Flow) error {
	if f == nil {
		return fmt.Errorf("set flow: nil flow")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[userID] = memoryFlow{flow: f, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryFlowStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, userID)
	return nil
}
