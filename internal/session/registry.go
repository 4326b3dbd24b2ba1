// Package session keeps per-user state that lives only as long as the process:
// the chat a user is talking in, the "start a chat after picking a model" flag
// and the last inline query text.
package session

import "sync"

type entry struct {
	chatID         int64
	pendingNewChat bool
	inlineQuery    string
}

// Registry is safe for concurrent use by any number of users.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

func (r *Registry) get(userID int64) *entry {
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	return e
}

// Current returns the chat the user is talking in, or 0.
func (r *Registry) Current(userID int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[userID]; ok {
		return e.chatID
	}
	return 0
}

func (r *Registry) SetCurrent(userID, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(userID).chatID = chatID
}

// ClearCurrentIf forgets the current chat when it is chatID.
func (r *Registry) ClearCurrentIf(userID, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok && e.chatID == chatID {
		e.chatID = 0
	}
}

func (r *Registry) SetPendingNewChat(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(userID).pendingNewChat = true
}

// TakePendingNewChat reports whether the flag was set and clears it.
func (r *Registry) TakePendingNewChat(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || !e.pendingNewChat {
		return false
	}
	e.pendingNewChat = false
	return true
}

func (r *Registry) SetInlineQuery(userID int64, q string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(userID).inlineQuery = q
}

func (r *Registry) InlineQuery(userID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[userID]; ok {
		return e.inlineQuery
	}
	return ""
}
