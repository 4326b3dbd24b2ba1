package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

type User struct {
	ID              int64
	Host            string
	SelectedModel   string
	TranslatorModel string
	Locale          string
	CreatedAt       time.Time
}

// UserUpdate carries the fields to change; nil fields are left untouched.
type UserUpdate struct {
	Host            *string
	SelectedModel   *string
	TranslatorModel *string
	Locale          *string
}

type Host struct {
	ID        int64
	UserID    int64
	URL       string
	Name      string
	Active    bool
	CreatedAt time.Time
}

type Chat struct {
	ID        int64
	UserID    int64
	Name      string
	Model     string
	CreatedAt time.Time
}

type Message struct {
	ID        int64
	ChatID    int64
	Role      string
	Content   string
	CreatedAt time.Time
}

type AuditEntry struct {
	UserID   int64
	Action   string
	MetaJSON string
}
