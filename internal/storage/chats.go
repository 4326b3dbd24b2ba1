package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateChat(ctx context.Context, userID int64, name, model string) (int64, error) {
	q := s.sql.Insert("chats").
		Columns("user_id", "chat_name", "model").
		Values(userID, name, model).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create chat query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	return id, nil
}

// ListChats returns the user's chats, newest first.
func (s *Store) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	q := s.sql.Select("id", "user_id", "chat_name", "model", "created_at").
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	q := s.sql.Select("id", "user_id", "chat_name", "model", "created_at").
		From("chats").
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c Chat
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) RenameChat(ctx context.Context, chatID int64, name string) error {
	q := s.sql.Update("chats").Set("chat_name", name).Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rename chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes the chat together with its messages.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sqlStr, args, err := s.sql.Delete("messages").Where(sq.Eq{"chat_id": chatID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	sqlStr, args, err = s.sql.Delete("chats").Where(sq.Eq{"id": chatID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, chatID int64, role, content string) error {
	stored, err := s.seal(content)
	if err != nil {
		return err
	}
	q := s.sql.Insert("messages").
		Columns("chat_id", "role", "content").
		Values(chatID, role, stored)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the chat history in the order it was written.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	q := s.sql.Select("id", "chat_id", "role", "content", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Content, err = s.open(m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// OverwriteLastMessage replaces the content of the newest message in the chat.
func (s *Store) OverwriteLastMessage(ctx context.Context, chatID int64, content string) error {
	stored, err := s.seal(content)
	if err != nil {
		return err
	}
	q := s.sql.Update("messages").
		Set("content", stored).
		Where(sq.Expr("id = (SELECT id FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1)", chatID))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build overwrite message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("overwrite last message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) seal(content string) (string, error) {
	if s.sealer == nil {
		return content, nil
	}
	out, err := s.sealer.Seal(content)
	if err != nil {
		return "", fmt.Errorf("seal message: %w", err)
	}
	return out, nil
}

func (s *Store) open(stored string) (string, error) {
	if s.sealer == nil {
		return stored, nil
	}
	out, err := s.sealer.Open(stored)
	if err != nil {
		return "", fmt.Errorf("open message: %w", err)
	}
	return out, nil
}
