package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	q := s.sql.Select("user_id", "host", "selected_model", "translator_model", "locale", "created_at").
		From("users").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.Host,
		&u.SelectedModel,
		&u.TranslatorModel,
		&u.Locale,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts the user or, when it already exists, points it at host.
func (s *Store) CreateUser(ctx context.Context, userID int64, host, locale string) error {
	q := s.sql.Insert("users").
		Columns("user_id", "host", "locale").
		Values(userID, host, locale).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET host=excluded.host")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, userID int64, upd UserUpdate) error {
	fields := map[string]any{}
	if upd.Host != nil {
		fields["host"] = *upd.Host
	}
	if upd.SelectedModel != nil {
		fields["selected_model"] = *upd.SelectedModel
	}
	if upd.TranslatorModel != nil {
		fields["translator_model"] = *upd.TranslatorModel
	}
	if upd.Locale != nil {
		fields["locale"] = *upd.Locale
	}
	if len(fields) == 0 {
		return nil
	}

	q := s.sql.Update("users").SetMap(fields).Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update user query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddHost stores a new host as the only active one for the user and points the
// user's current host at it.
func (s *Store) AddHost(ctx context.Context, userID int64, url, name string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add host: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deactivateHosts(ctx, tx, userID); err != nil {
		return 0, err
	}

	q := s.sql.Insert("hosts").
		Columns("user_id", "host_url", "host_name", "is_active").
		Values(userID, url, name, true).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert host query: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert host: %w", err)
	}

	if err := s.pointUserAt(ctx, tx, userID, url); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add host: %w", err)
	}
	return id, nil
}

func (s *Store) ListHosts(ctx context.Context, userID int64) ([]Host, error) {
	q := s.sql.Select("id", "user_id", "host_url", "host_name", "is_active", "created_at").
		From("hosts").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list hosts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	out := make([]Host, 0)
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.ID, &h.UserID, &h.URL, &h.Name, &h.Active, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate host rows: %w", err)
	}
	return out, nil
}

// SetActiveHost activates one of the user's hosts, deactivating the rest.
func (s *Store) SetActiveHost(ctx context.Context, userID, hostID int64) (Host, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Host{}, fmt.Errorf("begin set active host: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Select("id", "user_id", "host_url", "host_name", "created_at").
		From("hosts").
		Where(sq.Eq{"id": hostID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Host{}, fmt.Errorf("build get host query: %w", err)
	}
	var h Host
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&h.ID, &h.UserID, &h.URL, &h.Name, &h.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Host{}, ErrNotFound
		}
		return Host{}, fmt.Errorf("get host: %w", err)
	}

	if err := s.deactivateHosts(ctx, tx, userID); err != nil {
		return Host{}, err
	}
	upd := s.sql.Update("hosts").Set("is_active", true).Where(sq.Eq{"id": hostID})
	sqlStr, args, err = upd.ToSql()
	if err != nil {
		return Host{}, fmt.Errorf("build activate host query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return Host{}, fmt.Errorf("activate host: %w", err)
	}
	if err := s.pointUserAt(ctx, tx, userID, h.URL); err != nil {
		return Host{}, err
	}
	if err := tx.Commit(); err != nil {
		return Host{}, fmt.Errorf("commit set active host: %w", err)
	}
	h.Active = true
	return h, nil
}

func (s *Store) DeleteHost(ctx context.Context, userID, hostID int64) error {
	q := s.sql.Delete("hosts").Where(sq.Eq{"id": hostID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete host query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) deactivateHosts(ctx context.Context, tx *sql.Tx, userID int64) error {
	q := s.sql.Update("hosts").Set("is_active", false).Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate hosts query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("deactivate hosts: %w", err)
	}
	return nil
}

func (s *Store) pointUserAt(ctx context.Context, tx *sql.Tx, userID int64, url string) error {
	q := s.sql.Update("users").Set("host", url).Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build user host query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update user host: %w", err)
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("user_id", "action", "meta_json").
		Values(e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
