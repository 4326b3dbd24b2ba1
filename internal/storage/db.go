package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Sealer protects message content at rest. A nil Sealer stores plaintext.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	sealer Sealer
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool, migrationsDir string) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// a single writer connection keeps sqlite from reporting SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

// UseSealer enables sealing of message content written from now on.
func (s *Store) UseSealer(sealer Sealer) {
	s.sealer = sealer
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id INTEGER PRIMARY KEY,
    host TEXT NOT NULL DEFAULT '',
    selected_model TEXT NOT NULL DEFAULT '',
    translator_model TEXT NOT NULL DEFAULT '',
    locale TEXT NOT NULL DEFAULT 'ru',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS hosts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    host_url TEXT NOT NULL,
    host_name TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    chat_name TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    action TEXT NOT NULL,
    meta_json TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_hosts_user_id ON hosts(user_id);
CREATE INDEX IF NOT EXISTS idx_chats_user_id_created_at ON chats(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id_created_at ON messages(chat_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_audit_log_user_id_created_at ON audit_log(user_id, created_at DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
