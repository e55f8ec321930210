// Package sqlstore stores user records in SQLite (modernc.org/sqlite) or
// Postgres (pgx stdlib driver) through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/knightbot/knightbot/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS users (
	id             VARCHAR(255) PRIMARY KEY,
	message_count  BIGINT NOT NULL DEFAULT 0,
	last_active_ms BIGINT NOT NULL DEFAULT 0
)`

// SQLUserStore implements store.UserStore on a SQL database.
type SQLUserStore struct {
	db *sqlx.DB
}

type userRow struct {
	ID           string `db:"id"`
	MessageCount int64  `db:"message_count"`
	LastActiveMS int64  `db:"last_active_ms"`
}

// Open connects to the database for backend (store.BackendSQLite or
// store.BackendPostgres) and creates the users table if needed.
func Open(ctx context.Context, backend, dsn string) (*SQLUserStore, error) {
	var driver string
	switch backend {
	case store.BackendSQLite:
		driver = "sqlite"
	case store.BackendPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql backend %q", backend)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	if driver == "sqlite" {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}
	slog.Info("user store connected", "backend", backend)
	return &SQLUserStore{db: db}, nil
}

func (s *SQLUserStore) Load(ctx context.Context, id string) (*store.UserRecord, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT id, message_count, last_active_ms FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return &store.UserRecord{
		ID:           row.ID,
		MessageCount: row.MessageCount,
		LastActiveAt: time.UnixMilli(row.LastActiveMS).UTC(),
	}, nil
}

func (s *SQLUserStore) Save(ctx context.Context, rec *store.UserRecord) error {
	if err := store.ValidateUserID(rec.ID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO users (id, message_count, last_active_ms) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			message_count = excluded.message_count,
			last_active_ms = excluded.last_active_ms`),
		rec.ID, rec.MessageCount, rec.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save user %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLUserStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM users"); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *SQLUserStore) Close() error { return s.db.Close() }
