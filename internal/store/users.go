package store

import (
	"context"
	"time"
)

// UserRecord is the per-sender activity counter.
type UserRecord struct {
	ID           string    `json:"-"`
	MessageCount int64     `json:"messageCount"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Touch counts one more message at t.
func (r *UserRecord) Touch(t time.Time) {
	r.MessageCount++
	r.LastActiveAt = t.UTC()
}

// UserStore persists user records. Load returns (nil, nil) for an unknown id.
type UserStore interface {
	Load(ctx context.Context, id string) (*UserRecord, error)
	Save(ctx context.Context, rec *UserRecord) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Backend names accepted by StoreConfig.Backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StoreConfig selects and configures the user store backend.
type StoreConfig struct {
	// Backend is one of file (default), sqlite, postgres or redis.
	Backend string

	// Path is the users.json file (file) or database file (sqlite).
	Path string

	// DSN is the Postgres connection string.
	DSN string

	// RedisURL is a redis:// URL.
	RedisURL string
}
