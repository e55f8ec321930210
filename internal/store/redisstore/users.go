// Package redisstore keeps user records in Redis hashes.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knightbot/knightbot/internal/store"
)

const defaultPrefix = "knightbot:"

// RedisUserStore stores each record as a hash at <prefix>user:<id> and
// tracks ids in the set <prefix>users for Count.
type RedisUserStore struct {
	client *redis.Client
	prefix string
}

// Open parses a redis:// URL and checks connectivity.
func Open(ctx context.Context, url string) (*RedisUserStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, defaultPrefix), nil
}

// New wraps an existing client. Keys are namespaced by prefix.
func New(client *redis.Client, prefix string) *RedisUserStore {
	return &RedisUserStore{client: client, prefix: prefix}
}

func (s *RedisUserStore) userKey(id string) string { return s.prefix + "user:" + id }

func (s *RedisUserStore) indexKey() string { return s.prefix + "users" }

func (s *RedisUserStore) Load(ctx context.Context, id string) (*store.UserRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	count, err := strconv.ParseInt(fields["messageCount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("user %s: bad messageCount: %w", id, err)
	}
	ms, _ := strconv.ParseInt(fields["lastActiveAt"], 10, 64)
	return &store.UserRecord{
		ID:           id,
		MessageCount: count,
		LastActiveAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func (s *RedisUserStore) Save(ctx context.Context, rec *store.UserRecord) error {
	if err := store.ValidateUserID(rec.ID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(rec.ID),
			"messageCount", rec.MessageCount,
			"lastActiveAt", rec.LastActiveAt.UnixMilli(),
		)
		pipe.SAdd(ctx, s.indexKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save user %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisUserStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return int(n), nil
}

func (s *RedisUserStore) Close() error { return s.client.Close() }
