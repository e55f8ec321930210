package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knightbot/knightbot/internal/store"
)

func TestRedisUserStore(t *testing.T) {
	url := os.Getenv("KNIGHTBOT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KNIGHTBOT_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	prefix := fmt.Sprintf("knightbot-test-%d:", time.Now().UnixNano())
	s := New(client, prefix)
	ctx := context.Background()
	defer func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		s.Close()
	}()

	if rec, err := s.Load(ctx, "x"); err != nil || rec != nil {
		t.Fatalf("Load unknown = %v, %v", rec, err)
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		if err := s.Save(ctx, &store.UserRecord{ID: "x", MessageCount: int64(i), LastActiveAt: at}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := s.Load(ctx, "x")
	if err != nil || got.MessageCount != 2 || !got.LastActiveAt.Equal(at) {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestOpenBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-url"); err == nil {
		t.Error("expected parse error")
	}
}
