package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knightbot/knightbot/internal/store"
)

// FileUserStore keeps every record in one JSON object keyed by user id:
// {"<id>": {"messageCount": n, "lastActiveAt": "..."}}. The whole map is
// held in memory and rewritten atomically on each save.
type FileUserStore struct {
	path  string
	mu    sync.Mutex
	users map[string]store.UserRecord
}

// NewFileUserStore loads path, which may not exist yet.
func NewFileUserStore(path string) (*FileUserStore, error) {
	s := &FileUserStore{path: path, users: make(map[string]store.UserRecord)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read users file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileUserStore) Load(_ context.Context, id string) (*store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	rec.ID = id
	return &rec, nil
}

func (s *FileUserStore) Save(_ context.Context, rec *store.UserRecord) error {
	if err := store.ValidateUserID(rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.users[rec.ID]
	s.users[rec.ID] = *rec
	if err := s.writeLocked(); err != nil {
		if existed {
			s.users[rec.ID] = prev
		} else {
			delete(s.users, rec.ID)
		}
		return err
	}
	return nil
}

func (s *FileUserStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (s *FileUserStore) Close() error { return nil }

func (s *FileUserStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
	if err != nil {
		return fmt.Errorf("create temp users file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close users file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}
