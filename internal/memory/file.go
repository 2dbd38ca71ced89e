package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// FileStore is a memory store persisted as one JSON document. Values must be JSON
// encodable; they come back in their JSON-decoded form.
type FileStore struct {
	store    map[string]item
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	logger   *slog.Logger
}

// NewFileStore loads path if it exists. A zero ttl keeps entries forever.
func NewFileStore(path string, ttl time.Duration, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		store:    make(map[string]item),
		ttl:      ttl,
		filePath: path,
		logger:   logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read memory file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.store); err != nil {
		return fmt.Errorf("failed to parse memory file: %w", err)
	}
	return nil
}

// save writes the store atomically. Caller holds the write lock.
func (s *FileStore) save() error {
	now := time.Now().UnixNano()
	for key, it := range s.store {
		if it.expired(now) {
			delete(s.store, key)
		}
	}
	data, err := json.Marshal(s.store)
	if err != nil {
		return fmt.Errorf("failed to encode memory file: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// Get returns the value for key or a not-found error.
func (s *FileStore) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	it, found := s.store[key]
	s.mutex.RUnlock()
	if !found || it.expired(time.Now().UnixNano()) {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("memory key not found: "+key, nil))
	}
	return it.Value, nil
}

// Set stores value under key and persists the file.
func (s *FileStore) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return err
	}
	// Round-trip so in-process reads match what a reload would return.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory value for '%s' is not JSON encodable: %w", key, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.store[key] = item{Value: normalized, Expiration: expiration(s.ttl)}
	if err := s.save(); err != nil {
		s.logger.Error("Failed to persist memory file", "path", s.filePath, "error", err)
		return err
	}
	s.logger.Debug("Persistent memory item set", "key", key)
	return nil
}
