// Package memory provides key-value stores for the action memory side channel.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

type item struct {
	Value      any   `json:"value"`
	Expiration int64 `json:"expiration,omitempty"` // unix nanos, 0 = never
}

func (i item) expired(now int64) bool {
	return i.Expiration > 0 && now > i.Expiration
}

func expiration(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

// InMemoryStore is a thread-safe map with optional per-store TTL.
type InMemoryStore struct {
	store  map[string]item
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewInMemoryStore creates a store. A zero ttl keeps entries until overwritten.
func NewInMemoryStore(ttl time.Duration, logger *slog.Logger) *InMemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InMemoryStore{
		store:  make(map[string]item),
		ttl:    ttl,
		logger: logger,
		done:   make(chan struct{}),
	}
	if ttl > 0 {
		go s.cleanupLoop(cleanupInterval(ttl))
	}
	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return time.Minute
	}
	return 10 * time.Minute
}

// Get returns the value for key or a not-found error.
func (s *InMemoryStore) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	it, found := s.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("memory key not found: "+key, nil))
	}
	if it.expired(time.Now().UnixNano()) {
		s.logger.Debug("Memory item expired", "key", key)
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("memory key expired: "+key, nil))
	}
	return it.Value, nil
}

// Set stores value under key.
func (s *InMemoryStore) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.store[key] = item{Value: value, Expiration: expiration(s.ttl)}
	s.logger.Debug("Memory item set", "key", key)
	return nil
}

// Delete removes key.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.store, key)
	return nil
}

// Close stops the background cleanup.
func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *InMemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mutex.Lock()
			now := time.Now().UnixNano()
			for key, it := range s.store {
				if it.expired(now) {
					delete(s.store, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}
