package localstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is an in-process Store. Watch callbacks run on a goroutine per watcher,
// so a callback may write back into the store without deadlocking the writer.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]memoryEntry
	watchers watchers
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = NowTimeFunc().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: value, Source: SourceFrom(ctx)})
	return nil
}

func (s *MemoryStore) Max(ctx context.Context, key string, v int64) (int64, error) {
	s.mu.Lock()
	var current int64
	if e, ok := s.data[key]; ok && !s.expired(e) {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if v <= current {
		s.mu.Unlock()
		return current, nil
	}
	value := strconv.FormatInt(v, 10)
	s.data[key] = memoryEntry{value: value}
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: value, Source: SourceFrom(ctx)})
	return v, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	var removed []string
	s.mu.Lock()
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			removed = append(removed, k)
		}
	}
	s.mu.Unlock()

	source := SourceFrom(ctx)
	for _, k := range removed {
		s.notify(Change{Key: k, Deleted: true, Source: source})
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Watch(ctx context.Context, source string, fn func(Change)) (func(), error) {
	return s.watchPrefix(ctx, source, "", fn)
}

func (s *MemoryStore) watchPrefix(ctx context.Context, source, prefix string, fn func(Change)) (func(), error) {
	return s.watchers.add(ctx, source, prefix, fn, nil), nil
}

func (s *MemoryStore) notify(c Change) {
	s.watchers.notify(c)
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && NowTimeFunc().After(e.expires)
}
