package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/contentpulse/datacore/internal/core/retry"
)

// MemoryStore is an in-process Store used by tests and local
// development. Expiry is lazy: keys past their deadline are dropped on
// access, mirroring the TTL-driven reset semantics of the remote
// backends.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	counter map[string]int64
	lists   map[string][]string
	hashes  map[string]map[string]string
	expiry  map[string]time.Time

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		counter: make(map[string]int64),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) dropExpiredLocked(key string) {
	deadline, ok := s.expiry[key]
	if !ok || s.now().Before(deadline) {
		return
	}
	delete(s.strings, key)
	delete(s.counter, key)
	delete(s.lists, key)
	delete(s.hashes, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &retry.PermanentError{Err: fmt.Errorf("marshal value: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = string(data)
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	s.dropExpiredLocked(key)
	data, ok := s.strings[key]
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, &retry.PermanentError{Err: fmt.Errorf("unmarshal %s: %w", key, err)}
	}
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.counter, key)
		delete(s.lists, key)
		delete(s.hashes, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.counter[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	_, ok := s.hashes[key]
	return ok, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	s.counter[key]++
	return s.counter[key], nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)

	exists := false
	if _, ok := s.strings[key]; ok {
		exists = true
	}
	if _, ok := s.counter[key]; ok {
		exists = true
	}
	if _, ok := s.lists[key]; ok {
		exists = true
	}
	if _, ok := s.hashes[key]; ok {
		exists = true
	}
	if !exists {
		return false, nil
	}
	s.expiry[key] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *MemoryStore) RPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)

	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	val := list[len(list)-1]
	s.lists[key] = list[:len(list)-1]
	if len(s.lists[key]) == 0 {
		delete(s.lists, key)
	}
	return val, true, nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]string)
	}
	s.hashes[key][field] = value
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	val, ok := s.hashes[key][field]
	return val, ok, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	for _, f := range fields {
		delete(s.hashes[key], f)
	}
	if len(s.hashes[key]) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
