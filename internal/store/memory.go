package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory twin of the redis store. Same semantics,
// including TTL expiry, against process-local maps. The clock is injectable
// so tests can step time instead of sleeping.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	lists  map[string][]string
	sets   map[string]map[string]bool
	hashes map[string]map[string]string
	expiry map[string]time.Time
	now    func() time.Time
}

type memEntry struct {
	value string
}

// NewMemoryStore returns an empty store using the real clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]bool),
		hashes: make(map[string]map[string]string),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// expired reports and reaps an expired key. Caller holds the lock.
func (s *MemoryStore) expired(key string) bool {
	deadline, ok := s.expiry[key]
	if !ok {
		return false
	}
	if s.now().Before(deadline) {
		return false
	}
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.hashes, key)
	delete(s.expiry, key)
	return true
}

func (s *MemoryStore) setExpiry(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return "", false, nil
	}
	entry, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memEntry{value: value}
	s.setExpiry(key, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expired(key) {
		if _, exists := s.values[key]; exists {
			return false, nil
		}
	}
	s.values[key] = memEntry{value: value}
	s.setExpiry(key, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.hashes, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return false, nil
	}
	if _, ok := s.values[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) PushCapped(ctx context.Context, key, value string, capacity int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	list := append([]string{value}, s.lists[key]...)
	if capacity > 0 && int64(len(list)) > capacity {
		list = list[:capacity]
	}
	s.lists[key] = list
	s.setExpiry(key, ttl)
	return nil
}

func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return nil, nil
	}
	list := s.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
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
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	set := s.sets[key]
	if set == nil {
		set = make(map[string]bool)
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = true
	}
	return nil
}

func (s *MemoryStore) SetRemove(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.sets[key]; set != nil {
		for _, m := range members {
			delete(set, m)
		}
	}
	return nil
}

func (s *MemoryStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return false, nil
	}
	return s.sets[key][member], nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return nil, nil
	}
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) HashSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired(key)
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
