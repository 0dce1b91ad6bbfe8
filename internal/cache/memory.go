package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

const memorySweepInterval = 5 * time.Minute

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store used in development and tests. Expired
// entries are dropped lazily on read plus by a periodic sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewMemoryStore returns a running MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.sweepLoop()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && entry.expired(s.now()) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{payload: payload, expiresAt: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected uint64, value Versioned, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.expired(s.now()) {
		delete(s.entries, key)
		ok = false
	}
	if !ok {
		if expected != 0 {
			return ErrConflict
		}
	} else {
		var current Versioned
		if err := json.Unmarshal(entry.payload, &current); err != nil {
			return err
		}
		if current.Generation != expected {
			return ErrConflict
		}
	}
	s.entries[key] = memoryEntry{payload: payload, expiresAt: s.expiry(ttl)}
	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.expired(s.now()) {
		delete(s.entries, key)
		ok = false
	}
	var current int64
	if ok {
		parsed, err := strconv.ParseInt(string(entry.payload), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	next := memoryEntry{payload: []byte(strconv.FormatInt(current, 10))}
	if ok {
		next.expiresAt = entry.expiresAt
	} else {
		next.expiresAt = s.expiry(ttl)
	}
	s.entries[key] = next
	return current, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
	})
	return nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}
}
