package redelivery

import (
	"context"
	"sync"
	"time"
)

var (
	_ AttemptStore  = (*MemoryStore)(nil)
	_ Expirer       = (*MemoryStore)(nil)
	_ StoreProvider = (*MemoryProvider)(nil)
)

type memoryEntry struct {
	attempt   Attempt
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore is an in-process AttemptStore.
//
// When MaxEntries is positive, storing a new key into a full store evicts the
// entry stored longest ago. When EntryTTL is positive, entries expire that long
// after their last write; expired entries read as absent and are dropped by Sweep.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewMemoryStore creates a store sized by opts.
func NewMemoryStore(opts RegionOptions) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxEntries: opts.MaxEntries,
		ttl:        opts.EntryTTL,
		now:        time.Now,
	}
}

func (s *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (s *MemoryStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && !s.expired(e, s.now()), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e, s.now()) {
		return Attempt{}, ErrNotFound
	}
	return e.attempt, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, ok := s.entries[key]; !ok && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}

	e := memoryEntry{attempt: a, storedAt: now}
	if s.ttl > 0 {
		e.expiresAt = now.Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range s.entries {
		if !found || e.storedAt.Before(oldest) {
			oldestKey, oldest, found = k, e.storedAt, true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemoryProvider hands out one MemoryStore per region name.
type MemoryProvider struct {
	mu      sync.Mutex
	regions map[string]*MemoryStore
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{regions: make(map[string]*MemoryStore)}
}

// Region returns the store for name, creating it on first use.
func (p *MemoryProvider) Region(_ context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.regions[name]; ok {
		return s, nil
	}
	s := NewMemoryStore(opts)
	p.regions[name] = s
	return s, nil
}

// Expirers returns every region opened so far, for sweeping.
func (p *MemoryProvider) Expirers() []Expirer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Expirer, 0, len(p.regions))
	for _, s := range p.regions {
		out = append(out, s)
	}
	return out
}
