package redelivery

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedMemoryStore(opts RegionOptions) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(opts)
	s.now = clock.now
	return s, clock
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(RegionOptions{})

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "k", Attempt{Count: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := s.Contains(ctx, "k"); !ok {
		t.Error("expected key to be present")
	}
	a, err := s.Get(ctx, "k")
	if err != nil || a.Count != 3 {
		t.Fatalf("expected count 3, got %+v, %v", a, err)
	}
	if err := s.Put(ctx, "k", Attempt{Count: 4}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if a, _ := s.Get(ctx, "k"); a.Count != 4 {
		t.Errorf("expected overwrite to 4, got %d", a.Count)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting an absent key should succeed, got %v", err)
	}
	if ok, _ := s.Contains(ctx, "k"); ok {
		t.Error("expected key to be gone")
	}

	_ = s.Put(ctx, "a", Attempt{Count: 1})
	_ = s.Put(ctx, "b", Attempt{Count: 1})
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedMemoryStore(RegionOptions{EntryTTL: time.Minute})

	_ = s.Put(ctx, "k", Attempt{Count: 1})
	clock.advance(59 * time.Second)
	if ok, _ := s.Contains(ctx, "k"); !ok {
		t.Fatal("expected entry before ttl")
	}

	// A write refreshes the ttl.
	_ = s.Put(ctx, "k", Attempt{Count: 2})
	clock.advance(59 * time.Second)
	if a, err := s.Get(ctx, "k"); err != nil || a.Count != 2 {
		t.Fatalf("expected refreshed entry, got %+v, %v", a, err)
	}

	clock.advance(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired entry to read as absent, got %v", err)
	}
	if ok, _ := s.Contains(ctx, "k"); ok {
		t.Error("expected expired entry to be absent")
	}
	if s.Len() != 1 {
		t.Errorf("expected expired entry kept until sweep, got %d", s.Len())
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedMemoryStore(RegionOptions{EntryTTL: time.Minute})

	_ = s.Put(ctx, "old", Attempt{Count: 1})
	clock.advance(30 * time.Second)
	_ = s.Put(ctx, "new", Attempt{Count: 1})
	clock.advance(45 * time.Second)

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept entry, got %d", n)
	}
	if ok, _ := s.Contains(ctx, "new"); !ok {
		t.Error("expected new entry to survive")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", s.Len())
	}
}

func TestMemoryStore_NoTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedMemoryStore(RegionOptions{})
	_ = s.Put(ctx, "k", Attempt{Count: 1})
	clock.advance(24 * time.Hour)
	if ok, _ := s.Contains(ctx, "k"); !ok {
		t.Error("expected entry without ttl to persist")
	}
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("expected nothing swept, got %d", n)
	}
}

func TestMemoryStore_MaxEntries(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedMemoryStore(RegionOptions{MaxEntries: 2})

	_ = s.Put(ctx, "a", Attempt{Count: 1})
	clock.advance(time.Second)
	_ = s.Put(ctx, "b", Attempt{Count: 1})
	clock.advance(time.Second)

	// Updating an existing key never evicts.
	_ = s.Put(ctx, "a", Attempt{Count: 2})
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	clock.advance(time.Second)

	_ = s.Put(ctx, "c", Attempt{Count: 1})
	if s.Len() != 2 {
		t.Fatalf("expected bound of 2, got %d", s.Len())
	}
	if ok, _ := s.Contains(ctx, "b"); ok {
		t.Error("expected least recently stored entry b to be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if ok, _ := s.Contains(ctx, k); !ok {
			t.Errorf("expected %s to be kept", k)
		}
	}
}

func TestMemoryProvider_Regions(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	a, err := p.Region(ctx, "orders.redelivery", RegionOptions{})
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	again, _ := p.Region(ctx, "orders.redelivery", RegionOptions{})
	if a != again {
		t.Error("expected the same store for the same region name")
	}
	b, _ := p.Region(ctx, "billing.redelivery", RegionOptions{})
	if a == b {
		t.Error("expected distinct stores per region")
	}

	_ = a.Put(ctx, "k", Attempt{Count: 1})
	if ok, _ := b.Contains(ctx, "k"); ok {
		t.Error("expected regions to be isolated")
	}
	if got := len(p.Expirers()); got != 2 {
		t.Errorf("expected 2 expirers, got %d", got)
	}
}
