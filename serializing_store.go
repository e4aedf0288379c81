package redelivery

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ AttemptStore  = (*SerializingStore)(nil)
	_ StoreProvider = (*SerializingProvider)(nil)
)

// SerializingStore keeps only encoded attempt records, so every read returns
// a freshly decoded value. It behaves like a durable backend without the I/O.
type SerializingStore struct {
	mu    sync.RWMutex
	codec Codec
	data  map[string][]byte
}

// NewSerializingStore creates a store using codec, or BinaryCodec when nil.
func NewSerializingStore(codec Codec) *SerializingStore {
	if codec == nil {
		codec = BinaryCodec{}
	}
	return &SerializingStore{codec: codec, data: make(map[string][]byte)}
}

func (s *SerializingStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *SerializingStore) Get(_ context.Context, key string) (Attempt, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return s.codec.Decode(raw)
}

func (s *SerializingStore) Put(_ context.Context, key string, a Attempt) error {
	raw, err := s.codec.Encode(a)
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

func (s *SerializingStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *SerializingStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

// SerializingProvider hands out one SerializingStore per region name.
// Region sizing is ignored.
type SerializingProvider struct {
	Codec Codec

	mu      sync.Mutex
	regions map[string]*SerializingStore
}

func (p *SerializingProvider) Region(_ context.Context, name string, _ RegionOptions) (AttemptStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regions == nil {
		p.regions = make(map[string]*SerializingStore)
	}
	if s, ok := p.regions[name]; ok {
		return s, nil
	}
	s := NewSerializingStore(p.Codec)
	p.regions[name] = s
	return s, nil
}
