package redelivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// mockDLQStore is a thread-safe in-memory DeadLetterStore for unit tests.
type mockDLQStore struct {
	mu      sync.Mutex
	entries map[string]*DeadLetter

	insertErr  error
	listErr    error
	recoverErr error
	statsErr   error

	insertCalls  int
	recoverCalls int
}

func newMockDLQStore() *mockDLQStore {
	return &mockDLQStore{entries: make(map[string]*DeadLetter)}
}

func (m *mockDLQStore) Insert(_ context.Context, e DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.entries[e.DLQID]; ok {
		return nil
	}
	cp := e
	m.entries[e.DLQID] = &cp
	return nil
}

func (m *mockDLQStore) Get(_ context.Context, dlqID string) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dlqID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, dlqID)
	}
	cp := *e
	return &cp, nil
}

func (m *mockDLQStore) List(_ context.Context, opts ListOpts) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []DeadLetter
	for _, e := range m.entries {
		if opts.Recovered != nil && e.Recovered != *opts.Recovered {
			continue
		}
		if opts.Reason != "" && e.Reason != opts.Reason {
			continue
		}
		if opts.Policy != "" && e.Policy != opts.Policy {
			continue
		}
		result = append(result, *e)
		if len(result) >= listLimit(opts.Limit) {
			break
		}
	}
	return result, nil
}

func (m *mockDLQStore) MarkRecovered(_ context.Context, dlqID, recoveredBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverCalls++
	if m.recoverErr != nil {
		return m.recoverErr
	}
	e, ok := m.entries[dlqID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, dlqID)
	}
	if e.Recovered {
		return fmt.Errorf("%w: %s", ErrAlreadyRecovered, dlqID)
	}
	e.Recovered = true
	e.RecoveredBy = recoveredBy
	return nil
}

func (m *mockDLQStore) ListRecoverable(_ context.Context, policy string) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []DeadLetter
	for _, e := range m.entries {
		if policy != "" && e.Policy != policy {
			continue
		}
		if e.Recoverable && !e.Recovered {
			result = append(result, *e)
		}
	}
	return result, nil
}

func (m *mockDLQStore) Stats(_ context.Context) (*DeadLetterStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	s := &DeadLetterStats{
		ByReason: make(map[string]int),
		ByPolicy: make(map[string]int),
	}
	for _, e := range m.entries {
		s.Total++
		if !e.Recovered {
			s.Unrecovered++
			s.ByReason[e.Reason]++
			s.ByPolicy[e.Policy]++
			if e.Recoverable {
				s.Recoverable++
			}
		}
	}
	return s, nil
}

func (m *mockDLQStore) seed(entries ...DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		e := entries[i]
		m.entries[e.DLQID] = &e
	}
}

func (m *mockDLQStore) all() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []*nats.Msg
	err      error
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) PublishMsg(msg *nats.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockNATS) published() []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*nats.Msg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// countingProcessor counts invocations and returns err, or the message itself.
type countingProcessor struct {
	calls atomic.Int32
	err   error
	// before runs on every call ahead of the result; it may block.
	before func(ctx context.Context, msg *Message) error
}

func (p *countingProcessor) Process(ctx context.Context, msg *Message) (*Message, error) {
	p.calls.Add(1)
	if p.before != nil {
		if err := p.before(ctx, msg); err != nil {
			return nil, err
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return msg, nil
}

func (p *countingProcessor) count() int {
	return int(p.calls.Load())
}

// faultyStore wraps an AttemptStore and injects errors.
type faultyStore struct {
	AttemptStore
	getErr    error
	putErr    error
	deleteErr error
}

func (s *faultyStore) Get(ctx context.Context, key string) (Attempt, error) {
	if s.getErr != nil {
		return Attempt{}, s.getErr
	}
	return s.AttemptStore.Get(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key string, a Attempt) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.AttemptStore.Put(ctx, key, a)
}

func (s *faultyStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.AttemptStore.Delete(ctx, key)
}

// fixedProvider always returns the same store and records the region it was asked for.
type fixedProvider struct {
	store AttemptStore
	name  string
	opts  RegionOptions
}

func (p *fixedProvider) Region(_ context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	p.name = name
	p.opts = opts
	return p.store, nil
}

// Verify interfaces at compile time.
var (
	_ DeadLetterStore = (*mockDLQStore)(nil)
	_ NATSPublisher   = (*mockNATS)(nil)
	_ Processor       = (*countingProcessor)(nil)
	_ AttemptStore    = (*faultyStore)(nil)
	_ StoreProvider   = (*fixedProvider)(nil)
)
