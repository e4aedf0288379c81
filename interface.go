package redelivery

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// AttemptStore maps identity keys to attempt records.
// Implementations must be safe for concurrent use on different keys; callers
// serialize same-key access through a KeyLocker.
type AttemptStore interface {
	Contains(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (Attempt, error)
	Put(ctx context.Context, key string, a Attempt) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// RegionOptions sizes a named attempt store region.
type RegionOptions struct {
	MaxEntries         int           `yaml:"max_entries"`
	EntryTTL           time.Duration `yaml:"entry_ttl"`
	ExpirationInterval time.Duration `yaml:"expiration_interval"`
}

// StoreProvider opens named attempt store regions.
type StoreProvider interface {
	Region(ctx context.Context, name string, opts RegionOptions) (AttemptStore, error)
}

// StoreProviderFunc is an adapter to allow the use of ordinary functions as StoreProviders.
type StoreProviderFunc func(ctx context.Context, name string, opts RegionOptions) (AttemptStore, error)

func (f StoreProviderFunc) Region(ctx context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	return f(ctx, name, opts)
}

// Expirer is implemented by stores that need an external sweep to drop
// expired records. Sweep returns the number of records removed.
type Expirer interface {
	Sweep(ctx context.Context) (int, error)
}

// KeyLocker runs fn while holding the exclusive lock for key. The lock is
// released on every exit path of fn, including panics.
type KeyLocker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Processor handles a message and returns its result.
type Processor interface {
	Process(ctx context.Context, msg *Message) (*Message, error)
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as Processors.
type ProcessorFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f ProcessorFunc) Process(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// DeadLetterStore is the interface for dead-letter persistence.
// The concrete implementation is *PostgresDeadLetterStore (pgx-backed).
type DeadLetterStore interface {
	Insert(ctx context.Context, e DeadLetter) error
	Get(ctx context.Context, dlqID string) (*DeadLetter, error)
	List(ctx context.Context, opts ListOpts) ([]DeadLetter, error)
	MarkRecovered(ctx context.Context, dlqID, recoveredBy string) error
	ListRecoverable(ctx context.Context, policy string) ([]DeadLetter, error)
	Stats(ctx context.Context) (*DeadLetterStats, error)
}

// NATSPublisher is the subset of *nats.Conn used to publish messages.
type NATSPublisher interface {
	PublishMsg(m *nats.Msg) error
}
