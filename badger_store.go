package redelivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	_ AttemptStore  = (*BadgerStore)(nil)
	_ StoreProvider = (*BadgerProvider)(nil)
)

// BadgerStore persists attempt records in BadgerDB.
//
// Key format: {region}/{identity key}
type BadgerStore struct {
	db     *badger.DB
	region string
	opts   RegionOptions
}

// NewBadgerStore creates a region-scoped store over an open database.
// Entries expire natively after opts.EntryTTL when it is positive.
func NewBadgerStore(db *badger.DB, region string, opts RegionOptions) *BadgerStore {
	return &BadgerStore{db: db, region: region, opts: opts}
}

func (s *BadgerStore) key(key string) []byte {
	return []byte(regionKey(s.region, key))
}

func (s *BadgerStore) Contains(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.key(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger contains %s: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) (Attempt, error) {
	var a Attempt
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(a.UnmarshalBinary)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, fmt.Errorf("badger get %s: %w", key, err)
	}
	return a, nil
}

func (s *BadgerStore) Put(_ context.Context, key string, a Attempt) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(s.key(key), data)
		if s.opts.EntryTTL > 0 {
			e = e.WithTTL(s.opts.EntryTTL)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
}

// Clear removes every record of this region.
func (s *BadgerStore) Clear(_ context.Context) error {
	if err := s.db.DropPrefix([]byte(regionPrefix(s.region, "/"))); err != nil {
		return fmt.Errorf("badger clear region %s: %w", s.region, err)
	}
	return nil
}

// BadgerConfig holds BadgerDB configuration.
type BadgerConfig struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool
}

// BadgerProvider opens regions inside a single BadgerDB database.
type BadgerProvider struct {
	db *badger.DB
}

// OpenBadger opens the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerProvider, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Attempt counters are small and rebuilt by redelivery; skip fsync per write.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerProvider{db: db}, nil
}

func (p *BadgerProvider) Region(_ context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	return NewBadgerStore(p.db, name, opts), nil
}

// Close closes the underlying database.
func (p *BadgerProvider) Close() error {
	return p.db.Close()
}
