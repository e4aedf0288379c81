package redelivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ AttemptStore  = (*PostgresStore)(nil)
	_ Expirer       = (*PostgresStore)(nil)
	_ StoreProvider = (*PostgresProvider)(nil)
)

// AttemptsSchema creates the table backing PostgresStore.
const AttemptsSchema = `
CREATE TABLE IF NOT EXISTS redelivery_attempts (
	region     text        NOT NULL,
	key        text        NOT NULL,
	count      integer     NOT NULL CHECK (count >= 0),
	updated_at timestamptz NOT NULL DEFAULT now(),
	expires_at timestamptz,
	PRIMARY KEY (region, key)
)`

// PostgresStore handles attempt record persistence to Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	region string
	opts   RegionOptions
}

// NewPostgresStore creates a region-scoped store from an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool, region string, opts RegionOptions) *PostgresStore {
	return &PostgresStore{pool: pool, region: region, opts: opts}
}

func (s *PostgresStore) Contains(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM redelivery_attempts
			WHERE region = $1 AND key = $2
			  AND (expires_at IS NULL OR expires_at > now())
		)
	`, s.region, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("contains attempt: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Attempt, error) {
	var a Attempt
	err := s.pool.QueryRow(ctx, `
		SELECT count FROM redelivery_attempts
		WHERE region = $1 AND key = $2
		  AND (expires_at IS NULL OR expires_at > now())
	`, s.region, key).Scan(&a.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// Put upserts the record, refreshing its expiry.
func (s *PostgresStore) Put(ctx context.Context, key string, a Attempt) error {
	var ttlSeconds *float64
	if s.opts.EntryTTL > 0 {
		secs := s.opts.EntryTTL.Seconds()
		ttlSeconds = &secs
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO redelivery_attempts (region, key, count, updated_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + make_interval(secs => $4::double precision))
		ON CONFLICT (region, key) DO UPDATE
		SET count = EXCLUDED.count,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at
	`, s.region, key, a.Count, ttlSeconds)
	if err != nil {
		return fmt.Errorf("put attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM redelivery_attempts WHERE region = $1 AND key = $2`, s.region, key)
	if err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM redelivery_attempts WHERE region = $1`, s.region)
	if err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// Sweep deletes expired rows of this region.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM redelivery_attempts
		WHERE region = $1 AND expires_at IS NOT NULL AND expires_at <= now()
	`, s.region)
	if err != nil {
		return 0, fmt.Errorf("sweep attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresProvider opens regions as row partitions of redelivery_attempts.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider creates a provider from an existing connection pool.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// Migrate creates the attempts table if it does not exist.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, AttemptsSchema); err != nil {
		return fmt.Errorf("migrate redelivery_attempts: %w", err)
	}
	return nil
}

func (p *PostgresProvider) Region(_ context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	return NewPostgresStore(p.pool, name, opts), nil
}
