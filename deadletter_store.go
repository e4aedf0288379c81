package redelivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ DeadLetterStore = (*PostgresDeadLetterStore)(nil)

// DeadLetterSchema creates the table backing PostgresDeadLetterStore.
const DeadLetterSchema = `
CREATE TABLE IF NOT EXISTS redelivery_dlq (
	dlq_id               text PRIMARY KEY,
	policy               text NOT NULL,
	identity_key         text NOT NULL,
	message_id           text,
	original_subject     text NOT NULL,
	original_payload     bytea NOT NULL,
	headers              jsonb NOT NULL DEFAULT '{}',
	reason               text NOT NULL,
	reason_detail        text,
	failed_at            timestamptz NOT NULL,
	attempts             integer NOT NULL,
	max_redelivery_count integer NOT NULL,
	recoverable          boolean NOT NULL DEFAULT false,
	recovered            boolean NOT NULL DEFAULT false,
	recovered_at         timestamptz,
	recovered_by         text
)`

const deadLetterColumns = `dlq_id, policy, identity_key, message_id, original_subject,
	original_payload, headers, reason, reason_detail, failed_at, attempts,
	max_redelivery_count, recoverable, recovered, recovered_at, recovered_by`

// PostgresDeadLetterStore handles dead-letter persistence to Postgres.
type PostgresDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetterStore creates a dead-letter store from an existing connection pool.
func NewPostgresDeadLetterStore(pool *pgxpool.Pool) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{pool: pool}
}

// Migrate creates the dead-letter table if it does not exist.
func (s *PostgresDeadLetterStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, DeadLetterSchema); err != nil {
		return fmt.Errorf("migrate redelivery_dlq: %w", err)
	}
	return nil
}

// Insert writes a dead letter to the redelivery_dlq table.
func (s *PostgresDeadLetterStore) Insert(ctx context.Context, e DeadLetter) error {
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil || e.Headers == nil {
		headersJSON = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO redelivery_dlq
			(dlq_id, policy, identity_key, message_id, original_subject, original_payload,
			 headers, reason, reason_detail, failed_at, attempts, max_redelivery_count, recoverable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dlq_id) DO NOTHING
	`,
		e.DLQID, e.Policy, e.IdentityKey, e.MessageID, e.OriginalSubject, e.OriginalPayload,
		headersJSON, e.Reason, e.ReasonDetail, e.FailedAt, e.Attempts, e.MaxRedeliveryCount, e.Recoverable,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Get retrieves a single dead letter by ID.
func (s *PostgresDeadLetterStore) Get(ctx context.Context, dlqID string) (*DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM redelivery_dlq WHERE dlq_id = $1`, dlqID)
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, dlqID)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", dlqID, err)
	}
	return e, nil
}

// ListOpts filters the dead-letter list query.
type ListOpts struct {
	Recovered *bool
	Reason    string
	Policy    string
	Limit     int
}

// List returns dead letters matching the given filters, newest first.
func (s *PostgresDeadLetterStore) List(ctx context.Context, opts ListOpts) ([]DeadLetter, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM redelivery_dlq WHERE 1=1`
	args := []any{}
	n := 1

	if opts.Recovered != nil {
		q += fmt.Sprintf(` AND recovered = $%d`, n)
		args = append(args, *opts.Recovered)
		n++
	}
	if opts.Reason != "" {
		q += fmt.Sprintf(` AND reason = $%d`, n)
		args = append(args, opts.Reason)
		n++
	}
	if opts.Policy != "" {
		q += fmt.Sprintf(` AND policy = $%d`, n)
		args = append(args, opts.Policy)
		n++
	}

	q += ` ORDER BY failed_at DESC`
	q += fmt.Sprintf(` LIMIT $%d`, n)
	args = append(args, listLimit(opts.Limit))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return collectDeadLetters(rows)
}

// MarkRecovered marks a dead letter as recovered. It returns
// ErrDeadLetterNotFound or ErrAlreadyRecovered when no row changes.
func (s *PostgresDeadLetterStore) MarkRecovered(ctx context.Context, dlqID, recoveredBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redelivery_dlq
		SET recovered = true, recovered_at = now(), recovered_by = $2
		WHERE dlq_id = $1 AND recovered = false
	`, dlqID, recoveredBy)
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var recovered bool
	err = s.pool.QueryRow(ctx, `SELECT recovered FROM redelivery_dlq WHERE dlq_id = $1`, dlqID).Scan(&recovered)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, dlqID)
	case err != nil:
		return fmt.Errorf("mark recovered: %w", err)
	default:
		return fmt.Errorf("%w: %s", ErrAlreadyRecovered, dlqID)
	}
}

// ListRecoverable returns dead letters eligible for replay (recoverable, not
// recovered, failed within the last 24 hours), oldest first. A non-empty
// policy restricts the result to that policy's entries.
func (s *PostgresDeadLetterStore) ListRecoverable(ctx context.Context, policy string) ([]DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM redelivery_dlq
		WHERE recoverable = true
		  AND recovered = false
		  AND failed_at > now() - interval '24 hours'
		  AND ($1 = '' OR policy = $1)
		ORDER BY failed_at ASC
	`, policy)
	if err != nil {
		return nil, fmt.Errorf("list recoverable: %w", err)
	}
	return collectDeadLetters(rows)
}

// DeadLetterStats holds summary counts for the dead-letter table.
type DeadLetterStats struct {
	Total       int            `json:"total"`
	Unrecovered int            `json:"unrecovered"`
	Recoverable int            `json:"recoverable"`
	ByReason    map[string]int `json:"by_reason"`
	ByPolicy    map[string]int `json:"by_policy"`
}

// Stats returns summary counts for unrecovered dead letters.
func (s *PostgresDeadLetterStore) Stats(ctx context.Context) (*DeadLetterStats, error) {
	st := &DeadLetterStats{
		ByReason: make(map[string]int),
		ByPolicy: make(map[string]int),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE recovered = false),
		       count(*) FILTER (WHERE recoverable = true AND recovered = false)
		FROM redelivery_dlq
	`).Scan(&st.Total, &st.Unrecovered, &st.Recoverable)
	if err != nil {
		return nil, fmt.Errorf("dead letter counts: %w", err)
	}

	if err := s.groupCount(ctx, "reason", st.ByReason); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "policy", st.ByPolicy); err != nil {
		return nil, err
	}
	return st, nil
}

// groupCount fills into with unrecovered counts grouped by column, which must
// be a trusted column name.
func (s *PostgresDeadLetterStore) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.pool.Query(ctx, `SELECT `+column+`, count(*) FROM redelivery_dlq WHERE recovered = false GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("dead letters by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k     string
			count int
		)
		if err := rows.Scan(&k, &count); err != nil {
			return fmt.Errorf("dead letters by %s: %w", column, err)
		}
		into[k] = count
	}
	return rows.Err()
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func collectDeadLetters(rows pgx.Rows) ([]DeadLetter, error) {
	defer rows.Close()
	var entries []DeadLetter
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// scanDeadLetter reads one row; pgx.Rows satisfies pgx.Row.
func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var (
		e            DeadLetter
		messageID    *string
		headersJSON  []byte
		reasonDetail *string
		recoveredAt  *time.Time
		recoveredBy  *string
	)
	err := row.Scan(
		&e.DLQID, &e.Policy, &e.IdentityKey, &messageID, &e.OriginalSubject,
		&e.OriginalPayload, &headersJSON, &e.Reason, &reasonDetail, &e.FailedAt, &e.Attempts,
		&e.MaxRedeliveryCount, &e.Recoverable, &e.Recovered, &recoveredAt, &recoveredBy,
	)
	if err != nil {
		return nil, err
	}
	if messageID != nil {
		e.MessageID = *messageID
	}
	if reasonDetail != nil {
		e.ReasonDetail = *reasonDetail
	}
	e.RecoveredAt = recoveredAt
	if recoveredBy != nil {
		e.RecoveredBy = *recoveredBy
	}
	_ = json.Unmarshal(headersJSON, &e.Headers)
	return &e, nil
}
