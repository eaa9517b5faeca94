package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgColumns = `sequence_number, event_id, event_type, actor, occurred_at,
	payload, correlation_id, prev_hash, event_hash`

// PostgresStore persists envelopes to the ledger_events table (see
// migrations/001_ledger.up.sql). The table rejects UPDATE and DELETE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT sequence_number, event_hash FROM ledger_events ORDER BY sequence_number DESC LIMIT 1",
	).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read ledger tail: %w", err)
	}
	return seq, hash, nil
}

// Insert implements Store. Optimistic: the sequence_number primary key makes
// the second of two racing writers fail, and that failure is reported as
// ErrConcurrentModification. No lock is held across the caller's tail read.
func (s *PostgresStore) Insert(ctx context.Context, env *Envelope) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_events (`+pgColumns+`)
		 SELECT $1::bigint, $2::uuid, $3::text, $4::text, $5::timestamptz,
		        $6::json, $7::uuid, $8::text, $9::text
		 WHERE COALESCE((SELECT MAX(sequence_number) FROM ledger_events), 0) = $1::bigint - 1`,
		env.SequenceNumber, env.EventID, env.EventType, env.Actor, env.Timestamp,
		string(env.Payload), env.CorrelationID, env.PrevHash, env.EventHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConcurrentModification
		}
		return fmt.Errorf("insert ledger event %d: %w", env.SequenceNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}

	s.logger.Debug("ledger event appended",
		zap.Int64("seq", env.SequenceNumber),
		zap.String("event_type", env.EventType),
	)
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq int64) (*Envelope, error) {
	return s.queryOne(ctx, "SELECT "+pgColumns+" FROM ledger_events WHERE sequence_number = $1", seq)
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, eventID uuid.UUID) (*Envelope, error) {
	return s.queryOne(ctx, "SELECT "+pgColumns+" FROM ledger_events WHERE event_id = $1", eventID)
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, start, end int64) ([]*Envelope, error) {
	return s.queryMany(ctx,
		"SELECT "+pgColumns+" FROM ledger_events WHERE sequence_number BETWEEN $1 AND $2 ORDER BY sequence_number",
		start, end,
	)
}

// ByCorrelation implements Store.
func (s *PostgresStore) ByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*Envelope, error) {
	return s.queryMany(ctx,
		"SELECT "+pgColumns+" FROM ledger_events WHERE correlation_id = $1 ORDER BY sequence_number",
		correlationID,
	)
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, arg any) (*Envelope, error) {
	env, err := scanEnvelope(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger event: %w", err)
	}
	return env, nil
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*Envelope, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := make([]*Envelope, 0)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanEnvelope(row pgx.Row) (*Envelope, error) {
	var env Envelope
	var payload string
	if err := row.Scan(
		&env.SequenceNumber, &env.EventID, &env.EventType, &env.Actor, &env.Timestamp,
		&payload, &env.CorrelationID, &env.PrevHash, &env.EventHash,
	); err != nil {
		return nil, err
	}
	env.Timestamp = env.Timestamp.UTC()
	env.Payload = []byte(payload)
	return &env, nil
}
