package epoch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const epochColumns = `epoch_id, root_hash, algorithm, start_sequence, end_sequence,
	event_count, created_at, root_event_id`

// PostgresStore persists epochs to the ledger_epochs table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Save(ctx context.Context, e *Epoch) error {
	prev, err := s.Latest(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := CheckContinuity(prev, e); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_epochs (`+epochColumns+`)
		 SELECT $1::bigint, $2::text, $3::text, $4::bigint, $5::bigint, $6::bigint, $7::timestamptz, $8::uuid
		 WHERE COALESCE((SELECT MAX(epoch_id) FROM ledger_epochs), 0) = $1::bigint - 1`,
		e.EpochID, e.RootHash, e.Algorithm, e.StartSequence, e.EndSequence,
		e.EventCount, e.CreatedAt, e.RootEventID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: epoch %d already exists", ErrEpochDiscontinuity, e.EpochID)
		}
		return fmt.Errorf("insert epoch %d: %w", e.EpochID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: epoch %d lost a race", ErrEpochDiscontinuity, e.EpochID)
	}

	s.logger.Info("epoch saved",
		zap.Int64("epoch_id", e.EpochID),
		zap.Int64("start", e.StartSequence),
		zap.Int64("end", e.EndSequence),
	)
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context) (*Epoch, error) {
	return s.queryOne(ctx, "SELECT "+epochColumns+" FROM ledger_epochs ORDER BY epoch_id DESC LIMIT 1")
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Epoch, error) {
	return s.queryOne(ctx, "SELECT "+epochColumns+" FROM ledger_epochs WHERE epoch_id = $1", id)
}

func (s *PostgresStore) ForSequence(ctx context.Context, seq int64) (*Epoch, error) {
	return s.queryOne(ctx,
		"SELECT "+epochColumns+" FROM ledger_epochs WHERE start_sequence <= $1 AND end_sequence >= $1",
		seq,
	)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Epoch, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+epochColumns+" FROM ledger_epochs ORDER BY epoch_id")
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	out := make([]*Epoch, 0)
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Epoch, error) {
	e, err := scanEpoch(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get epoch: %w", err)
	}
	return e, nil
}

func scanEpoch(row pgx.Row) (*Epoch, error) {
	var e Epoch
	if err := row.Scan(
		&e.EpochID, &e.RootHash, &e.Algorithm, &e.StartSequence, &e.EndSequence,
		&e.EventCount, &e.CreatedAt, &e.RootEventID,
	); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
