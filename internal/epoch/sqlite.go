package epoch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteEpochSchema = `
CREATE TABLE IF NOT EXISTS ledger_epochs (
	epoch_id       INTEGER PRIMARY KEY,
	root_hash      TEXT NOT NULL,
	algorithm      TEXT NOT NULL,
	start_sequence INTEGER NOT NULL,
	end_sequence   INTEGER NOT NULL,
	event_count    INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	root_event_id  TEXT NOT NULL
);
CREATE TRIGGER IF NOT EXISTS ledger_epochs_no_update BEFORE UPDATE ON ledger_epochs
BEGIN SELECT RAISE(ABORT, 'ledger_epochs is append-only'); END;
`

// SQLiteStore persists epochs in SQLite alongside ledger.SQLiteStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed and returns a store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteEpochSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite epochs: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e *Epoch) error {
	prev, err := s.Latest(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := CheckContinuity(prev, e); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_epochs (`+epochColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE COALESCE((SELECT MAX(epoch_id) FROM ledger_epochs), 0) = ?`,
		e.EpochID, e.RootHash, e.Algorithm, e.StartSequence, e.EndSequence, e.EventCount,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.RootEventID.String(), e.EpochID-1,
	)
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", e.EpochID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: epoch %d lost a race", ErrEpochDiscontinuity, e.EpochID)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (*Epoch, error) {
	return s.queryOne(ctx, "SELECT "+epochColumns+" FROM ledger_epochs ORDER BY epoch_id DESC LIMIT 1")
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Epoch, error) {
	return s.queryOne(ctx, "SELECT "+epochColumns+" FROM ledger_epochs WHERE epoch_id = ?", id)
}

func (s *SQLiteStore) ForSequence(ctx context.Context, seq int64) (*Epoch, error) {
	return s.queryOne(ctx,
		"SELECT "+epochColumns+" FROM ledger_epochs WHERE start_sequence <= ? AND end_sequence >= ?",
		seq, seq,
	)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Epoch, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+epochColumns+" FROM ledger_epochs ORDER BY epoch_id")
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Epoch, 0)
	for rows.Next() {
		e, err := scanSQLiteEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Epoch, error) {
	e, err := scanSQLiteEpoch(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get epoch: %w", err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEpoch(row scanner) (*Epoch, error) {
	var (
		e                 Epoch
		createdAt, rootID string
	)
	if err := row.Scan(
		&e.EpochID, &e.RootHash, &e.Algorithm, &e.StartSequence, &e.EndSequence,
		&e.EventCount, &createdAt, &rootID,
	); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if e.RootEventID, err = uuid.Parse(rootID); err != nil {
		return nil, fmt.Errorf("root_event_id: %w", err)
	}
	return &e, nil
}
