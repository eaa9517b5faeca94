package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	sequence_number INTEGER PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	event_type      TEXT NOT NULL,
	actor           TEXT NOT NULL,
	occurred_at     TEXT NOT NULL,
	payload         TEXT NOT NULL,
	correlation_id  TEXT NOT NULL,
	prev_hash       TEXT NOT NULL,
	event_hash      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_events_correlation ON ledger_events (correlation_id);
CREATE TRIGGER IF NOT EXISTS ledger_events_no_update BEFORE UPDATE ON ledger_events
BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS ledger_events_no_delete BEFORE DELETE ON ledger_events
BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;
`

const sqliteColumns = `sequence_number, event_id, event_type, actor, occurred_at,
	payload, correlation_id, prev_hash, event_hash`

// SQLiteStore persists envelopes in SQLite through database/sql. It is meant
// for single-node deployments and for offline replicas of an exported ledger.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed and returns a store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	return s, nil
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence_number, event_hash FROM ledger_events ORDER BY sequence_number DESC LIMIT 1",
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read ledger tail: %w", err)
	}
	return seq, hash, nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, env *Envelope) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (`+sqliteColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE COALESCE((SELECT MAX(sequence_number) FROM ledger_events), 0) = ?`,
		env.SequenceNumber, env.EventID.String(), env.EventType, env.Actor,
		env.Timestamp.UTC().Format(time.RFC3339Nano), string(env.Payload),
		env.CorrelationID.String(), env.PrevHash, env.EventHash,
		env.SequenceNumber-1,
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("insert ledger event %d: %w", env.SequenceNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ledger event %d: rows affected: %w", env.SequenceNumber, err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, seq int64) (*Envelope, error) {
	return s.queryOne(ctx, "SELECT "+sqliteColumns+" FROM ledger_events WHERE sequence_number = ?", seq)
}

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, eventID uuid.UUID) (*Envelope, error) {
	return s.queryOne(ctx, "SELECT "+sqliteColumns+" FROM ledger_events WHERE event_id = ?", eventID.String())
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, start, end int64) ([]*Envelope, error) {
	return s.queryMany(ctx,
		"SELECT "+sqliteColumns+" FROM ledger_events WHERE sequence_number BETWEEN ? AND ? ORDER BY sequence_number",
		start, end,
	)
}

// ByCorrelation implements Store.
func (s *SQLiteStore) ByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*Envelope, error) {
	return s.queryMany(ctx,
		"SELECT "+sqliteColumns+" FROM ledger_events WHERE correlation_id = ? ORDER BY sequence_number",
		correlationID.String(),
	)
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger events: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*Envelope, error) {
	env, err := scanSQLiteEnvelope(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger event: %w", err)
	}
	return env, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Envelope, 0)
	for rows.Next() {
		env, err := scanSQLiteEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEnvelope(row rowScanner) (*Envelope, error) {
	var (
		env                  Envelope
		eventID, correlation string
		occurredAt, payload  string
	)
	if err := row.Scan(
		&env.SequenceNumber, &eventID, &env.EventType, &env.Actor, &occurredAt,
		&payload, &correlation, &env.PrevHash, &env.EventHash,
	); err != nil {
		return nil, err
	}
	var err error
	if env.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("event_id: %w", err)
	}
	if env.CorrelationID, err = uuid.Parse(correlation); err != nil {
		return nil, fmt.Errorf("correlation_id: %w", err)
	}
	if env.Timestamp, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
		return nil, fmt.Errorf("occurred_at: %w", err)
	}
	env.Payload = []byte(payload)
	return &env, nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
