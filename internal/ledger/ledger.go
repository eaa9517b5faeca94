// Package ledger implements the append-only, hash-chained event log.
//
// Every envelope commits to its payload and to the hash of its predecessor;
// sequence 1 chains from the all-zero genesis digest of the configured
// algorithm. Appends use optimistic check-then-write against the current
// tail, so readers never wait on writers.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for tests and single-process tooling.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: durable single-node deployments and offline replicas.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrConcurrentModification is returned when an optimistic append lost
	// a race for the tail. Callers may retry.
	ErrConcurrentModification = errors.New("ledger: concurrent modification")

	// ErrNotFound is returned when an envelope does not exist.
	ErrNotFound = errors.New("ledger: envelope not found")
)

// Store is the storage backend for envelopes. Implementations never update
// or delete a stored envelope.
type Store interface {
	// Tail returns the last sequence number and its event hash, or (0, "")
	// when the store is empty.
	Tail(ctx context.Context) (seq int64, hash string, err error)

	// Insert stores env if env.SequenceNumber is exactly tail+1 and returns
	// ErrConcurrentModification otherwise.
	Insert(ctx context.Context, env *Envelope) error

	// Get returns the envelope at seq.
	Get(ctx context.Context, seq int64) (*Envelope, error)

	// GetByID returns the envelope with the given event id.
	GetByID(ctx context.Context, eventID uuid.UUID) (*Envelope, error)

	// Range returns envelopes with start <= sequence <= end in sequence order.
	Range(ctx context.Context, start, end int64) ([]*Envelope, error)

	// ByCorrelation returns all envelopes sharing correlationID in sequence order.
	ByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*Envelope, error)

	// Len returns the number of stored envelopes.
	Len(ctx context.Context) (int64, error)
}
