// Package epoch seals contiguous ranges of the ledger under published
// Merkle roots and serves inclusion proofs for sealed events.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRootPublished is the ledger event type that witnesses a sealed epoch.
const EventRootPublished = "ledger.epoch.root_published"

var (
	// ErrNotFound is returned when no epoch matches a lookup.
	ErrNotFound = errors.New("epoch: not found")

	// ErrEpochDiscontinuity is returned by Store.Save for an epoch that does
	// not directly follow the latest stored epoch.
	ErrEpochDiscontinuity = errors.New("epoch: discontinuity")

	// ErrNotSealed is returned for a proof request on an event that is not
	// yet covered by a sealed epoch.
	ErrNotSealed = errors.New("epoch: event not yet sealed")

	// ErrRootMismatch is returned when a rebuilt tree disagrees with the
	// stored root.
	ErrRootMismatch = errors.New("epoch: recomputed root does not match stored root")
)

// Epoch is a sealed, contiguous range of sequence numbers.
type Epoch struct {
	EpochID       int64     `json:"epoch_id"`
	RootHash      string    `json:"root_hash"`
	Algorithm     string    `json:"algorithm"`
	StartSequence int64     `json:"start_sequence"`
	EndSequence   int64     `json:"end_sequence"`
	EventCount    int64     `json:"event_count"`
	CreatedAt     time.Time `json:"created_at"`
	RootEventID   uuid.UUID `json:"root_event_id"`
}

// Contains reports whether seq falls inside the epoch.
func (e *Epoch) Contains(seq int64) bool {
	return seq >= e.StartSequence && seq <= e.EndSequence
}

// RootPublished is the payload of a root_published envelope.
type RootPublished struct {
	EpochID       int64  `json:"epoch_id"`
	RootHash      string `json:"root_hash"`
	StartSequence int64  `json:"start_sequence"`
	EndSequence   int64  `json:"end_sequence"`
	EventCount    int64  `json:"event_count"`
	Algorithm     string `json:"algorithm"`
}

// Store persists epochs. Epochs are never updated once saved.
type Store interface {
	// Save stores e if it directly follows the latest epoch, and returns
	// ErrEpochDiscontinuity otherwise.
	Save(ctx context.Context, e *Epoch) error
	// Latest returns the most recent epoch or ErrNotFound.
	Latest(ctx context.Context) (*Epoch, error)
	Get(ctx context.Context, id int64) (*Epoch, error)
	List(ctx context.Context) ([]*Epoch, error)
	// ForSequence returns the epoch containing seq or ErrNotFound.
	ForSequence(ctx context.Context, seq int64) (*Epoch, error)
}

// CheckContinuity reports whether next may follow prev. prev is nil for the
// first epoch.
func CheckContinuity(prev, next *Epoch) error {
	wantID, wantStart := int64(1), int64(1)
	if prev != nil {
		wantID, wantStart = prev.EpochID+1, prev.EndSequence+1
	}
	switch {
	case next.EpochID != wantID:
		return fmt.Errorf("%w: epoch id %d, want %d", ErrEpochDiscontinuity, next.EpochID, wantID)
	case next.StartSequence != wantStart:
		return fmt.Errorf("%w: epoch %d starts at %d, want %d",
			ErrEpochDiscontinuity, next.EpochID, next.StartSequence, wantStart)
	case next.EndSequence < next.StartSequence:
		return fmt.Errorf("%w: epoch %d ends before it starts", ErrEpochDiscontinuity, next.EpochID)
	case next.EventCount != next.EndSequence-next.StartSequence+1:
		return fmt.Errorf("%w: epoch %d event count %d does not match its range",
			ErrEpochDiscontinuity, next.EpochID, next.EventCount)
	}
	return nil
}
