package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// tests and for single-process deployments that do not need durability.
type MemoryStore struct {
	mu            sync.RWMutex
	envelopes     []*Envelope
	byID          map[uuid.UUID]int64
	byCorrelation map[uuid.UUID][]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:          make(map[uuid.UUID]int64),
		byCorrelation: make(map[uuid.UUID][]int64),
	}
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.envelopes) == 0 {
		return 0, "", nil
	}
	last := s.envelopes[len(s.envelopes)-1]
	return last.SequenceNumber, last.EventHash, nil
}

// Insert implements Store. The check against the tail and the write happen
// under one short critical section.
func (s *MemoryStore) Insert(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.envelopes))
	if env.SequenceNumber != n+1 {
		return ErrConcurrentModification
	}
	if n > 0 && env.PrevHash != s.envelopes[n-1].EventHash {
		return ErrConcurrentModification
	}
	if _, dup := s.byID[env.EventID]; dup {
		return ErrConcurrentModification
	}

	stored := env.Clone()
	s.envelopes = append(s.envelopes, stored)
	s.byID[stored.EventID] = stored.SequenceNumber
	s.byCorrelation[stored.CorrelationID] = append(s.byCorrelation[stored.CorrelationID], stored.SequenceNumber)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq int64) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 1 || seq > int64(len(s.envelopes)) {
		return nil, ErrNotFound
	}
	return s.envelopes[seq-1].Clone(), nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, eventID uuid.UUID) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.envelopes[seq-1].Clone(), nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, start, end int64) ([]*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if start < 1 {
		start = 1
	}
	if n := int64(len(s.envelopes)); end > n {
		end = n
	}
	if start > end {
		return []*Envelope{}, nil
	}
	out := make([]*Envelope, 0, end-start+1)
	for _, e := range s.envelopes[start-1 : end] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// ByCorrelation implements Store.
func (s *MemoryStore) ByCorrelation(_ context.Context, correlationID uuid.UUID) ([]*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := s.byCorrelation[correlationID]
	out := make([]*Envelope, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, s.envelopes[seq-1].Clone())
	}
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.envelopes)), nil
}
