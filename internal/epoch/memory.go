package epoch

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	epochs []*Epoch
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, e *Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *Epoch
	if n := len(s.epochs); n > 0 {
		prev = s.epochs[n-1]
	}
	if err := CheckContinuity(prev, e); err != nil {
		return err
	}
	c := *e
	s.epochs = append(s.epochs, &c)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 {
		return nil, ErrNotFound
	}
	c := *s.epochs[len(s.epochs)-1]
	return &c, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.epochs)) {
		return nil, ErrNotFound
	}
	c := *s.epochs[id-1]
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Epoch, len(s.epochs))
	for i, e := range s.epochs {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) ForSequence(_ context.Context, seq int64) (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.epochs), func(i int) bool { return s.epochs[i].EndSequence >= seq })
	if i == len(s.epochs) || !s.epochs[i].Contains(seq) {
		return nil, ErrNotFound
	}
	c := *s.epochs[i]
	return &c, nil
}
