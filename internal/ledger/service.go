package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/hashing"
	"go.uber.org/zap"
)

// EventHaltRecorded is the event type written by the halt circuit's
// tertiary channel.
const EventHaltRecorded = "halt.recorded"

// MaxAppendRetries bounds how often Append retries after losing a race for
// the tail before returning ErrConcurrentModification to the caller.
const MaxAppendRetries = 8

const pageSize = 500

// ErrInvalidRange is returned for a read range with start < 1 or end < start.
var ErrInvalidRange = errors.New("ledger: invalid range")

// Record is the caller-supplied part of an envelope.
type Record struct {
	EventType string
	Actor     string
	// Payload is marshalled to canonical JSON. json.RawMessage and []byte are
	// taken as already-encoded JSON. nil or empty becomes an empty object.
	Payload any
	// CorrelationID links related envelopes. When zero the envelope's own
	// event id is used.
	CorrelationID uuid.UUID
}

// Guard is consulted after every tail read inside AppendIf. Returning an
// error aborts the append with that error. tail is the sequence number the
// new envelope will follow.
type Guard func(ctx context.Context, tail int64) error

// Ledger is the append path and read API over a Store. Every state-changing
// call checks the halt circuit first.
type Ledger struct {
	store  Store
	alg    hashing.Algorithm
	halt   halt.Checker
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	onAppend func(eventType string)
}

// New creates a Ledger. checker may be nil when no halt circuit is in use.
func New(store Store, alg hashing.Algorithm, checker halt.Checker, logger *zap.Logger) *Ledger {
	if alg == nil {
		alg = hashing.MustLookup(hashing.Default)
	}
	return &Ledger{
		store:  store,
		alg:    alg,
		halt:   checker,
		logger: logger,
		now:    time.Now,
	}
}

// SetMetricsRecorder registers a callback invoked after every append.
func (l *Ledger) SetMetricsRecorder(fn func(eventType string)) {
	l.mu.Lock()
	l.onAppend = fn
	l.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Algorithm returns the hash algorithm the chain is built with.
func (l *Ledger) Algorithm() hashing.Algorithm { return l.alg }

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Append writes a new envelope at the tail of the chain.
func (l *Ledger) Append(ctx context.Context, rec Record) (*Envelope, error) {
	return l.AppendIf(ctx, rec, nil)
}

// AppendIf is Append with a guard that is re-evaluated against every tail
// the optimistic loop observes. Because the insert only succeeds if the tail
// has not moved since the guard ran, a guard that inspects ledger state
// makes the append idempotent under concurrent callers.
func (l *Ledger) AppendIf(ctx context.Context, rec Record, guard Guard) (*Envelope, error) {
	if err := halt.Check(l.halt); err != nil {
		return nil, err
	}
	return l.appendLoop(ctx, rec, guard)
}

// RecordHalt implements halt.Recorder. It is the one append path that runs
// while halted, and it only ever writes halt.recorded envelopes.
func (l *Ledger) RecordHalt(ctx context.Context, s halt.Status) error {
	actor := s.OperatorID
	if actor == "" {
		actor = "halt-circuit"
	}
	_, err := l.appendLoop(ctx, Record{
		EventType: EventHaltRecorded,
		Actor:     actor,
		Payload:   s,
	}, nil)
	return err
}

func (l *Ledger) appendLoop(ctx context.Context, rec Record, guard Guard) (*Envelope, error) {
	if rec.EventType == "" {
		return nil, errors.New("ledger: event type is required")
	}
	if rec.Actor == "" {
		return nil, errors.New("ledger: actor is required")
	}
	payload, err := canonicalPayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalise payload: %w", err)
	}

	for attempt := 1; attempt <= MaxAppendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq, prev, err := l.Head(ctx)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			if err := guard(ctx, seq); err != nil {
				return nil, err
			}
		}

		env := &Envelope{
			EventID:        uuid.New(),
			EventType:      rec.EventType,
			Actor:          rec.Actor,
			Timestamp:      l.now().UTC().Truncate(time.Microsecond),
			SequenceNumber: seq + 1,
			Payload:        payload,
			CorrelationID:  rec.CorrelationID,
			PrevHash:       prev,
		}
		if env.CorrelationID == uuid.Nil {
			env.CorrelationID = env.EventID
		}
		if env.EventHash, err = ComputeHash(l.alg, env); err != nil {
			return nil, err
		}

		err = l.store.Insert(ctx, env)
		if errors.Is(err, ErrConcurrentModification) {
			l.logger.Debug("ledger append lost race, retrying",
				zap.Int64("seq", env.SequenceNumber),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		l.mu.RLock()
		fn := l.onAppend
		l.mu.RUnlock()
		if fn != nil {
			fn(env.EventType)
		}
		return env, nil
	}
	l.logger.Warn("ledger append retries exhausted", zap.String("event_type", rec.EventType))
	return nil, ErrConcurrentModification
}

// Head returns the tail sequence number and hash. An empty ledger reports
// sequence 0 and the genesis hash.
func (l *Ledger) Head(ctx context.Context) (int64, string, error) {
	seq, hash, err := l.store.Tail(ctx)
	if err != nil {
		return 0, "", err
	}
	if seq == 0 {
		hash = hashing.GenesisHash(l.alg)
	}
	return seq, hash, nil
}

// ReadRange returns envelopes with start <= sequence <= end.
func (l *Ledger) ReadRange(ctx context.Context, start, end int64) ([]*Envelope, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}
	return l.store.Range(ctx, start, end)
}

// Get returns the envelope at seq.
func (l *Ledger) Get(ctx context.Context, seq int64) (*Envelope, error) {
	return l.store.Get(ctx, seq)
}

// GetByID returns the envelope with the given event id.
func (l *Ledger) GetByID(ctx context.Context, eventID uuid.UUID) (*Envelope, error) {
	return l.store.GetByID(ctx, eventID)
}

// ByCorrelation returns every envelope sharing correlationID.
func (l *Ledger) ByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*Envelope, error) {
	return l.store.ByCorrelation(ctx, correlationID)
}

// Len returns the number of envelopes.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	return l.store.Len(ctx)
}

// Walk calls fn for every envelope with sequence > after, in order, reading
// the store page by page. It returns the last sequence number visited.
func (l *Ledger) Walk(ctx context.Context, after int64, fn func(*Envelope) error) (int64, error) {
	tail, _, err := l.store.Tail(ctx)
	if err != nil {
		return after, err
	}
	last := after
	for start := after + 1; start <= tail; start += pageSize {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		page, err := l.store.Range(ctx, start, min(start+pageSize-1, tail))
		if err != nil {
			return last, err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return last, err
			}
			last = e.SequenceNumber
		}
	}
	return last, nil
}

// Verify checks the stored chain end to end and reports every issue found.
func (l *Ledger) Verify(ctx context.Context) ([]Issue, error) {
	tail, _, err := l.store.Tail(ctx)
	if err != nil {
		return nil, err
	}
	v := NewChainVerifier(l.alg)
	var gaps []Issue
	next := int64(1)
	_, err = l.Walk(ctx, 0, func(e *Envelope) error {
		gaps = append(gaps, CheckSequence([]*Envelope{e}, next)...)
		if e.SequenceNumber >= next {
			next = e.SequenceNumber + 1
		}
		v.Add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if next <= tail {
		gaps = append(gaps, CheckSequence([]*Envelope{{SequenceNumber: tail + 1}}, next)...)
	}
	return append(v.Issues(), gaps...), nil
}
