package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"go.uber.org/zap"
)

// Actor is the actor recorded on root_published envelopes.
const Actor = "epoch-manager"

// errAlreadyPublished aborts a seal whose root was published concurrently.
var errAlreadyPublished = errors.New("epoch: root already published")

// Config holds epoch boundary configuration.
type Config struct {
	// BatchSize seals an epoch once this many events are pending.
	BatchSize int64
	// MaxAge seals an epoch once the oldest pending event is this old.
	MaxAge time.Duration
	// CheckInterval is how often Run evaluates the boundary.
	CheckInterval time.Duration
}

// Manager seals epochs over a ledger and answers proof requests.
type Manager struct {
	ledger *ledger.Ledger
	store  Store
	halt   halt.Checker
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// sealMu serialises sealing within the process.
	sealMu sync.Mutex

	mu     sync.RWMutex
	onSeal []func(*Epoch)
}

// NewManager creates a Manager. checker may be nil.
func NewManager(l *ledger.Ledger, store Store, checker halt.Checker, cfg Config, logger *zap.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Manager{
		ledger: l,
		store:  store,
		halt:   checker,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// OnSeal registers fn to be called synchronously after each sealed epoch.
func (m *Manager) OnSeal(fn func(*Epoch)) {
	m.mu.Lock()
	m.onSeal = append(m.onSeal, fn)
	m.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Store returns the epoch store.
func (m *Manager) Store() Store { return m.store }

// BuildEpoch builds the Merkle tree over the given event hashes and returns
// its root. It performs no I/O.
func (m *Manager) BuildEpoch(epochID int64, eventHashes []string) (string, error) {
	tree, err := merkle.Build(m.ledger.Algorithm(), eventHashes)
	if err != nil {
		return "", fmt.Errorf("build epoch %d: %w", epochID, err)
	}
	return tree.Root(), nil
}

// SealPending closes an epoch over every event after the latest epoch, up
// to the current tail, and witnesses it with a root_published envelope. The
// envelope itself falls into the next epoch. It returns nil when nothing is
// pending.
func (m *Manager) SealPending(ctx context.Context) (*Epoch, error) {
	if err := halt.Check(m.halt); err != nil {
		return nil, err
	}
	m.sealMu.Lock()
	defer m.sealMu.Unlock()

	prev, err := m.reconcile(ctx)
	if err != nil {
		return nil, err
	}
	start, id := int64(1), int64(1)
	if prev != nil {
		start, id = prev.EndSequence+1, prev.EpochID+1
	}
	tail, _, err := m.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	if tail < start {
		return nil, nil
	}

	events, err := m.ledger.ReadRange(ctx, start, tail)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(events))
	for i, e := range events {
		if e.SequenceNumber != start+int64(i) {
			return nil, fmt.Errorf("seal epoch %d: sequence %d missing from ledger", id, start+int64(i))
		}
		hashes[i] = e.EventHash
	}
	root, err := m.BuildEpoch(id, hashes)
	if err != nil {
		return nil, err
	}

	ep := &Epoch{
		EpochID:       id,
		RootHash:      root,
		Algorithm:     m.ledger.Algorithm().Name(),
		StartSequence: start,
		EndSequence:   tail,
		EventCount:    tail - start + 1,
	}
	env, err := m.ledger.AppendIf(ctx, ledger.Record{
		EventType: EventRootPublished,
		Actor:     Actor,
		Payload: RootPublished{
			EpochID:       ep.EpochID,
			RootHash:      ep.RootHash,
			StartSequence: ep.StartSequence,
			EndSequence:   ep.EndSequence,
			EventCount:    ep.EventCount,
			Algorithm:     ep.Algorithm,
		},
	}, m.notPublishedSince(tail, id))
	if err != nil {
		return nil, fmt.Errorf("publish root of epoch %d: %w", id, err)
	}
	ep.RootEventID = env.EventID
	ep.CreatedAt = env.Timestamp

	if err := m.store.Save(ctx, ep); err != nil {
		return nil, fmt.Errorf("save epoch %d: %w", id, err)
	}

	m.logger.Info("epoch sealed",
		zap.Int64("epoch_id", ep.EpochID),
		zap.Int64("start", ep.StartSequence),
		zap.Int64("end", ep.EndSequence),
		zap.String("root", ep.RootHash),
	)
	m.mu.RLock()
	observers := append([]func(*Epoch){}, m.onSeal...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(ep)
	}
	return ep, nil
}

// notPublishedSince guards the root_published append against a concurrent
// sealer that already witnessed epoch id after sequence after.
func (m *Manager) notPublishedSince(after, id int64) ledger.Guard {
	return func(ctx context.Context, tail int64) error {
		if tail <= after {
			return nil
		}
		events, err := m.ledger.ReadRange(ctx, after+1, tail)
		if err != nil {
			return err
		}
		for _, e := range events {
			if e.EventType != EventRootPublished {
				continue
			}
			var p RootPublished
			if err := e.DecodePayload(&p); err == nil && p.EpochID == id {
				return errAlreadyPublished
			}
		}
		return nil
	}
}

// reconcile returns the latest stored epoch, first saving any epoch whose
// root_published envelope made it into the ledger but whose record did not
// reach the store.
func (m *Manager) reconcile(ctx context.Context) (*Epoch, error) {
	prev, err := m.store.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		prev = nil
	} else if err != nil {
		return nil, err
	}

	after := int64(0)
	if prev != nil {
		after = prev.EndSequence
	}
	var found *Epoch
	_, err = m.ledger.Walk(ctx, after, func(e *ledger.Envelope) error {
		if e.EventType != EventRootPublished {
			return nil
		}
		var p RootPublished
		if err := e.DecodePayload(&p); err != nil {
			return nil
		}
		if (prev == nil && p.EpochID == 1) || (prev != nil && p.EpochID == prev.EpochID+1) {
			found = &Epoch{
				EpochID:       p.EpochID,
				RootHash:      p.RootHash,
				Algorithm:     p.Algorithm,
				StartSequence: p.StartSequence,
				EndSequence:   p.EndSequence,
				EventCount:    p.EventCount,
				CreatedAt:     e.Timestamp,
				RootEventID:   e.EventID,
			}
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if found == nil {
		return prev, nil
	}
	if err := m.store.Save(ctx, found); err != nil {
		return nil, fmt.Errorf("reconcile epoch %d: %w", found.EpochID, err)
	}
	m.logger.Warn("epoch record restored from ledger", zap.Int64("epoch_id", found.EpochID))
	return m.reconcile(ctx)
}

var errStopWalk = errors.New("stop")

// MaybeSeal seals when the pending batch is full or the oldest pending
// event is older than MaxAge. A lone root_published envelope of the
// previous epoch does not count as pending.
func (m *Manager) MaybeSeal(ctx context.Context) (*Epoch, error) {
	if err := halt.Check(m.halt); err != nil {
		return nil, err
	}
	prev, err := m.store.Latest(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	first := int64(1)
	if prev != nil {
		first = prev.EndSequence + 1
	}
	tail, _, err := m.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	if tail < first {
		return nil, nil
	}

	oldest, err := m.ledger.Get(ctx, first)
	if err != nil {
		return nil, err
	}
	if prev != nil && oldest.EventID == prev.RootEventID {
		if tail == first {
			return nil, nil
		}
		if oldest, err = m.ledger.Get(ctx, first+1); err != nil {
			return nil, err
		}
	}

	pending := tail - oldest.SequenceNumber + 1
	if pending < m.cfg.BatchSize && m.now().Sub(oldest.Timestamp) < m.cfg.MaxAge {
		return nil, nil
	}
	return m.SealPending(ctx)
}

// Run evaluates the epoch boundary every CheckInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.MaybeSeal(ctx); err != nil {
				if errors.Is(err, halt.ErrHalted) {
					m.logger.Debug("epoch: sealing suspended while halted")
					continue
				}
				m.logger.Error("epoch: seal", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// GenerateProof returns the inclusion proof of an event in its epoch.
func (m *Manager) GenerateProof(ctx context.Context, eventID uuid.UUID) (merkle.Proof, error) {
	env, err := m.ledger.GetByID(ctx, eventID)
	if err != nil {
		return merkle.Proof{}, err
	}
	ep, err := m.store.ForSequence(ctx, env.SequenceNumber)
	if errors.Is(err, ErrNotFound) {
		return merkle.Proof{}, fmt.Errorf("%w: seq %d", ErrNotSealed, env.SequenceNumber)
	}
	if err != nil {
		return merkle.Proof{}, err
	}

	events, err := m.ledger.ReadRange(ctx, ep.StartSequence, ep.EndSequence)
	if err != nil {
		return merkle.Proof{}, err
	}
	hashes := make([]string, len(events))
	for i, e := range events {
		hashes[i] = e.EventHash
	}
	tree, err := merkle.Build(m.ledger.Algorithm(), hashes)
	if err != nil {
		return merkle.Proof{}, err
	}
	if tree.Root() != ep.RootHash {
		return merkle.Proof{}, fmt.Errorf("%w: epoch %d", ErrRootMismatch, ep.EpochID)
	}

	proof, err := tree.Proof(int(env.SequenceNumber - ep.StartSequence))
	if err != nil {
		return merkle.Proof{}, err
	}
	proof.EventID = env.EventID
	proof.Epoch = ep.EpochID
	return proof, nil
}
