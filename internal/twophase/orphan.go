package twophase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"go.uber.org/zap"
)

// OrphanConfig holds orphan scan configuration.
type OrphanConfig struct {
	// Timeout is how long an intent may stay unresolved.
	Timeout time.Duration
	// Interval is how often Run scans.
	Interval time.Duration
}

// OrphanScanner resolves intents that outlive the orphan timeout with an
// automatic ORPHAN_TIMEOUT failure.
type OrphanScanner struct {
	ledger  *ledger.Ledger
	emitter *Emitter
	halt    halt.Checker
	cfg     OrphanConfig
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	cursor    int64
	open      map[uuid.UUID]*ledger.Envelope
	onMetrics func()
}

// NewOrphanScanner creates an OrphanScanner.
func NewOrphanScanner(l *ledger.Ledger, emitter *Emitter, checker halt.Checker, cfg OrphanConfig, logger *zap.Logger) *OrphanScanner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &OrphanScanner{
		ledger:  l,
		emitter: emitter,
		halt:    checker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		open:    make(map[uuid.UUID]*ledger.Envelope),
	}
}

// SetMetricsRecord configures a callback invoked once per resolved orphan.
func (s *OrphanScanner) SetMetricsRecord(fn func()) {
	s.mu.Lock()
	s.onMetrics = fn
	s.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (s *OrphanScanner) SetClock(now func() time.Time) { s.now = now }

// Scan reads envelopes appended since the last scan, then fails every open
// intent older than the timeout. It returns the number of intents resolved
// by this pass. An intent resolved concurrently by someone else is dropped
// without error.
func (s *OrphanScanner) Scan(ctx context.Context) (int, error) {
	if err := halt.Check(s.halt); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.ledger.Walk(ctx, s.cursor, func(e *ledger.Envelope) error {
		switch {
		case e.EventType == EventIntentEmitted:
			s.open[e.CorrelationID] = e
		case IsOutcome(e.EventType):
			delete(s.open, e.CorrelationID)
		}
		return nil
	})
	s.cursor = last
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.Timeout)
	expired := make([]*ledger.Envelope, 0)
	for _, intent := range s.open {
		if !intent.Timestamp.After(cutoff) {
			expired = append(expired, intent)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].SequenceNumber < expired[j].SequenceNumber })

	resolved := 0
	for _, intent := range expired {
		age := s.now().Sub(intent.Timestamp)
		_, err := s.emitter.emitFailure(ctx, intent.CorrelationID, FailurePayload{
			Reason:       ReasonOrphanTimeout,
			AutoResolved: true,
			ResolvedBy:   "orphan-scanner",
		}, map[string]any{"age_seconds": int64(age.Seconds())}, "")
		switch {
		case err == nil:
			resolved++
			delete(s.open, intent.CorrelationID)
			s.logger.Warn("twophase: orphan intent auto-resolved",
				zap.String("correlation_id", intent.CorrelationID.String()),
				zap.Int64("intent_seq", intent.SequenceNumber),
				zap.Duration("age", age),
			)
			if s.onMetrics != nil {
				s.onMetrics()
			}
		case errors.Is(err, ErrAlreadyResolved):
			delete(s.open, intent.CorrelationID)
		case errors.Is(err, halt.ErrHalted):
			return resolved, err
		default:
			s.logger.Error("twophase: resolve orphan",
				zap.String("correlation_id", intent.CorrelationID.String()),
				zap.Error(err),
			)
		}
	}
	return resolved, nil
}

// Open returns the number of intents currently known to be unresolved.
func (s *OrphanScanner) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Run scans every Interval until ctx is done.
func (s *OrphanScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil && !errors.Is(err, halt.ErrHalted) {
				s.logger.Error("twophase: orphan scan", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
