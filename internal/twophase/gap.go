package twophase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"go.uber.org/zap"
)

const gapDetectorActor = "gap-detector"

var errAlreadyReported = errors.New("twophase: violation already reported")

// GapConfig holds gap detection configuration. Timeout is independent of
// the orphan timeout and normally longer, so that the detector only fires
// for intents the orphan scan failed to resolve.
type GapConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// GapDetector walks the ledger for two-phase records that cannot be
// explained by an ordinary timeout: outcomes without an intent, duplicate
// outcomes, and intents left unresolved past the gap timeout. Each finding
// is witnessed once as a constitutional.violation.witness_gap envelope.
//
// Only unresolved intents are held in memory. An outcome for a correlation
// that is not open is checked against the ledger itself.
type GapDetector struct {
	ledger *ledger.Ledger
	halt   halt.Checker
	cfg    GapConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	cursor    int64
	open      map[uuid.UUID]*ledger.Envelope
	reported  map[string]bool
	onMetrics func(kind string)
}

// NewGapDetector creates a GapDetector.
func NewGapDetector(l *ledger.Ledger, checker halt.Checker, cfg GapConfig, logger *zap.Logger) *GapDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &GapDetector{
		ledger:   l,
		halt:     checker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		open:     make(map[uuid.UUID]*ledger.Envelope),
		reported: make(map[string]bool),
	}
}

// SetMetricsRecord configures a callback invoked per violation emitted.
func (d *GapDetector) SetMetricsRecord(fn func(kind string)) {
	d.mu.Lock()
	d.onMetrics = fn
	d.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (d *GapDetector) SetClock(now func() time.Time) { d.now = now }

func reportKey(kind string, corr uuid.UUID) string { return kind + "/" + corr.String() }

// Detect processes envelopes appended since the last pass and emits a
// witness_gap envelope for every new violation. It returns the violations
// emitted by this pass.
func (d *GapDetector) Detect(ctx context.Context) ([]Violation, error) {
	if err := halt.Check(d.halt); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var found []Violation
	last, walkErr := d.ledger.Walk(ctx, d.cursor, func(e *ledger.Envelope) error {
		switch {
		case e.EventType == EventIntentEmitted:
			d.open[e.CorrelationID] = e
		case IsOutcome(e.EventType):
			if _, ok := d.open[e.CorrelationID]; ok {
				delete(d.open, e.CorrelationID)
				return nil
			}
			v, err := d.checkOutcome(ctx, e)
			if err != nil {
				return err
			}
			if v != nil {
				found = append(found, *v)
			}
		case e.EventType == EventWitnessGap:
			var v Violation
			if err := e.DecodePayload(&v); err == nil {
				d.reported[reportKey(v.Kind, v.CorrelationID)] = true
			}
		}
		return nil
	})
	// Violations found before a failed read are still emitted; the cursor
	// stops at the last envelope processed.
	d.cursor = last

	cutoff := d.now().Add(-d.cfg.Timeout)
	var stale []*ledger.Envelope
	for _, intent := range d.open {
		if !intent.Timestamp.After(cutoff) {
			stale = append(stale, intent)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SequenceNumber < stale[j].SequenceNumber })
	for _, intent := range stale {
		seq := intent.SequenceNumber
		found = append(found, Violation{
			Kind:           ViolationUnresolvedIntent,
			CorrelationID:  intent.CorrelationID,
			IntentSequence: &seq,
		})
	}

	emitted := make([]Violation, 0, len(found))
	for _, v := range found {
		key := reportKey(v.Kind, v.CorrelationID)
		if d.reported[key] {
			continue
		}
		v.DetectedBy = gapDetectorActor
		if err := d.emit(ctx, v); err != nil {
			if errors.Is(err, errAlreadyReported) {
				d.reported[key] = true
				continue
			}
			return emitted, err
		}
		d.reported[key] = true
		emitted = append(emitted, v)

		d.logger.Error("twophase: witness gap detected",
			zap.String("kind", v.Kind),
			zap.String("correlation_id", v.CorrelationID.String()),
		)
		if d.onMetrics != nil {
			d.onMetrics(v.Kind)
		}
	}
	return emitted, walkErr
}

// Open returns the number of intents currently tracked as unresolved.
func (d *GapDetector) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// checkOutcome classifies an outcome whose correlation is not open by
// reading the envelopes that precede it under the same correlation id.
func (d *GapDetector) checkOutcome(ctx context.Context, outcome *ledger.Envelope) (*Violation, error) {
	related, err := d.ledger.ByCorrelation(ctx, outcome.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("gap detection: %w", err)
	}
	var intent *ledger.Envelope
	prior := 0
	for _, e := range related {
		if e.SequenceNumber >= outcome.SequenceNumber {
			continue
		}
		switch {
		case e.EventType == EventIntentEmitted && intent == nil:
			intent = e
		case IsOutcome(e.EventType):
			prior++
		}
	}

	seq := outcome.SequenceNumber
	switch {
	case intent == nil:
		return &Violation{
			Kind:            ViolationOutcomeWithoutIntent,
			CorrelationID:   outcome.CorrelationID,
			OutcomeSequence: &seq,
		}, nil
	case prior > 0:
		intentSeq := intent.SequenceNumber
		return &Violation{
			Kind:            ViolationDuplicateOutcome,
			CorrelationID:   outcome.CorrelationID,
			IntentSequence:  &intentSeq,
			OutcomeSequence: &seq,
		}, nil
	}
	// An intent with no earlier outcome is an ordinary resolution.
	return nil, nil
}

// emit writes v unless an equal violation was witnessed concurrently.
func (d *GapDetector) emit(ctx context.Context, v Violation) error {
	_, err := d.ledger.AppendIf(ctx, ledger.Record{
		EventType:     EventWitnessGap,
		Actor:         gapDetectorActor,
		CorrelationID: v.CorrelationID,
		Payload:       v,
	}, func(ctx context.Context, _ int64) error {
		related, err := d.ledger.ByCorrelation(ctx, v.CorrelationID)
		if err != nil {
			return err
		}
		for _, e := range related {
			if e.EventType != EventWitnessGap {
				continue
			}
			var prior Violation
			if err := e.DecodePayload(&prior); err == nil && prior.Kind == v.Kind {
				return errAlreadyReported
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyReported) {
		return fmt.Errorf("emit witness gap: %w", err)
	}
	return err
}

// Run detects every Interval until ctx is done.
func (d *GapDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Detect(ctx); err != nil && !errors.Is(err, halt.ErrHalted) {
				d.logger.Error("twophase: gap detection", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
