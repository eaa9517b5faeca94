package twophase_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/twophase"
	"go.uber.org/zap"
)

func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

func TestOrphanScanner_resolvesExpiredIntent(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "keeper-1", "t", nil)
	_, _ = em.EmitIntent(ctx, "op", "keeper-1", "t", nil)

	s := twophase.NewOrphanScanner(l, em, nil, twophase.OrphanConfig{Timeout: time.Minute}, zap.NewNop())
	if n, err := s.Scan(ctx); err != nil || n != 0 {
		t.Fatalf("before timeout: resolved %d, err %v", n, err)
	}
	if s.Open() != 2 {
		t.Errorf("Open = %d, want 2", s.Open())
	}

	calls := 0
	s.SetMetricsRecord(func() { calls++ })
	s.SetClock(later(2 * time.Minute))
	n, err := s.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || calls != 2 {
		t.Errorf("resolved %d (metrics %d), want 2", n, calls)
	}

	got := outcomes(t, l, corr)
	if len(got) != 1 {
		t.Fatalf("%d outcomes for orphan", len(got))
	}
	var fp twophase.FailurePayload
	if err := got[0].DecodePayload(&fp); err != nil {
		t.Fatal(err)
	}
	if fp.Reason != twophase.ReasonOrphanTimeout || !fp.AutoResolved || fp.IntentSequence != 1 {
		t.Errorf("failure payload = %+v", fp)
	}
}

func TestOrphanScanner_repeatedAndRacingScansAreIdempotent(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)

	a := twophase.NewOrphanScanner(l, em, nil, twophase.OrphanConfig{Timeout: time.Minute}, zap.NewNop())
	b := twophase.NewOrphanScanner(l, em, nil, twophase.OrphanConfig{Timeout: time.Minute}, zap.NewNop())

	// b learns about the intent before a resolves it.
	if _, err := b.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	a.SetClock(later(time.Hour))
	b.SetClock(later(time.Hour))

	if n, _ := a.Scan(ctx); n != 1 {
		t.Fatalf("first scanner resolved %d", n)
	}
	for i := 0; i < 3; i++ {
		if n, err := b.Scan(ctx); err != nil || n != 0 {
			t.Errorf("pass %d: resolved %d, err %v", i, n, err)
		}
		if n, _ := a.Scan(ctx); n != 0 {
			t.Errorf("pass %d: first scanner resolved again", i)
		}
	}
	if got := outcomes(t, l, corr); len(got) != 1 {
		t.Errorf("%d outcomes, want 1", len(got))
	}
	if b.Open() != 0 {
		t.Errorf("Open = %d after resolution", b.Open())
	}
}

func TestOrphanScanner_ignoresResolvedIntents(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)
	_, _ = em.EmitCommit(ctx, corr, nil)

	s := twophase.NewOrphanScanner(l, em, nil, twophase.OrphanConfig{Timeout: time.Minute}, zap.NewNop())
	s.SetClock(later(time.Hour))
	if n, _ := s.Scan(ctx); n != 0 {
		t.Errorf("resolved %d committed intents", n)
	}
}

func TestOrphanScanner_halted(t *testing.T) {
	l, em := newEmitter(t)
	s := twophase.NewOrphanScanner(l, em, &haltFlag{halted: true}, twophase.OrphanConfig{}, zap.NewNop())
	if _, err := s.Scan(ctx); !errors.Is(err, halt.ErrHalted) {
		t.Errorf("got %v, want ErrHalted", err)
	}
}

func TestGapDetector_unresolvedIntentPastGapTimeout(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{Timeout: 15 * time.Minute}, zap.NewNop())
	if vs, _ := d.Detect(ctx); len(vs) != 0 {
		t.Fatalf("fresh intent reported: %v", vs)
	}

	var kinds []string
	d.SetMetricsRecord(func(kind string) { kinds = append(kinds, kind) })
	d.SetClock(later(time.Hour))
	vs, err := d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Kind != twophase.ViolationUnresolvedIntent || vs[0].CorrelationID != corr {
		t.Fatalf("violations = %+v", vs)
	}
	if len(kinds) != 1 {
		t.Errorf("metrics kinds = %v", kinds)
	}

	tail, _, _ := l.Head(ctx)
	env, _ := l.Get(ctx, tail)
	if env.EventType != twophase.EventWitnessGap {
		t.Errorf("last envelope = %s, want witness gap", env.EventType)
	}

	// Reported once, across passes and across detector restarts.
	if vs, _ := d.Detect(ctx); len(vs) != 0 {
		t.Errorf("second pass reported %v", vs)
	}
	restarted := twophase.NewGapDetector(l, nil, twophase.GapConfig{Timeout: 15 * time.Minute}, zap.NewNop())
	restarted.SetClock(later(time.Hour))
	if vs, _ := restarted.Detect(ctx); len(vs) != 0 {
		t.Errorf("restarted detector reported %v", vs)
	}
}

func TestGapDetector_outcomeWithoutIntent(t *testing.T) {
	l, em := newEmitter(t)
	_, _ = em.EmitIntent(ctx, "op", "a", "t", nil)

	// An outcome written straight to the ledger with no intent behind it.
	stray, err := l.Append(ctx, ledger.Record{
		EventType: twophase.EventCommitConfirmed,
		Actor:     "mallory",
		Payload:   twophase.CommitPayload{IntentSequence: 99},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{}, zap.NewNop())
	vs, err := d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Kind != twophase.ViolationOutcomeWithoutIntent {
		t.Fatalf("violations = %+v", vs)
	}
	if vs[0].OutcomeSequence == nil || *vs[0].OutcomeSequence != stray.SequenceNumber {
		t.Errorf("outcome sequence = %v, want %d", vs[0].OutcomeSequence, stray.SequenceNumber)
	}
}

func TestGapDetector_duplicateOutcome(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)
	_, _ = em.EmitCommit(ctx, corr, nil)
	_, err := l.Append(ctx, ledger.Record{
		EventType:     twophase.EventFailureRecorded,
		Actor:         "a",
		CorrelationID: corr,
		Payload:       twophase.FailurePayload{IntentSequence: 1, Reason: "X"},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{}, zap.NewNop())
	vs, _ := d.Detect(ctx)
	if len(vs) != 1 || vs[0].Kind != twophase.ViolationDuplicateOutcome {
		t.Errorf("violations = %+v", vs)
	}
}

func TestGapDetector_orphanResolvedIntentIsNotAGap(t *testing.T) {
	l, em := newEmitter(t)
	_, _ = em.EmitIntent(ctx, "op", "a", "t", nil)

	s := twophase.NewOrphanScanner(l, em, nil, twophase.OrphanConfig{Timeout: 5 * time.Minute}, zap.NewNop())
	s.SetClock(later(10 * time.Minute))
	if _, err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{Timeout: 15 * time.Minute}, zap.NewNop())
	d.SetClock(later(time.Hour))
	if vs, _ := d.Detect(ctx); len(vs) != 0 {
		t.Errorf("violations = %+v", vs)
	}
}

func TestGapDetector_forgetsResolvedIntents(t *testing.T) {
	l, em := newEmitter(t)
	done, _ := em.EmitIntent(ctx, "op", "a", "t", nil)
	_, _ = em.EmitIntent(ctx, "op", "a", "t", nil)
	if _, err := em.EmitCommit(ctx, done, nil); err != nil {
		t.Fatal(err)
	}

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{}, zap.NewNop())
	if vs, err := d.Detect(ctx); err != nil || len(vs) != 0 {
		t.Fatalf("Detect: %+v, %v", vs, err)
	}
	if d.Open() != 1 {
		t.Errorf("Open = %d, want 1", d.Open())
	}
}

func TestGapDetector_duplicateOutcomeAfterPruning(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)
	_, _ = em.EmitCommit(ctx, corr, nil)

	d := twophase.NewGapDetector(l, nil, twophase.GapConfig{}, zap.NewNop())
	if vs, _ := d.Detect(ctx); len(vs) != 0 {
		t.Fatalf("violations = %+v", vs)
	}
	if d.Open() != 0 {
		t.Fatalf("Open = %d, want 0", d.Open())
	}

	dup, err := l.Append(ctx, ledger.Record{
		EventType:     twophase.EventCommitConfirmed,
		Actor:         "a",
		CorrelationID: corr,
		Payload:       twophase.CommitPayload{IntentSequence: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	vs, err := d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Kind != twophase.ViolationDuplicateOutcome {
		t.Fatalf("violations = %+v", vs)
	}
	if *vs[0].IntentSequence != 1 || *vs[0].OutcomeSequence != dup.SequenceNumber {
		t.Errorf("sequences = %d/%d", *vs[0].IntentSequence, *vs[0].OutcomeSequence)
	}
}
