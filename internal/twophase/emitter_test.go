package twophase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/twophase"
	"go.uber.org/zap"
)

var ctx = context.Background()

type haltFlag struct{ halted bool }

func (h *haltFlag) IsHalted() bool { return h.halted }

func newEmitter(t *testing.T) (*ledger.Ledger, *twophase.Emitter) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, zap.NewNop())
	return l, twophase.NewEmitter(l, nil, zap.NewNop())
}

func outcomes(t *testing.T, l *ledger.Ledger, corr uuid.UUID) []*ledger.Envelope {
	t.Helper()
	related, err := l.ByCorrelation(ctx, corr)
	if err != nil {
		t.Fatal(err)
	}
	var out []*ledger.Envelope
	for _, e := range related {
		if twophase.IsOutcome(e.EventType) {
			out = append(out, e)
		}
	}
	return out
}

func TestEmitIntentAndCommit(t *testing.T) {
	l, em := newEmitter(t)

	corr, err := em.EmitIntent(ctx, "task.activate", "keeper-1", "task-42", map[string]string{"from": "draft"})
	if err != nil {
		t.Fatal(err)
	}
	intent, _ := l.Get(ctx, 1)
	if intent.EventType != twophase.EventIntentEmitted || intent.CorrelationID != corr {
		t.Fatalf("intent = %s / %s", intent.EventType, intent.CorrelationID)
	}
	var ip twophase.IntentPayload
	if err := intent.DecodePayload(&ip); err != nil {
		t.Fatal(err)
	}
	if ip.OperationType != "task.activate" || ip.Target != "task-42" {
		t.Errorf("intent payload = %+v", ip)
	}

	env, err := em.EmitCommit(ctx, corr, map[string]string{"state": "active"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Actor != "keeper-1" || env.CorrelationID != corr {
		t.Errorf("commit actor=%s corr=%s", env.Actor, env.CorrelationID)
	}
	var cp twophase.CommitPayload
	_ = env.DecodePayload(&cp)
	if cp.IntentSequence != 1 {
		t.Errorf("commit references seq %d, want 1", cp.IntentSequence)
	}
}

func TestResolve_exactlyOneOutcome(t *testing.T) {
	_, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)

	if _, err := em.EmitFailure(ctx, corr, "DENIED", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := em.EmitCommit(ctx, corr, nil); !errors.Is(err, twophase.ErrAlreadyResolved) {
		t.Errorf("commit after failure: got %v, want ErrAlreadyResolved", err)
	}
	if _, err := em.EmitFailure(ctx, corr, "DENIED", nil); !errors.Is(err, twophase.ErrAlreadyResolved) {
		t.Errorf("second failure: got %v, want ErrAlreadyResolved", err)
	}
}

func TestResolve_unknownIntent(t *testing.T) {
	_, em := newEmitter(t)
	if _, err := em.EmitCommit(ctx, uuid.New(), nil); !errors.Is(err, twophase.ErrUnknownIntent) {
		t.Errorf("got %v, want ErrUnknownIntent", err)
	}
}

func TestResolve_concurrentResolversWriteOneOutcome(t *testing.T) {
	l, em := newEmitter(t)
	corr, _ := em.EmitIntent(ctx, "op", "a", "t", nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			for {
				if i%2 == 0 {
					_, err = em.EmitCommit(ctx, corr, nil)
				} else {
					_, err = em.EmitFailure(ctx, corr, "X", nil)
				}
				if !errors.Is(err, ledger.ErrConcurrentModification) {
					break
				}
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d resolvers succeeded, want 1", wins)
	}
	if got := outcomes(t, l, corr); len(got) != 1 {
		t.Errorf("%d outcomes recorded, want 1", len(got))
	}
}

func TestEmitIntent_halted(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, zap.NewNop())
	em := twophase.NewEmitter(l, &haltFlag{halted: true}, zap.NewNop())
	if _, err := em.EmitIntent(ctx, "op", "a", "t", nil); !errors.Is(err, halt.ErrHalted) {
		t.Errorf("got %v, want ErrHalted", err)
	}
}

func TestRun_commitsOnSuccess(t *testing.T) {
	l, em := newEmitter(t)
	err := em.Run(ctx, twophase.Operation{Type: "vote.tally", Actor: "clerk", Target: "motion-7"},
		func(context.Context) (any, error) { return map[string]int{"yes": 40}, nil })
	if err != nil {
		t.Fatal(err)
	}
	commit, _ := l.Get(ctx, 2)
	if commit.EventType != twophase.EventCommitConfirmed {
		t.Errorf("seq 2 = %s", commit.EventType)
	}
}

func TestRun_failsOnError(t *testing.T) {
	l, em := newEmitter(t)
	boom := errors.New("quorum not reached")
	err := em.Run(ctx, twophase.Operation{Type: "vote.tally", Actor: "clerk"},
		func(context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want operation error", err)
	}
	failure, _ := l.Get(ctx, 2)
	var fp twophase.FailurePayload
	_ = failure.DecodePayload(&fp)
	if failure.EventType != twophase.EventFailureRecorded || fp.Reason != twophase.ReasonOperationFailed || fp.AutoResolved {
		t.Errorf("failure = %s %+v", failure.EventType, fp)
	}
}

func TestRun_failsOnPanicAndRepanics(t *testing.T) {
	l, em := newEmitter(t)
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_ = em.Run(ctx, twophase.Operation{Type: "op", Actor: "a"}, func(context.Context) (any, error) {
			panic("kaboom")
		})
	}()

	failure, err := l.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	var fp twophase.FailurePayload
	_ = failure.DecodePayload(&fp)
	if fp.Reason != twophase.ReasonPanic {
		t.Errorf("reason = %q, want PANIC", fp.Reason)
	}
}

func TestRun_resolvesAfterCancellation(t *testing.T) {
	l, em := newEmitter(t)
	cctx, cancel := context.WithCancel(ctx)
	err := em.Run(cctx, twophase.Operation{Type: "op", Actor: "a"}, func(ctx context.Context) (any, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if n, _ := l.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want intent and failure", n)
	}
}
