// Package watchdog continuously re-verifies the live ledger and halts the
// system on any integrity finding. Nothing is repaired automatically.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"go.uber.org/zap"
)

// Actor is the operator id recorded on halts triggered by the watchdog.
const Actor = "integrity-watchdog"

// Halter is the part of the halt circuit the watchdog needs.
type Halter interface {
	IsHalted() bool
	TriggerHalt(ctx context.Context, reason halt.Reason, operatorID, message string) halt.Status
}

// Config holds watchdog configuration.
type Config struct {
	// Interval between incremental checks of newly appended envelopes.
	Interval time.Duration
	// FullInterval between full re-verifications of the whole ledger.
	FullInterval time.Duration
}

// Watchdog verifies the chain and the sealed epoch roots.
type Watchdog struct {
	ledger *ledger.Ledger
	epochs epoch.Store
	halter Halter
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	cursor    int64
	verifier  *ledger.ChainVerifier
	expected  int64
	epochSeen int64
	lastFull  time.Time
	onIssue   func(kind ledger.IssueKind)
}

// New creates a Watchdog.
func New(l *ledger.Ledger, epochs epoch.Store, halter Halter, cfg Config, logger *zap.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = time.Hour
	}
	return &Watchdog{
		ledger:   l,
		epochs:   epochs,
		halter:   halter,
		cfg:      cfg,
		logger:   logger,
		verifier: ledger.NewChainVerifier(l.Algorithm()),
		expected: 1,
	}
}

// SetMetricsRecord configures a callback invoked per issue found.
func (w *Watchdog) SetMetricsRecord(fn func(kind ledger.IssueKind)) {
	w.mu.Lock()
	w.onIssue = fn
	w.mu.Unlock()
}

// Check verifies envelopes and epochs added since the previous check, or
// everything when full is set. Any issue triggers an integrity halt.
func (w *Watchdog) Check(ctx context.Context, full bool) ([]ledger.Issue, error) {
	if w.halter.IsHalted() {
		return nil, halt.ErrHalted
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if full {
		w.cursor, w.expected, w.epochSeen = 0, 1, 0
		w.verifier = ledger.NewChainVerifier(w.ledger.Algorithm())
	}
	before := len(w.verifier.Issues())

	var gaps []ledger.Issue
	last, err := w.ledger.Walk(ctx, w.cursor, func(e *ledger.Envelope) error {
		gaps = append(gaps, ledger.CheckSequence([]*ledger.Envelope{e}, w.expected)...)
		if e.SequenceNumber >= w.expected {
			w.expected = e.SequenceNumber + 1
		}
		w.verifier.Add(e)
		return nil
	})
	w.cursor = last
	if err != nil {
		return nil, err
	}

	issues := append([]ledger.Issue(nil), w.verifier.Issues()[before:]...)
	issues = append(issues, gaps...)
	epochIssues, err := w.checkEpochs(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, epochIssues...)

	if len(issues) > 0 {
		w.raise(ctx, issues)
	}
	return issues, nil
}

func (w *Watchdog) checkEpochs(ctx context.Context) ([]ledger.Issue, error) {
	all, err := w.epochs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	var issues []ledger.Issue
	for _, ep := range all {
		if ep.EpochID <= w.epochSeen {
			continue
		}
		events, err := w.ledger.ReadRange(ctx, ep.StartSequence, ep.EndSequence)
		if err != nil {
			return nil, err
		}
		hashes := make([]string, len(events))
		for i, e := range events {
			hashes[i] = e.EventHash
		}
		tree, err := merkle.Build(w.ledger.Algorithm(), hashes)
		switch {
		case errors.Is(err, merkle.ErrNoLeaves) || int64(len(events)) != ep.EventCount:
			issues = append(issues, ledger.Issue{
				Kind:        ledger.IssueMerkleMismatch,
				Description: fmt.Sprintf("epoch %d covers %d events, ledger has %d in range", ep.EpochID, ep.EventCount, len(events)),
			})
		case err != nil:
			return nil, err
		case tree.Root() != ep.RootHash:
			issues = append(issues, ledger.Issue{
				Kind:        ledger.IssueMerkleMismatch,
				Description: fmt.Sprintf("recomputed root of epoch %d does not match stored root", ep.EpochID),
				Expected:    ep.RootHash,
				Actual:      tree.Root(),
			})
		}
		w.epochSeen = ep.EpochID
	}
	return issues, nil
}

func (w *Watchdog) raise(ctx context.Context, issues []ledger.Issue) {
	summary := make([]string, 0, len(issues))
	for _, is := range issues {
		summary = append(summary, is.String())
		if w.onIssue != nil {
			w.onIssue(is.Kind)
		}
	}
	msg := fmt.Sprintf("%d integrity issue(s): %s", len(issues), strings.Join(summary, "; "))
	w.logger.Error("watchdog: integrity violation", zap.Int("issues", len(issues)), zap.String("detail", msg))
	w.halter.TriggerHalt(ctx, halt.ReasonIntegrityViolation, Actor, msg)
}

// Run checks every Interval, and fully every FullInterval, until ctx is
// done or the system halts.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			full := time.Since(w.lastFull) >= w.cfg.FullInterval
			if full {
				w.lastFull = time.Now()
			}
			if _, err := w.Check(ctx, full); err != nil {
				if errors.Is(err, halt.ErrHalted) {
					return
				}
				w.logger.Error("watchdog: check", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
