package verification_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/twophase"
	"github.com/jmerrifield20/govledger/internal/verification"
	"go.uber.org/zap"
)

var ctx = context.Background()

// exportLedger appends n events, seals one epoch over them and returns the
// export round-tripped through its JSON form.
func exportLedger(t *testing.T, n int) *export.Bundle {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, zap.NewNop())
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, ledger.Record{
			EventType: "executive.task.activated",
			Actor:     "keeper-1",
			Payload:   map[string]int{"task": i},
		}); err != nil {
			t.Fatal(err)
		}
	}
	m := epoch.NewManager(l, epoch.NewMemoryStore(), nil, epoch.Config{}, zap.NewNop())
	if _, err := m.SealPending(ctx); err != nil {
		t.Fatal(err)
	}
	b, err := export.NewExporter(l, m.Store(), zap.NewNop()).Export(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := b.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := export.Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	return loaded
}

func newService() *verification.Service { return verification.New(zap.NewNop()) }

func TestVerifyComplete_endToEnd(t *testing.T) {
	b := exportLedger(t, 10)

	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusValid || len(res.Issues) != 0 {
		t.Fatalf("clean export: status %s, issues %v", res.Status, res.Issues)
	}
	if !res.HashChainValid || !res.MerkleValid || !res.SequenceComplete || !res.StateReplayValid {
		t.Errorf("sub-results = %+v", res)
	}
	if res.EventsChecked != 11 || res.EpochsChecked != 1 {
		t.Errorf("checked %d events / %d epochs", res.EventsChecked, res.EpochsChecked)
	}

	// Flip one bit in the payload of sequence 5.
	p := b.Events[4].Payload
	i := bytes.IndexByte(p, '4')
	if i < 0 {
		t.Fatalf("payload %s has no digit to flip", p)
	}
	p[i] ^= 0x01

	res = newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("got %d issues, want 1: %v", len(res.Issues), res.Issues)
	}
	is := res.Issues[0]
	if is.Kind != ledger.IssueHashMismatch || is.SequenceNumber == nil || *is.SequenceNumber != 5 {
		t.Errorf("issue = %s", is)
	}
	if res.HashChainValid || !res.MerkleValid || !res.SequenceComplete {
		t.Errorf("sub-results = %+v", res)
	}
}

func TestVerifyComplete_deletedMiddleEvent(t *testing.T) {
	b := exportLedger(t, 10)
	b.Events = append(b.Events[:4], b.Events[5:]...)

	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusInvalid || res.SequenceComplete {
		t.Fatalf("status %s, sequence complete %v", res.Status, res.SequenceComplete)
	}
	var gaps []ledger.Issue
	for _, is := range res.Issues {
		if is.Kind == ledger.IssueSequenceGap {
			gaps = append(gaps, is)
		}
		if is.Kind == ledger.IssueHashMismatch || is.Kind == ledger.IssueBrokenLink {
			t.Errorf("deletion should not implicate neighbours: %s", is)
		}
	}
	if len(gaps) != 1 || *gaps[0].SequenceNumber != 5 {
		t.Errorf("gaps = %v", gaps)
	}
}

func TestVerifyComplete_tamperedEpochRoot(t *testing.T) {
	b := exportLedger(t, 5)
	b.Epochs[0].RootHash = b.Events[0].EventHash

	res := newService().VerifyComplete(ctx, b)
	if res.MerkleValid || res.Status != verification.StatusInvalid {
		t.Fatalf("result = %+v", res)
	}
	for _, is := range res.Issues {
		if is.Kind != ledger.IssueMerkleMismatch {
			t.Errorf("unexpected issue %s", is)
		}
	}
	if !res.HashChainValid {
		t.Error("hash chain is untouched")
	}
}

func TestVerifyComplete_epochDiscontinuity(t *testing.T) {
	b := exportLedger(t, 5)
	b.Epochs[0].StartSequence = 2
	b.Epochs[0].EventCount = 4

	res := newService().VerifyComplete(ctx, b)
	found := false
	for _, is := range res.Issues {
		if is.Kind == ledger.IssueEpochDiscontinuity {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestVerifyComplete_stateDigestMismatch(t *testing.T) {
	b := exportLedger(t, 3)
	b.StateDigest = b.Events[0].EventHash

	res := newService().VerifyComplete(ctx, b)
	if res.StateReplayValid || len(res.Issues) != 1 || res.Issues[0].Kind != ledger.IssueStateMismatch {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyComplete_twoPhaseLedger(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, zap.NewNop())
	em := twophase.NewEmitter(l, nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		_ = em.Run(ctx, twophase.Operation{Type: "op", Actor: "a"}, func(context.Context) (any, error) { return nil, nil })
	}
	m := epoch.NewManager(l, epoch.NewMemoryStore(), nil, epoch.Config{}, zap.NewNop())
	_, _ = m.SealPending(ctx)
	b, _ := export.NewExporter(l, m.Store(), zap.NewNop()).Export(ctx)

	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusValid {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestVerifyComplete_unknownAlgorithm(t *testing.T) {
	b := exportLedger(t, 1)
	b.HashAlgorithm = "md5"
	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusInvalid || len(res.Issues) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyComplete_cancelledIsPartial(t *testing.T) {
	b := exportLedger(t, 4)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	res := newService().VerifyComplete(cctx, b)
	if res.Status != verification.StatusPartial {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.ChecksCompleted) != 1 || res.ChecksCompleted[0] != verification.CheckSequence {
		t.Errorf("completed = %v", res.ChecksCompleted)
	}
}

func TestVerifyComplete_metrics(t *testing.T) {
	b := exportLedger(t, 10)
	b.Events = append(b.Events[:2], b.Events[3:]...)

	s := newService()
	counts := map[ledger.IssueKind]int{}
	s.SetMetricsRecord(func(k ledger.IssueKind) { counts[k]++ })
	res := s.VerifyComplete(ctx, b)
	if counts[ledger.IssueSequenceGap] != 1 || len(res.Issues) == 0 {
		t.Errorf("counts = %v", counts)
	}
}

func issueWith(res *verification.Result, kind ledger.IssueKind, text string) bool {
	for _, is := range res.Issues {
		if is.Kind == kind && strings.Contains(is.Description, text) {
			return true
		}
	}
	return false
}

func TestVerifyComplete_nullEntriesAreIssues(t *testing.T) {
	b := exportLedger(t, 5)
	b.Events = append([]*ledger.Envelope{b.Events[0], nil}, b.Events[1:]...)
	b.Epochs = append(b.Epochs, nil)

	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if !issueWith(res, ledger.IssueSequenceGap, "events[1] is null") {
		t.Errorf("no issue for the null event: %v", res.Issues)
	}
	if !issueWith(res, ledger.IssueEpochDiscontinuity, "epochs[1] is null") {
		t.Errorf("no issue for the null epoch: %v", res.Issues)
	}
	if !res.HashChainValid || res.EventsChecked != 6 {
		t.Errorf("remaining events: chain valid %v, checked %d", res.HashChainValid, res.EventsChecked)
	}
}

func TestVerifyComplete_nilBundle(t *testing.T) {
	res := newService().VerifyComplete(ctx, nil)
	if res.Status != verification.StatusInvalid {
		t.Errorf("status = %s", res.Status)
	}
}

func TestVerifyComplete_epochRangeBeyondExport(t *testing.T) {
	b := exportLedger(t, 5)
	b.Epochs[0].EndSequence = 1 << 62

	res := newService().VerifyComplete(ctx, b)
	if res.Status != verification.StatusInvalid || res.MerkleValid {
		t.Fatalf("result = %+v", res)
	}
	if !issueWith(res, ledger.IssueMerkleMismatch, "covers 4611686018427387904 events but the export holds 6") {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestVerifyComplete_farSequenceNumber(t *testing.T) {
	b := exportLedger(t, 5)
	b.Events[len(b.Events)-1].SequenceNumber = 1 << 62

	res := newService().VerifyComplete(ctx, b)
	gaps := 0
	for _, is := range res.Issues {
		if is.Kind == ledger.IssueSequenceGap {
			gaps++
		}
	}
	if gaps != 1 || res.SequenceComplete {
		t.Errorf("sequence gaps = %d: %v", gaps, res.Issues)
	}
}
