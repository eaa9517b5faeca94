// Package verification re-derives every integrity claim of a ledger export
// from the export alone. It performs no network or database access.
package verification

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/hashing"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"github.com/jmerrifield20/govledger/internal/replay"
	"go.uber.org/zap"
)

// Status is the overall verdict.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	// StatusPartial means verification was interrupted; only the checks in
	// ChecksCompleted ran.
	StatusPartial Status = "partial"
)

// Names of the individual checks.
const (
	CheckSequence = "sequence"
	CheckChain    = "hash_chain"
	CheckMerkle   = "merkle"
	CheckReplay   = "state_replay"
)

// Result is the outcome of VerifyComplete.
type Result struct {
	Status           Status         `json:"status"`
	HashChainValid   bool           `json:"hash_chain_valid"`
	MerkleValid      bool           `json:"merkle_valid"`
	SequenceComplete bool           `json:"sequence_complete"`
	StateReplayValid bool           `json:"state_replay_valid"`
	EventsChecked    int            `json:"events_checked"`
	EpochsChecked    int            `json:"epochs_checked"`
	StateDigest      string         `json:"state_digest,omitempty"`
	ChecksCompleted  []string       `json:"checks_completed"`
	Issues           []ledger.Issue `json:"issues"`
}

// Service runs offline verification.
type Service struct {
	logger    *zap.Logger
	onMetrics func(kind ledger.IssueKind)
}

// New creates a Service.
func New(logger *zap.Logger) *Service {
	return &Service{logger: logger}
}

// SetMetricsRecord configures a callback invoked once per detected issue.
func (s *Service) SetMetricsRecord(fn func(kind ledger.IssueKind)) {
	s.onMetrics = fn
}

// checkEvery is how many envelopes are processed between context checks.
const checkEvery = 1024

// VerifyComplete runs every check over b and reports all issues found.
// Cancelling ctx stops verification early with StatusPartial.
func (s *Service) VerifyComplete(ctx context.Context, b *export.Bundle) *Result {
	res := &Result{ChecksCompleted: []string{}, Issues: []ledger.Issue{}}
	defer s.finish(res)

	b, res.Issues = withoutNulls(b)

	name := b.HashAlgorithm
	if name == "" {
		name = hashing.Default
	}
	alg, err := hashing.Lookup(name)
	if err != nil {
		res.Issues = append(res.Issues, ledger.Issue{
			Kind:        ledger.IssueHashMismatch,
			Description: fmt.Sprintf("export uses unsupported hash algorithm %q", b.HashAlgorithm),
		})
		res.Status = StatusInvalid
		return res
	}

	// Sequence completeness.
	gaps := ledger.CheckSequence(b.Events, 1)
	res.Issues = append(res.Issues, gaps...)
	res.SequenceComplete = len(gaps) == 0
	res.ChecksCompleted = append(res.ChecksCompleted, CheckSequence)

	// Hash chain.
	chain := ledger.NewChainVerifier(alg)
	for i, e := range b.Events {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return s.interrupted(res, chain.Issues())
		}
		chain.Add(e)
	}
	res.EventsChecked = chain.Count()
	res.Issues = append(res.Issues, chain.Issues()...)
	res.HashChainValid = len(chain.Issues()) == 0
	res.ChecksCompleted = append(res.ChecksCompleted, CheckChain)

	// Merkle roots.
	if ctx.Err() != nil {
		return s.interrupted(res, nil)
	}
	merkleIssues := verifyEpochs(alg, b)
	res.EpochsChecked = len(b.Epochs)
	res.Issues = append(res.Issues, merkleIssues...)
	res.MerkleValid = len(merkleIssues) == 0
	res.ChecksCompleted = append(res.ChecksCompleted, CheckMerkle)

	// Deterministic state replay.
	if ctx.Err() != nil {
		return s.interrupted(res, nil)
	}
	digest, replayIssues := verifyReplay(b)
	res.StateDigest = digest
	res.Issues = append(res.Issues, replayIssues...)
	res.StateReplayValid = len(replayIssues) == 0
	res.ChecksCompleted = append(res.ChecksCompleted, CheckReplay)

	if len(res.Issues) > 0 {
		res.Status = StatusInvalid
	} else {
		res.Status = StatusValid
	}
	return res
}

// withoutNulls returns a copy of b without null events or epochs, and an
// issue for each one dropped.
func withoutNulls(b *export.Bundle) (*export.Bundle, []ledger.Issue) {
	issues := []ledger.Issue{}
	if b == nil {
		return &export.Bundle{}, append(issues, ledger.Issue{
			Kind:        ledger.IssueSequenceGap,
			Description: "bundle is null",
		})
	}
	c := *b
	c.Events = make([]*ledger.Envelope, 0, len(b.Events))
	for i, e := range b.Events {
		if e == nil {
			issues = append(issues, ledger.Issue{
				Kind:        ledger.IssueSequenceGap,
				Description: fmt.Sprintf("events[%d] is null", i),
			})
			continue
		}
		c.Events = append(c.Events, e)
	}
	c.Epochs = make([]*epoch.Epoch, 0, len(b.Epochs))
	for i, ep := range b.Epochs {
		if ep == nil {
			issues = append(issues, ledger.Issue{
				Kind:        ledger.IssueEpochDiscontinuity,
				Description: fmt.Sprintf("epochs[%d] is null", i),
			})
			continue
		}
		c.Epochs = append(c.Epochs, ep)
	}
	return &c, issues
}

func (s *Service) interrupted(res *Result, pending []ledger.Issue) *Result {
	res.Issues = append(res.Issues, pending...)
	res.Status = StatusPartial
	return res
}

func (s *Service) finish(res *Result) {
	if s.onMetrics != nil {
		for _, is := range res.Issues {
			s.onMetrics(is.Kind)
		}
	}
	s.logger.Info("verification finished",
		zap.String("status", string(res.Status)),
		zap.Int("events", res.EventsChecked),
		zap.Int("epochs", res.EpochsChecked),
		zap.Int("issues", len(res.Issues)),
	)
}

// verifyEpochs checks epoch contiguity, recomputes every epoch root from
// the exported event hashes, and checks each epoch against the
// root_published envelope that witnessed it.
func verifyEpochs(alg hashing.Algorithm, b *export.Bundle) []ledger.Issue {
	var issues []ledger.Issue

	bySeq := make(map[int64]*ledger.Envelope, len(b.Events))
	published := make(map[int64]*ledger.Envelope)
	for _, e := range b.Events {
		bySeq[e.SequenceNumber] = e
		if e.EventType != epoch.EventRootPublished {
			continue
		}
		var p epoch.RootPublished
		if err := e.DecodePayload(&p); err == nil {
			if _, dup := published[p.EpochID]; !dup {
				published[p.EpochID] = e
			}
		}
	}

	var prev *epoch.Epoch
	for _, ep := range b.Epochs {
		if err := epoch.CheckContinuity(prev, ep); err != nil {
			issues = append(issues, ledger.Issue{
				Kind:        ledger.IssueEpochDiscontinuity,
				Description: err.Error(),
			})
		}
		prev = ep
		issues = append(issues, verifyEpochRoot(alg, ep, bySeq)...)
		issues = append(issues, verifyWitness(ep, published[ep.EpochID])...)
	}
	return issues
}

func verifyEpochRoot(alg hashing.Algorithm, ep *epoch.Epoch, bySeq map[int64]*ledger.Envelope) []ledger.Issue {
	if ep.Algorithm != "" && ep.Algorithm != alg.Name() {
		return []ledger.Issue{{
			Kind:        ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("epoch %d uses algorithm %s, ledger uses %s", ep.EpochID, ep.Algorithm, alg.Name()),
			Expected:    alg.Name(),
			Actual:      ep.Algorithm,
		}}
	}
	if ep.StartSequence < 1 || ep.EndSequence < ep.StartSequence {
		return nil
	}
	// The range is only walked once it is known to fit inside the export.
	if span := ep.EndSequence - ep.StartSequence + 1; span > int64(len(bySeq)) {
		return []ledger.Issue{{
			Kind: ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("epoch %d covers %d events but the export holds %d",
				ep.EpochID, span, len(bySeq)),
			Expected: ep.RootHash,
		}}
	}

	hashes := make([]string, 0, ep.EndSequence-ep.StartSequence+1)
	missing := 0
	for seq := ep.StartSequence; seq <= ep.EndSequence; seq++ {
		e, ok := bySeq[seq]
		if !ok {
			missing++
			continue
		}
		hashes = append(hashes, e.EventHash)
	}
	if missing > 0 {
		return []ledger.Issue{{
			Kind: ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("epoch %d root cannot be recomputed: %d of its events are missing from the export",
				ep.EpochID, missing),
			Expected: ep.RootHash,
		}}
	}

	tree, err := merkle.Build(alg, hashes)
	if err != nil {
		return []ledger.Issue{{
			Kind:        ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("epoch %d root cannot be recomputed: %v", ep.EpochID, err),
			Expected:    ep.RootHash,
		}}
	}
	if tree.Root() != ep.RootHash {
		return []ledger.Issue{{
			Kind:        ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("recomputed root of epoch %d does not match the exported root", ep.EpochID),
			Expected:    tree.Root(),
			Actual:      ep.RootHash,
		}}
	}
	return nil
}

func verifyWitness(ep *epoch.Epoch, env *ledger.Envelope) []ledger.Issue {
	if env == nil {
		return []ledger.Issue{{
			Kind:        ledger.IssueMerkleMismatch,
			Description: fmt.Sprintf("no root_published envelope witnesses epoch %d", ep.EpochID),
			Expected:    ep.RootHash,
		}}
	}
	var p epoch.RootPublished
	if err := env.DecodePayload(&p); err != nil {
		return []ledger.Issue{ledger.NewIssue(ledger.IssueMerkleMismatch, env, err.Error(), "", "")}
	}

	want := epoch.RootPublished{
		EpochID:       ep.EpochID,
		RootHash:      ep.RootHash,
		StartSequence: ep.StartSequence,
		EndSequence:   ep.EndSequence,
		EventCount:    ep.EventCount,
		Algorithm:     ep.Algorithm,
	}
	var issues []ledger.Issue
	if p != want {
		issues = append(issues, ledger.NewIssue(ledger.IssueMerkleMismatch, env,
			fmt.Sprintf("root_published envelope disagrees with epoch %d record", ep.EpochID),
			fmt.Sprintf("%+v", want), fmt.Sprintf("%+v", p)))
	}
	if env.SequenceNumber <= ep.EndSequence {
		issues = append(issues, ledger.NewIssue(ledger.IssueEpochDiscontinuity, env,
			fmt.Sprintf("root of epoch %d is published inside the epoch it covers", ep.EpochID),
			fmt.Sprintf("> %d", ep.EndSequence), fmt.Sprintf("%d", env.SequenceNumber)))
	}
	return issues
}

// verifyReplay replays the export twice from independent copies and checks
// that both runs, and the digest recorded at export time, agree.
func verifyReplay(b *export.Bundle) (string, []ledger.Issue) {
	first, err := replay.Replay(b.Events)
	if err != nil {
		return "", []ledger.Issue{{Kind: ledger.IssueStateMismatch, Description: err.Error()}}
	}
	second, err := replay.Replay(b.Clone().Events)
	if err != nil {
		return "", []ledger.Issue{{Kind: ledger.IssueStateMismatch, Description: err.Error()}}
	}
	d1, err := replay.Digest(first)
	if err != nil {
		return "", []ledger.Issue{{Kind: ledger.IssueStateMismatch, Description: err.Error()}}
	}
	d2, err := replay.Digest(second)
	if err != nil {
		return "", []ledger.Issue{{Kind: ledger.IssueStateMismatch, Description: err.Error()}}
	}

	var issues []ledger.Issue
	if d1 != d2 {
		issues = append(issues, ledger.Issue{
			Kind:        ledger.IssueStateMismatch,
			Description: "replaying the same events twice produced different state",
			Expected:    d1,
			Actual:      d2,
		})
	}
	if b.StateDigest != "" && b.StateDigest != d1 {
		issues = append(issues, ledger.Issue{
			Kind:        ledger.IssueStateMismatch,
			Description: "replayed state does not match the digest recorded at export",
			Expected:    b.StateDigest,
			Actual:      d1,
		})
	}
	return d1, issues
}
