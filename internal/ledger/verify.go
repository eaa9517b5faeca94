package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/hashing"
)

// IssueKind classifies a verification finding.
type IssueKind string

const (
	IssueHashMismatch       IssueKind = "hash_mismatch"
	IssueBrokenLink         IssueKind = "broken_link"
	IssueSequenceGap        IssueKind = "sequence_gap"
	IssueMerkleMismatch     IssueKind = "merkle_mismatch"
	IssueStateMismatch      IssueKind = "state_mismatch"
	IssueEpochDiscontinuity IssueKind = "epoch_discontinuity"
)

// Issue is one integrity finding. Findings are values, not errors: a single
// pass reports every problem it sees.
type Issue struct {
	Kind           IssueKind  `json:"kind"`
	SequenceNumber *int64     `json:"sequence_number,omitempty"`
	EventID        *uuid.UUID `json:"event_id,omitempty"`
	Description    string     `json:"description"`
	Expected       string     `json:"expected,omitempty"`
	Actual         string     `json:"actual,omitempty"`
}

func (i Issue) String() string {
	if i.SequenceNumber != nil {
		return fmt.Sprintf("%s at seq %d: %s", i.Kind, *i.SequenceNumber, i.Description)
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Description)
}

// NewIssue builds an Issue referencing env when env is non-nil.
func NewIssue(kind IssueKind, env *Envelope, description, expected, actual string) Issue {
	is := Issue{Kind: kind, Description: description, Expected: expected, Actual: actual}
	if env != nil {
		seq, id := env.SequenceNumber, env.EventID
		is.SequenceNumber = &seq
		is.EventID = &id
	}
	return is
}

// ChainVerifier checks envelopes one at a time so long ledgers can be
// verified page by page. Envelopes must be fed in ascending sequence order.
type ChainVerifier struct {
	alg    hashing.Algorithm
	prev   *Envelope
	issues []Issue
	seen   int
}

// NewChainVerifier returns a verifier for a chain hashed with alg.
func NewChainVerifier(alg hashing.Algorithm) *ChainVerifier {
	return &ChainVerifier{alg: alg}
}

// Add checks env against its own stored fields and against its predecessor.
//
// A recomputed hash that differs from the stored one is flagged on env only.
// The prev_hash link is checked against the stored hash of the predecessor,
// and only when the two are adjacent, so a tampered payload never implicates
// its successor and a missing envelope shows up as a gap rather than a
// broken link.
func (v *ChainVerifier) Add(env *Envelope) {
	v.seen++

	got, err := ComputeHash(v.alg, env)
	switch {
	case err != nil:
		v.issues = append(v.issues, NewIssue(IssueHashMismatch, env,
			fmt.Sprintf("envelope cannot be canonicalised: %v", err), env.EventHash, ""))
	case got != env.EventHash:
		v.issues = append(v.issues, NewIssue(IssueHashMismatch, env,
			"recomputed event hash does not match stored hash", got, env.EventHash))
	}

	switch {
	case env.SequenceNumber == 1:
		if genesis := hashing.GenesisHash(v.alg); env.PrevHash != genesis {
			v.issues = append(v.issues, NewIssue(IssueBrokenLink, env,
				"first envelope does not chain from the genesis hash", genesis, env.PrevHash))
		}
	case v.prev != nil && v.prev.SequenceNumber == env.SequenceNumber-1:
		if env.PrevHash != v.prev.EventHash {
			v.issues = append(v.issues, NewIssue(IssueBrokenLink, env,
				fmt.Sprintf("prev_hash does not match event hash of seq %d", v.prev.SequenceNumber),
				v.prev.EventHash, env.PrevHash))
		}
	}
	v.prev = env
}

// Issues returns the findings so far.
func (v *ChainVerifier) Issues() []Issue { return v.issues }

// Count returns the number of envelopes checked.
func (v *ChainVerifier) Count() int { return v.seen }

// VerifyChain recomputes every event hash and checks every adjacent link.
// It is a pure function of its inputs.
func VerifyChain(alg hashing.Algorithm, events []*Envelope) (bool, []Issue) {
	v := NewChainVerifier(alg)
	for _, e := range events {
		v.Add(e)
	}
	return len(v.issues) == 0, v.issues
}

// maxListedGap is the longest gap CheckSequence reports one issue per
// missing sequence for; longer gaps are reported as a single range.
const maxListedGap = 64

// CheckSequence reports every gap, duplicate or reordering in events, which
// must form the contiguous range starting at first.
func CheckSequence(events []*Envelope, first int64) []Issue {
	var issues []Issue
	expected := first
	for _, e := range events {
		switch {
		case e.SequenceNumber == expected:
			expected++
		case e.SequenceNumber-expected > maxListedGap:
			first := expected
			issues = append(issues, Issue{
				Kind:           IssueSequenceGap,
				SequenceNumber: &first,
				Description:    fmt.Sprintf("sequences %d to %d are missing", first, e.SequenceNumber-1),
				Expected:       fmt.Sprintf("%d", first),
				Actual:         fmt.Sprintf("%d", e.SequenceNumber),
			})
			expected = e.SequenceNumber + 1
		case e.SequenceNumber > expected:
			for missing := expected; missing < e.SequenceNumber; missing++ {
				seq := missing
				issues = append(issues, Issue{
					Kind:           IssueSequenceGap,
					SequenceNumber: &seq,
					Description:    fmt.Sprintf("sequence %d is missing", seq),
					Expected:       fmt.Sprintf("%d", seq),
					Actual:         fmt.Sprintf("%d", e.SequenceNumber),
				})
			}
			expected = e.SequenceNumber + 1
		default:
			issues = append(issues, NewIssue(IssueSequenceGap, e,
				"sequence number is duplicated or out of order",
				fmt.Sprintf("%d", expected), fmt.Sprintf("%d", e.SequenceNumber)))
		}
	}
	return issues
}
