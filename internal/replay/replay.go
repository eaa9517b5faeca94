// Package replay derives governance state purely from ledger envelopes.
// The same envelope sequence always yields the same State and Digest.
package replay

import (
	"fmt"
	"sort"

	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/hashing"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/twophase"
)

// State is the application state implied by a ledger prefix.
type State struct {
	Events        int64            `json:"events"`
	Head          string           `json:"head"`
	ByType        map[string]int64 `json:"by_type"`
	ByActor       map[string]int64 `json:"by_actor"`
	OpenIntents   []string         `json:"open_intents"`
	Committed     int64            `json:"committed"`
	Failed        int64            `json:"failed"`
	AutoResolved  int64            `json:"auto_resolved"`
	WitnessGaps   int64            `json:"witness_gaps"`
	Halt          *halt.Status     `json:"halt,omitempty"`
	LastEpoch     int64            `json:"last_epoch"`
	LastEpochRoot string           `json:"last_epoch_root,omitempty"`
}

// Replayer folds envelopes into a State one at a time.
type Replayer struct {
	st   State
	open map[string]bool
}

// New returns a Replayer over the empty ledger.
func New() *Replayer {
	return &Replayer{
		st: State{
			ByType:  make(map[string]int64),
			ByActor: make(map[string]int64),
		},
		open: make(map[string]bool),
	}
}

// Apply folds e into the state. Envelopes must be applied in sequence order.
func (r *Replayer) Apply(e *ledger.Envelope) error {
	r.st.Events++
	r.st.Head = e.EventHash
	r.st.ByType[e.EventType]++
	r.st.ByActor[e.Actor]++

	corr := e.CorrelationID.String()
	switch e.EventType {
	case twophase.EventIntentEmitted:
		r.open[corr] = true
	case twophase.EventCommitConfirmed:
		delete(r.open, corr)
		r.st.Committed++
	case twophase.EventFailureRecorded:
		delete(r.open, corr)
		r.st.Failed++
		var p twophase.FailurePayload
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("replay seq %d: %w", e.SequenceNumber, err)
		}
		if p.AutoResolved {
			r.st.AutoResolved++
		}
	case twophase.EventWitnessGap:
		r.st.WitnessGaps++
	case ledger.EventHaltRecorded:
		if r.st.Halt != nil {
			break
		}
		var s halt.Status
		if err := e.DecodePayload(&s); err != nil {
			return fmt.Errorf("replay seq %d: %w", e.SequenceNumber, err)
		}
		r.st.Halt = &s
	case epoch.EventRootPublished:
		var p epoch.RootPublished
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("replay seq %d: %w", e.SequenceNumber, err)
		}
		r.st.LastEpoch = p.EpochID
		r.st.LastEpochRoot = p.RootHash
	}
	return nil
}

// State returns a snapshot of the current state.
func (r *Replayer) State() *State {
	s := r.st
	s.ByType = make(map[string]int64, len(r.st.ByType))
	for k, v := range r.st.ByType {
		s.ByType[k] = v
	}
	s.ByActor = make(map[string]int64, len(r.st.ByActor))
	for k, v := range r.st.ByActor {
		s.ByActor[k] = v
	}
	s.OpenIntents = make([]string, 0, len(r.open))
	for k := range r.open {
		s.OpenIntents = append(s.OpenIntents, k)
	}
	sort.Strings(s.OpenIntents)
	return &s
}

// Replay folds events from the empty state.
func Replay(events []*ledger.Envelope) (*State, error) {
	r := New()
	for _, e := range events {
		if err := r.Apply(e); err != nil {
			return nil, err
		}
	}
	return r.State(), nil
}

// Digest is the SHA-256 of the canonical JSON form of s.
func Digest(s *State) (string, error) {
	return hashing.CanonicalHash(hashing.MustLookup(hashing.SHA256), s)
}
