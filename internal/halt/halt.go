// Package halt implements the process-wide halt circuit.
//
// A halt is signalled on three channels in decreasing priority: an in-process
// atomic flag (the only channel that decides IsHalted), a best-effort broadcast
// to other instances, and a best-effort halt.recorded envelope in the ledger.
// Once set, the flag is never cleared by this package; recovery is a separate,
// externally authorised workflow.
package halt

import (
	"errors"
	"fmt"
	"time"
)

// ErrHalted is returned by any state-changing operation attempted while halted.
// It is never retried automatically.
var ErrHalted = errors.New("system is halted")

// Reason classifies why a halt was triggered.
type Reason string

const (
	ReasonOperator           Reason = "operator_triggered"
	ReasonSystemFault        Reason = "system_fault"
	ReasonIntegrityViolation Reason = "integrity_violation"
)

// ParseReason validates a reason string.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonOperator, ReasonSystemFault, ReasonIntegrityViolation:
		return r, nil
	}
	return "", fmt.Errorf("invalid halt reason %q", s)
}

// Status is a snapshot of the halt state.
type Status struct {
	IsHalted   bool      `json:"is_halted"`
	HaltedAt   time.Time `json:"halted_at"`
	Reason     Reason    `json:"reason,omitempty"`
	OperatorID string    `json:"operator_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	// Origin is the instance that first set the halt.
	Origin string `json:"origin,omitempty"`
}

// Checker is the read side of the circuit. Components receive a Checker and
// consult it before any state-changing work.
type Checker interface {
	IsHalted() bool
}

// Check returns ErrHalted when c reports a halt. A nil Checker never halts.
func Check(c Checker) error {
	if c != nil && c.IsHalted() {
		return ErrHalted
	}
	return nil
}
