// Package twophase records state-changing operations as an intent followed
// by exactly one outcome, and finds intents whose outcome never arrived.
//
// The intent is chained into the ledger before the operation starts, so an
// observer can prove an attempt happened even if its outcome is withheld.
package twophase

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Ledger event types written by this package.
const (
	EventIntentEmitted   = "twophase.intent_emitted"
	EventCommitConfirmed = "twophase.commit_confirmed"
	EventFailureRecorded = "twophase.failure_recorded"
	EventWitnessGap      = "constitutional.violation.witness_gap"
)

// Failure reasons set by this package.
const (
	ReasonOrphanTimeout   = "ORPHAN_TIMEOUT"
	ReasonOperationFailed = "OPERATION_FAILED"
	ReasonPanic           = "PANIC"
)

var (
	// ErrUnknownIntent is returned when resolving a correlation id that has
	// no intent.
	ErrUnknownIntent = errors.New("twophase: no intent for correlation id")

	// ErrAlreadyResolved is returned when resolving an intent that already
	// has an outcome.
	ErrAlreadyResolved = errors.New("twophase: intent already resolved")
)

// IntentPayload is the payload of an intent_emitted envelope.
type IntentPayload struct {
	OperationType string          `json:"operation_type"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// CommitPayload is the payload of a commit_confirmed envelope.
type CommitPayload struct {
	IntentSequence int64           `json:"intent_sequence"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// FailurePayload is the payload of a failure_recorded envelope.
type FailurePayload struct {
	IntentSequence int64           `json:"intent_sequence"`
	Reason         string          `json:"reason"`
	Details        json.RawMessage `json:"details,omitempty"`
	AutoResolved   bool            `json:"auto_resolved"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

// Violation kinds reported by the gap detector.
const (
	ViolationOutcomeWithoutIntent = "outcome_without_intent"
	ViolationUnresolvedIntent     = "unresolved_intent"
	ViolationDuplicateOutcome     = "duplicate_outcome"
)

// Violation is the payload of a witness_gap envelope.
type Violation struct {
	Kind            string    `json:"kind"`
	CorrelationID   uuid.UUID `json:"correlation_id"`
	IntentSequence  *int64    `json:"intent_sequence,omitempty"`
	OutcomeSequence *int64    `json:"outcome_sequence,omitempty"`
	DetectedBy      string    `json:"detected_by"`
}

// IsOutcome reports whether eventType resolves an intent.
func IsOutcome(eventType string) bool {
	return eventType == EventCommitConfirmed || eventType == EventFailureRecorded
}
