package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/hashing"
)

// Envelope is a single immutable record in the ledger.
type Envelope struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"` // dotted, e.g. "executive.task.activated"
	Actor          string          `json:"actor"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  uuid.UUID       `json:"correlation_id"`
	PrevHash       string          `json:"prev_hash"`
	EventHash      string          `json:"event_hash"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of seq %d: %w", e.SequenceNumber, err)
	}
	return nil
}

// hashedFields is the part of an envelope committed to by its hash.
type hashedFields struct {
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
}

// CanonicalBytes returns the canonical serialization of the hashed fields of e.
func CanonicalBytes(e *Envelope) ([]byte, error) {
	payload := e.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload of seq %d is not valid JSON", e.SequenceNumber)
	}
	return hashing.Canonical(hashedFields{
		Actor:         e.Actor,
		CorrelationID: e.CorrelationID.String(),
		EventType:     e.EventType,
		Payload:       payload,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ComputeHash returns H(canonical_bytes || prev_hash) as lowercase hex.
func ComputeHash(alg hashing.Algorithm, e *Envelope) (string, error) {
	b, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	return hashing.SumHex(alg, b, []byte(e.PrevHash)), nil
}

// canonicalPayload turns an arbitrary payload into canonical JSON.
func canonicalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return hashing.CanonicalJSON(p)
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return hashing.CanonicalJSON(p)
	default:
		return hashing.Canonical(p)
	}
}
