package hashing

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return CanonicalJSON(raw)
}

// CanonicalJSON rewrites an already-encoded JSON document into canonical form.
// An empty input is treated as JSON null.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the hex digest of the canonical form of v.
func CanonicalHash(alg Algorithm, v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SumHex(alg, b), nil
}
