// Package hashing holds the digest primitives shared by the ledger, the Merkle
// layer and the offline verifier.
//
// Every digest is addressed by name so the algorithm can be selected from
// configuration and recorded next to the data it protects. Leaf and internal
// Merkle nodes are domain separated with a one-byte prefix; canonical byte
// forms are produced with RFC 8785 (JSON Canonicalization Scheme).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Names of the built-in algorithms.
const (
	SHA256     = "sha256"
	SHA3_256   = "sha3-256"
	BLAKE2b256 = "blake2b-256"

	// Default is used when no algorithm is configured.
	Default = SHA256
)

// Domain separation prefixes for Merkle hashing.
const (
	LeafPrefix byte = 0x00
	NodePrefix byte = 0x01
)

// ErrUnknownAlgorithm is returned by Lookup for an unregistered name.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Algorithm is a named digest function.
type Algorithm interface {
	Name() string
	// Size is the digest length in bytes.
	Size() int
	// Sum hashes the concatenation of parts.
	Sum(parts ...[]byte) []byte
}

type algorithm struct {
	name string
	size int
	new  func() hash.Hash
}

func (a *algorithm) Name() string { return a.name }
func (a *algorithm) Size() int    { return a.size }

func (a *algorithm) Sum(parts ...[]byte) []byte {
	h := a.new()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

var registry = map[string]Algorithm{
	SHA256: &algorithm{name: SHA256, size: sha256.Size, new: sha256.New},
	SHA3_256: &algorithm{name: SHA3_256, size: 32, new: func() hash.Hash {
		return sha3.New256()
	}},
	BLAKE2b256: &algorithm{name: BLAKE2b256, size: blake2b.Size256, new: func() hash.Hash {
		// New256 only fails for keys longer than 64 bytes.
		h, _ := blake2b.New256(nil)
		return h
	}},
}

// Lookup returns the algorithm registered under name. Names are case-insensitive.
func Lookup(name string) (Algorithm, error) {
	a, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// MustLookup is like Lookup but panics on an unknown name.
func MustLookup(name string) Algorithm {
	a, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return a
}

// Names lists the registered algorithm names in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GenesisHash is the all-zero digest used as prev_hash of sequence 1.
func GenesisHash(alg Algorithm) string {
	return strings.Repeat("0", alg.Size()*2)
}

// SumHex hashes parts and returns the lowercase hex digest.
func SumHex(alg Algorithm, parts ...[]byte) string {
	return hex.EncodeToString(alg.Sum(parts...))
}

// LeafHash returns H(0x00 || data).
func LeafHash(alg Algorithm, data []byte) []byte {
	return alg.Sum([]byte{LeafPrefix}, data)
}

// NodeHash returns H(0x01 || left || right). Children are never reordered.
func NodeHash(alg Algorithm, left, right []byte) []byte {
	return alg.Sum([]byte{NodePrefix}, left, right)
}

// DecodeHex decodes a hex digest and checks its length against alg.
func DecodeHex(alg Algorithm, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != alg.Size() {
		return nil, fmt.Errorf("digest length %d, want %d for %s", len(b), alg.Size(), alg.Name())
	}
	return b, nil
}
