// Package merkle builds binary Merkle trees over event hashes and produces
// and checks proofs of inclusion.
//
// Leaves are H(0x00 || event_hash) and internal nodes H(0x01 || left || right).
// Children keep their position: a node's left child is always the lower
// index, so swapping siblings changes the root. A level with an odd number
// of nodes is never formed; the leaf level is padded to the next power of
// two by repeating the last leaf.
package merkle

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/hashing"
)

var (
	// ErrNoLeaves is returned when building a tree without leaves.
	ErrNoLeaves = errors.New("merkle: no leaves")

	// ErrLeafIndex is returned for a proof request outside the real leaves.
	ErrLeafIndex = errors.New("merkle: leaf index out of range")
)

// Tree is an immutable Merkle tree.
type Tree struct {
	alg    hashing.Algorithm
	levels [][][]byte // levels[0] are the padded leaves, the last level is the root
	hashes []string   // the real event hashes, in leaf order
}

// Build constructs a tree over event hashes given as hex digests.
func Build(alg hashing.Algorithm, eventHashes []string) (*Tree, error) {
	if len(eventHashes) == 0 {
		return nil, ErrNoLeaves
	}

	width := 1
	for width < len(eventHashes) {
		width <<= 1
	}
	leaves := make([][]byte, width)
	for i, h := range eventHashes {
		b, err := hashing.DecodeHex(alg, h)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		leaves[i] = hashing.LeafHash(alg, b)
	}
	for i := len(eventHashes); i < width; i++ {
		leaves[i] = leaves[len(eventHashes)-1]
	}

	levels := [][][]byte{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([][]byte, len(cur)/2)
		for i := range next {
			next[i] = hashing.NodeHash(alg, cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}

	return &Tree{
		alg:    alg,
		levels: levels,
		hashes: append([]string(nil), eventHashes...),
	}, nil
}

// Root returns the root as lowercase hex.
func (t *Tree) Root() string {
	return hex.EncodeToString(t.levels[len(t.levels)-1][0])
}

// Len returns the number of real leaves.
func (t *Tree) Len() int { return len(t.hashes) }

// Depth returns the number of sibling hashes in every proof.
func (t *Tree) Depth() int { return len(t.levels) - 1 }

// Algorithm returns the hash algorithm of the tree.
func (t *Tree) Algorithm() hashing.Algorithm { return t.alg }

// Path returns the sibling hashes from leaf i up to the root.
func (t *Tree) Path(i int) ([]string, error) {
	if i < 0 || i >= len(t.hashes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafIndex, i, len(t.hashes))
	}
	path := make([]string, 0, t.Depth())
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		path = append(path, hex.EncodeToString(level[idx^1]))
		idx >>= 1
	}
	return path, nil
}

// Proof returns the inclusion proof for leaf i. EventID and Epoch are left
// for the caller, which knows the envelope and epoch the tree was built for.
func (t *Tree) Proof(i int) (Proof, error) {
	path, err := t.Path(i)
	if err != nil {
		return Proof{}, err
	}
	return Proof{
		EventHash:  t.hashes[i],
		MerklePath: path,
		MerkleRoot: t.Root(),
		LeafIndex:  int64(i),
		Algorithm:  t.alg.Name(),
	}, nil
}

// Proof is a self-contained proof that an event hash is included under a
// Merkle root.
type Proof struct {
	EventID    uuid.UUID `json:"event_id"`
	EventHash  string    `json:"event_hash"`
	MerklePath []string  `json:"merkle_path"`
	MerkleRoot string    `json:"merkle_root"`
	Epoch      int64     `json:"epoch"`
	LeafIndex  int64     `json:"leaf_index"`
	Algorithm  string    `json:"algorithm,omitempty"`
}

// VerifyProof replays p.MerklePath against p.EventHash and compares the
// result with p.MerkleRoot. Bit i of the leaf index says whether the running
// hash is the right (1) or left (0) child at level i. It needs nothing but
// the proof; malformed proofs verify as false.
//
// The proof does not carry the tree's leaf count. When the last real leaf
// was duplicated to pad the tree, its proof also verifies at the padding
// indices that follow it, so a verifier that needs the exact position must
// check LeafIndex against the epoch's event count.
func VerifyProof(p Proof) bool {
	name := p.Algorithm
	if name == "" {
		name = hashing.Default
	}
	alg, err := hashing.Lookup(name)
	if err != nil {
		return false
	}
	if p.LeafIndex < 0 || len(p.MerklePath) > 62 {
		return false
	}
	leaf, err := hashing.DecodeHex(alg, p.EventHash)
	if err != nil {
		return false
	}
	root, err := hashing.DecodeHex(alg, p.MerkleRoot)
	if err != nil {
		return false
	}

	h := hashing.LeafHash(alg, leaf)
	idx := p.LeafIndex
	for _, s := range p.MerklePath {
		sib, err := hashing.DecodeHex(alg, s)
		if err != nil {
			return false
		}
		if idx&1 == 1 {
			h = hashing.NodeHash(alg, sib, h)
		} else {
			h = hashing.NodeHash(alg, h, sib)
		}
		idx >>= 1
	}
	if idx != 0 {
		return false
	}
	return bytes.Equal(h, root)
}
