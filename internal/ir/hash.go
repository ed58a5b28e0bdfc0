package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for hashed identities.
// Version suffix enables future algorithm migration.
const (
	DomainNode  = "smithers/node/v1"
	DomainTree  = "smithers/tree/v1"
	DomainDeps  = "smithers/deps/v1"
	DomainState = "smithers/state/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NodeIDLength is the number of hex characters kept from the node hash.
const NodeIDLength = 16

// NodeID derives a node's identity from its position in the tree.
// It depends only on the parent's id, the node's key (or sibling index when
// no key is given) and its kind, so the same plan yields the same ids across
// renders and across process restarts.
func NodeID(parentID, keyOrIndex string, kind NodeKind) string {
	parent := parentID
	if parent == "" {
		parent = "root"
	}
	data := fmt.Sprintf("%s/%s:%s", parent, keyOrIndex, kind)
	return hashWithDomain(DomainNode, []byte(data))[:NodeIDLength]
}

// TreeHash hashes a serialized (canonical) frame tree.
func TreeHash(serialized []byte) string {
	return hashWithDomain(DomainTree, serialized)
}

// DepsSignature returns the canonical signature of an effect's deps.
// Two deps values are equal iff their signatures are equal.
func DepsSignature(deps IRValue) (string, error) {
	canonical, err := MarshalCanonical(normalizeNil(deps))
	if err != nil {
		return "", fmt.Errorf("DepsSignature: %w", err)
	}
	return hashWithDomain(DomainDeps, canonical), nil
}

// StateHash hashes a full state map. Used by the frame storm guard to detect
// a render/state feedback loop.
func StateHash(entries map[string]IRValue) (string, error) {
	canonical, err := MarshalCanonical(IRObject(entries))
	if err != nil {
		return "", fmt.Errorf("StateHash: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// MustDepsSignature is like DepsSignature but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDepsSignature(deps IRValue) string {
	sig, err := DepsSignature(deps)
	if err != nil {
		panic(err)
	}
	return sig
}
