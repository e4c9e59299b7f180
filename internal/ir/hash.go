package ir

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
)

// DomainState prefixes state digests. The version suffix allows a later
// algorithm change.
const DomainState = "mutesync/state/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalOperation returns the canonical-JSON form of a rich operation.
// The payload is base64 encoded.
func CanonicalOperation(op RichOperation) map[string]any {
	return map[string]any{
		"site_id": op.SiteID,
		"clock":   op.Clock,
		"kind":    op.Op.Kind.String(),
		"payload": base64.StdEncoding.EncodeToString(op.Op.Payload),
	}
}

// CanonicalVector returns the canonical-JSON form of a vector.
func CanonicalVector(v StateVector) map[string]any {
	out := make(map[string]any, v.Len())
	v.ForEach(func(id, clock int) {
		out[strconv.Itoa(id)] = clock
	})
	return out
}

// CanonicalState returns the canonical-JSON form of a state.
func CanonicalState(s State) map[string]any {
	log := make([]any, len(s.Log))
	for i, op := range s.Log {
		log[i] = CanonicalOperation(op)
	}
	return map[string]any{
		"schema": SchemaVersion,
		"vector": CanonicalVector(s.Vector),
		"log":    log,
	}
}

// StateDigest computes a content digest of a state. Two replicas that
// applied the same operations in the same order share a digest.
func StateDigest(s State) (string, error) {
	canonical, err := MarshalCanonical(CanonicalState(s))
	if err != nil {
		return "", fmt.Errorf("StateDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// ContentDigest is like StateDigest but ignores application order: only the
// vector and the set of operations count. Replicas that converged through
// different interleavings of concurrent sites share a content digest.
func ContentDigest(s State) (string, error) {
	sorted := make([]RichOperation, len(s.Log))
	copy(sorted, s.Log)
	sortByDot(sorted)
	return StateDigest(State{Vector: s.Vector, Log: sorted})
}

// MustStateDigest is like StateDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustStateDigest(s State) string {
	d, err := StateDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}
