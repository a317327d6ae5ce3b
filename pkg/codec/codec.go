// Package codec provides canonical, deterministic encoding and hashing for
// receipts and ledger records.
//
// Canonical form is RFC 8785 (JSON Canonicalization Scheme): lexicographic
// key order, no HTML escaping, deterministic number formatting. Two
// semantically identical values always produce byte-identical encodings,
// which is load-bearing for digest-based idempotency.
package codec

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: canonicalization failed: %w", err)
	}
	return out, nil
}

// CanonicalDigest returns the SHA-256 digest of the canonical encoding of v.
func CanonicalDigest(v any) (Digest, error) {
	b, err := Canonical(v)
	if err != nil {
		return Digest{}, err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}
