// Package poc holds the Proof-of-Contract receipt format and its two pure
// checks: structural validation and committee quorum verification. Nothing
// here touches ledger state.
package poc

import (
	"github.com/blocknet-labs/poc-core/pkg/codec"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
)

// Outcome is the off-chain execution result a receipt attests to.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Valid reports whether the outcome is one of the defined variants.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// MemberSignature is one committee member's signature over the receipt
// digest.
type MemberSignature struct {
	MemberID  string         `json:"member_id"`
	Signature codec.HexBytes `json:"signature"`
}

// AggregatedSignature carries an algebraically aggregated attestation. The
// core treats the scheme as opaque; an AggregateVerifier recovers which
// members validly signed.
type AggregatedSignature struct {
	Participants []string       `json:"participants"`
	Signature    codec.HexBytes `json:"signature"`
}

// Receipt is a committee-attested record of one off-chain contract
// execution. It is immutable once constructed; its identity is the digest
// of everything except the signature envelope.
type Receipt struct {
	SCID       string            `json:"scid"`
	MerkleRoot codec.Digest      `json:"merkle_root"`
	CTHash     codec.Digest      `json:"ct_hash"`
	Outcome    Outcome           `json:"outcome"`
	Mutations  []ledger.Mutation `json:"mutations,omitempty"`

	// ClaimedDigest, when present, must match the recomputed digest.
	ClaimedDigest *codec.Digest `json:"digest,omitempty"`

	Signatures []MemberSignature    `json:"signatures,omitempty"`
	Aggregated *AggregatedSignature `json:"aggregated,omitempty"`
}

// receiptCore is the canonical digest preimage: every identity-bearing
// field, no signatures, fixed field order via RFC 8785.
type receiptCore struct {
	SCID       string            `json:"scid"`
	MerkleRoot codec.Digest      `json:"merkle_root"`
	CTHash     codec.Digest      `json:"ct_hash"`
	Outcome    Outcome           `json:"outcome"`
	Mutations  []ledger.Mutation `json:"mutations,omitempty"`
}

// Digest computes the receipt digest: the canonical hash of the receipt's
// fields excluding signatures. This is the idempotency key.
func (r *Receipt) Digest() (codec.Digest, error) {
	return codec.CanonicalDigest(receiptCore{
		SCID:       r.SCID,
		MerkleRoot: r.MerkleRoot,
		CTHash:     r.CTHash,
		Outcome:    r.Outcome,
		Mutations:  r.Mutations,
	})
}
