package poc

import (
	"crypto/ed25519"
	"fmt"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

// Member is a committee member's identity and verification key.
type Member struct {
	ID        string         `json:"id"`
	PublicKey codec.HexBytes `json:"public_key"`
}

// Committee is an immutable membership snapshot valid at a ledger height.
// The core consumes these by value and never mutates membership.
type Committee struct {
	Quorum  int      `json:"quorum"`
	Members []Member `json:"members"`
}

// PublicKey returns the verification key for a member id.
func (c Committee) PublicKey(id string) (ed25519.PublicKey, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			if len(m.PublicKey) != ed25519.PublicKeySize {
				return nil, false
			}
			return ed25519.PublicKey(m.PublicKey), true
		}
	}
	return nil, false
}

// AggregateVerifier recovers per-member attribution from a receipt's
// signature envelope. Implementations must be tolerant: a forged or
// malformed entry is excluded from the returned set, never fatal, so the
// quorum count stays independent of the aggregation scheme.
type AggregateVerifier interface {
	// VerifyAggregate returns the set of member ids whose signatures over
	// digest are valid under the committee's keys.
	VerifyAggregate(digest codec.Digest, receipt *Receipt, committee Committee) (map[string]bool, error)
}

// ConcatVerifier implements the naive concatenation scheme: the envelope is
// the list of per-member ed25519 signatures carried on the receipt.
type ConcatVerifier struct{}

func (ConcatVerifier) VerifyAggregate(digest codec.Digest, receipt *Receipt, committee Committee) (map[string]bool, error) {
	valid := make(map[string]bool)
	for _, sig := range receipt.Signatures {
		if valid[sig.MemberID] {
			continue // a member signing twice counts once
		}
		key, ok := committee.PublicKey(sig.MemberID)
		if !ok {
			continue // unknown member, discarded
		}
		if len(sig.Signature) != ed25519.SignatureSize {
			continue
		}
		if ed25519.Verify(key, digest[:], sig.Signature) {
			valid[sig.MemberID] = true
		}
	}
	return valid, nil
}

// VerifyCommittee checks that a receipt carries at least quorum-many valid,
// unique committee signatures over its digest. Invalid entries are simply
// excluded, which tolerates partially Byzantine signature sets.
func VerifyCommittee(receipt *Receipt, committee Committee, agg AggregateVerifier) error {
	if agg == nil {
		agg = ConcatVerifier{}
	}
	digest, err := receipt.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	valid, err := agg.VerifyAggregate(digest, receipt, committee)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if len(valid) < committee.Quorum {
		return fmt.Errorf("%w: %d valid signatures, quorum %d", ErrQuorumNotMet, len(valid), committee.Quorum)
	}
	return nil
}

// SignDigest signs a receipt digest with a member's private key. Committee
// members run this off-chain; the core only verifies.
func SignDigest(priv ed25519.PrivateKey, digest codec.Digest) codec.HexBytes {
	return ed25519.Sign(priv, digest[:])
}
