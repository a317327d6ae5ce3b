package poc

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blocknet-labs/poc-core/pkg/ledger"
)

// wireSchema validates the canonical receipt wire encoding before any
// cryptographic work: fixed-width hex digests, known outcome variants, and
// the signature envelope shape.
var wireSchema = jsonschema.MustCompileString("receipt.schema.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["scid", "merkle_root", "ct_hash", "outcome"],
	"properties": {
		"scid": {"type": "string", "minLength": 1},
		"merkle_root": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"ct_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"outcome": {"enum": ["success", "failure", "partial"]},
		"digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"mutations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {"type": {"type": "string", "minLength": 1}}
			}
		},
		"signatures": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["member_id", "signature"],
				"properties": {
					"member_id": {"type": "string", "minLength": 1},
					"signature": {"type": "string", "pattern": "^[0-9a-f]*$"}
				}
			}
		},
		"aggregated": {
			"type": "object",
			"required": ["participants", "signature"],
			"properties": {
				"participants": {"type": "array", "items": {"type": "string"}},
				"signature": {"type": "string", "pattern": "^[0-9a-f]*$"}
			}
		}
	}
}`)

// DecodeWire parses and validates a wire-encoded receipt. Schema violations
// and undecodable JSON both surface as ErrMalformedReceipt.
func DecodeWire(raw []byte) (*Receipt, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if err := wireSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if err := ValidateShape(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidateShape runs the structural and semantic checks on a receipt that
// need no ledger state and no signature work. It is pure and side-effect
// free.
func ValidateShape(r *Receipt) error {
	if r.SCID == "" {
		return fmt.Errorf("%w: empty scid", ErrMalformedReceipt)
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrMalformedReceipt, r.Outcome)
	}
	if r.CTHash.IsZero() {
		return fmt.Errorf("%w: missing ct_hash", ErrMalformedReceipt)
	}
	if _, err := ledger.CompileMutations(r.Mutations); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if r.ClaimedDigest != nil {
		digest, err := r.Digest()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
		}
		if digest != *r.ClaimedDigest {
			return fmt.Errorf("%w: claimed digest %s does not match %s", ErrMalformedReceipt, r.ClaimedDigest, digest)
		}
	}
	return nil
}
