package poc

import "errors"

var (
	// ErrMalformedReceipt marks structural or encoding defects. Never
	// retried; reported to the submitter.
	ErrMalformedReceipt = errors.New("poc: malformed receipt")

	// ErrQuorumNotMet means fewer valid, unique committee signatures than
	// the quorum threshold survived verification.
	ErrQuorumNotMet = errors.New("poc: quorum not met")

	// ErrSignatureInvalid marks an attestation envelope the verifier could
	// not process at all, e.g. an undecodable aggregate blob.
	ErrSignatureInvalid = errors.New("poc: signature invalid")
)
