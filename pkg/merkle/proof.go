package merkle

import "github.com/blocknet-labs/poc-core/pkg/codec"

// Side marks which side of the pair the sibling hash sits on.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Side    Side         `json:"side"`
	Sibling codec.Digest `json:"sibling"`
}

// InclusionProof shows that a leaf is part of the tree identified by Root.
// Light clients verify it against a trusted snapshot root.
type InclusionProof struct {
	Key      string       `json:"key"`
	LeafHash codec.Digest `json:"leaf_hash"`
	Root     codec.Digest `json:"root"`
	Path     []ProofStep  `json:"path"`
}

// Verify folds the proof path from the leaf and checks the result against
// expectedRoot. The proof's embedded root must also match.
func Verify(proof InclusionProof, expectedRoot codec.Digest) bool {
	if proof.Root != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == SideLeft {
			current = nodeHash(step.Sibling, current)
		} else {
			current = nodeHash(current, step.Sibling)
		}
	}
	return current == expectedRoot
}
