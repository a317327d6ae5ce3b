// Package merkle maintains the ledger's account hash tree. The root is a
// deterministic function of the account set alone: leaves are keyed by
// account id in lexicographic order, so update order never changes the root.
//
// The accumulator holds only derived state; the ledger store remains the
// source of truth and the tree can always be rebuilt from it.
package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/blocknet-labs/poc-core/pkg/codec"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
)

const (
	leafPrefix = "nos:ledger:acct:v1"
	nodePrefix = "nos:ledger:node:v1"
	emptySeed  = "nos:ledger:empty:v1"
)

// AccountLeaf computes the leaf digest for one account record. Fields are
// NUL-separated with little-endian integers so two distinct accounts can
// never collide on leaf bytes.
func AccountLeaf(acc ledger.Account) codec.Digest {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(acc.ID)
	buf.WriteByte(0)
	var scratch [8]byte
	for _, v := range []uint64{acc.Balance, acc.Budget, acc.Nonce} {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}
	return codec.HashBytes(buf.Bytes())
}

// EmptyRoot is the root of a tree with no accounts.
func EmptyRoot() codec.Digest {
	return codec.HashBytes([]byte(emptySeed))
}

func nodeHash(left, right codec.Digest) codec.Digest {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(left[:])
	buf.Write(right[:])
	return codec.HashBytes(buf.Bytes())
}

// Accumulator is the incremental hash tree. Updating an existing account
// recomputes only its path to the root; inserting a new account rebuilds
// the cached levels, since the sorted position of every later leaf shifts.
// Account creation is a once-per-account event, so the O(n) insert is paid
// rarely; a keyed trie would make inserts logarithmic too if churn ever
// dominates.
type Accumulator struct {
	mu     sync.RWMutex
	keys   []string
	leaves []codec.Digest
	levels [][]codec.Digest
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Build constructs an accumulator from a full account set, e.g. at process
// start from the ledger store.
func Build(accounts []ledger.Account) *Accumulator {
	a := New()
	sorted := make([]ledger.Account, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, acc := range sorted {
		a.keys = append(a.keys, acc.ID)
		a.leaves = append(a.leaves, AccountLeaf(acc))
	}
	a.rebuild()
	return a
}

// Update sets the leaf for key and returns the new root.
func (a *Accumulator) Update(key string, leaf codec.Digest) codec.Digest {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := sort.SearchStrings(a.keys, key)
	if idx < len(a.keys) && a.keys[idx] == key {
		a.leaves[idx] = leaf
		a.recomputePath(idx)
	} else {
		a.keys = append(a.keys, "")
		copy(a.keys[idx+1:], a.keys[idx:])
		a.keys[idx] = key
		a.leaves = append(a.leaves, codec.Digest{})
		copy(a.leaves[idx+1:], a.leaves[idx:])
		a.leaves[idx] = leaf
		a.rebuild()
	}
	return a.rootLocked()
}

// UpdateAccount is Update with the leaf computed from the account record.
func (a *Accumulator) UpdateAccount(acc ledger.Account) codec.Digest {
	return a.Update(acc.ID, AccountLeaf(acc))
}

// Root returns the current root digest.
func (a *Accumulator) Root() codec.Digest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootLocked()
}

// Size returns the number of leaves.
func (a *Accumulator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

func (a *Accumulator) rootLocked() codec.Digest {
	if len(a.leaves) == 0 {
		return EmptyRoot()
	}
	top := a.levels[len(a.levels)-1]
	return top[0]
}

// rebuild recomputes every level bottom-up. The last odd node on a level
// pairs with itself, matching the proof algorithm.
func (a *Accumulator) rebuild() {
	if len(a.leaves) == 0 {
		a.levels = nil
		return
	}
	levels := [][]codec.Digest{append([]codec.Digest(nil), a.leaves...)}
	current := levels[0]
	for len(current) > 1 {
		next := make([]codec.Digest, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next[i/2] = nodeHash(current[i], current[i+1])
			} else {
				next[i/2] = nodeHash(current[i], current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}
	a.levels = levels
}

// recomputePath refreshes the node chain above leaf idx only.
func (a *Accumulator) recomputePath(idx int) {
	if len(a.levels) == 0 {
		return
	}
	a.levels[0][idx] = a.leaves[idx]
	for level := 0; level+1 < len(a.levels); level++ {
		nodes := a.levels[level]
		pair := idx &^ 1
		var parent codec.Digest
		if pair+1 < len(nodes) {
			parent = nodeHash(nodes[pair], nodes[pair+1])
		} else {
			parent = nodeHash(nodes[pair], nodes[pair])
		}
		idx /= 2
		a.levels[level+1][idx] = parent
	}
}

// Prove produces an inclusion proof for key against the current root.
func (a *Accumulator) Prove(key string) (InclusionProof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	idx := sort.SearchStrings(a.keys, key)
	if idx >= len(a.keys) || a.keys[idx] != key {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf for key %q", key)
	}

	proof := InclusionProof{
		Key:      key,
		LeafHash: a.leaves[idx],
		Root:     a.rootLocked(),
	}
	for level := 0; level+1 < len(a.levels); level++ {
		nodes := a.levels[level]
		sibling := idx ^ 1
		if sibling >= len(nodes) {
			sibling = idx // odd tail pairs with itself
		}
		step := ProofStep{Sibling: nodes[sibling]}
		if sibling < idx {
			step.Side = SideLeft
		} else {
			step.Side = SideRight
		}
		proof.Path = append(proof.Path, step)
		idx /= 2
	}
	return proof, nil
}
