package poc_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknet-labs/poc-core/pkg/codec"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/poc"
)

type testCommittee struct {
	committee poc.Committee
	keys      map[string]ed25519.PrivateKey
}

// newTestCommittee creates n members with quorum q.
func newTestCommittee(t *testing.T, n, q int) *testCommittee {
	t.Helper()
	tc := &testCommittee{
		committee: poc.Committee{Quorum: q},
		keys:      make(map[string]ed25519.PrivateKey),
	}
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("member-%d", i)
		tc.committee.Members = append(tc.committee.Members, poc.Member{
			ID: id, PublicKey: codec.HexBytes(pub),
		})
		tc.keys[id] = priv
	}
	return tc
}

// sign appends valid signatures from the named members.
func (tc *testCommittee) sign(t *testing.T, r *poc.Receipt, ids ...string) {
	t.Helper()
	digest, err := r.Digest()
	require.NoError(t, err)
	for _, id := range ids {
		r.Signatures = append(r.Signatures, poc.MemberSignature{
			MemberID:  id,
			Signature: poc.SignDigest(tc.keys[id], digest),
		})
	}
}

func testReceipt(t *testing.T) *poc.Receipt {
	t.Helper()
	ct, err := codec.CanonicalDigest("contract-trace")
	require.NoError(t, err)
	return &poc.Receipt{
		SCID:       "scid-1",
		MerkleRoot: codec.Digest{},
		CTHash:     ct,
		Outcome:    poc.OutcomeSuccess,
		Mutations: []ledger.Mutation{
			{Type: ledger.MutationEmit, To: "alice", Amount: 100},
		},
	}
}

func TestQuorumExactlyMet(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1", "member-2")

	assert.NoError(t, poc.VerifyCommittee(r, tc.committee, nil))
}

func TestQuorumNotMet(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1")

	err := poc.VerifyCommittee(r, tc.committee, nil)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
}

func TestByzantineSignaturesAreExcludedNotFatal(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1", "member-2")

	// Two byzantine members attach garbage signatures.
	r.Signatures = append(r.Signatures,
		poc.MemberSignature{MemberID: "member-3", Signature: make(codec.HexBytes, ed25519.SignatureSize)},
		poc.MemberSignature{MemberID: "member-4", Signature: codec.HexBytes("short")},
	)

	assert.NoError(t, poc.VerifyCommittee(r, tc.committee, nil))
}

func TestByzantineSignaturesDoNotCountTowardQuorum(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1")
	r.Signatures = append(r.Signatures,
		poc.MemberSignature{MemberID: "member-2", Signature: make(codec.HexBytes, ed25519.SignatureSize)},
	)

	err := poc.VerifyCommittee(r, tc.committee, nil)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
}

func TestDuplicateMemberCountsOnce(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-0", "member-0", "member-1")

	err := poc.VerifyCommittee(r, tc.committee, nil)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
}

func TestUnknownMemberIsIgnored(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	stranger := newTestCommittee(t, 1, 1)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1")

	digest, err := r.Digest()
	require.NoError(t, err)
	r.Signatures = append(r.Signatures, poc.MemberSignature{
		MemberID:  "outsider",
		Signature: poc.SignDigest(stranger.keys["member-0"], digest),
	})

	err = poc.VerifyCommittee(r, tc.committee, nil)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
}

func TestSignatureOverDifferentDigestRejected(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1")

	// member-2 signs a tampered copy of the receipt.
	tampered := *r
	tampered.Signatures = nil
	tampered.Mutations = []ledger.Mutation{
		{Type: ledger.MutationEmit, To: "mallory", Amount: 1_000_000},
	}
	otherDigest, err := tampered.Digest()
	require.NoError(t, err)
	r.Signatures = append(r.Signatures, poc.MemberSignature{
		MemberID:  "member-2",
		Signature: poc.SignDigest(tc.keys["member-2"], otherDigest),
	})

	err = poc.VerifyCommittee(r, tc.committee, nil)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
}

func TestQuorumMonotonicity(t *testing.T) {
	// Adding more valid signatures never turns an accepted receipt into a
	// rejected one.
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	tc.sign(t, r, "member-0", "member-1", "member-2")
	require.NoError(t, poc.VerifyCommittee(r, tc.committee, nil))

	tc.sign(t, r, "member-3")
	assert.NoError(t, poc.VerifyCommittee(r, tc.committee, nil))

	tc.sign(t, r, "member-4")
	assert.NoError(t, poc.VerifyCommittee(r, tc.committee, nil))
}

func TestReceiptDigestIgnoresSignatureEnvelope(t *testing.T) {
	tc := newTestCommittee(t, 5, 3)
	r := testReceipt(t)
	before, err := r.Digest()
	require.NoError(t, err)

	tc.sign(t, r, "member-0", "member-1", "member-2")
	after, err := r.Digest()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
