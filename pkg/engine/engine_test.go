package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknet-labs/poc-core/pkg/codec"
	"github.com/blocknet-labs/poc-core/pkg/engine"
	"github.com/blocknet-labs/poc-core/pkg/events"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/poc"
)

type fixture struct {
	store     ledger.Store
	eng       *engine.Engine
	committee poc.Committee
	keys      map[string]ed25519.PrivateKey
}

func newFixture(t *testing.T, store ledger.Store, opts ...engine.Option) *fixture {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore(ledger.DefaultEmissionSchedule())
	}
	f := &fixture{
		store:     store,
		committee: poc.Committee{Quorum: 3},
		keys:      make(map[string]ed25519.PrivateKey),
	}
	for i := 0; i < 5; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("member-%d", i)
		f.committee.Members = append(f.committee.Members, poc.Member{
			ID: id, PublicKey: codec.HexBytes(pub),
		})
		f.keys[id] = priv
	}

	eng, err := engine.New(context.Background(), f.store,
		engine.StaticCommitteeSource{Committee: f.committee},
		append([]engine.Option{engine.WithLogger(slog.Default())}, opts...)...)
	require.NoError(t, err)
	f.eng = eng
	return f
}

// receipt builds a receipt against the engine's current root, signed by the
// named members.
func (f *fixture) receipt(t *testing.T, scid string, outcome poc.Outcome, muts []ledger.Mutation, signers ...string) *poc.Receipt {
	t.Helper()
	ct, err := codec.CanonicalDigest("trace:" + scid)
	require.NoError(t, err)
	r := &poc.Receipt{
		SCID:       scid,
		MerkleRoot: f.eng.Root(),
		CTHash:     ct,
		Outcome:    outcome,
		Mutations:  muts,
	}
	digest, err := r.Digest()
	require.NoError(t, err)
	for _, id := range signers {
		r.Signatures = append(r.Signatures, poc.MemberSignature{
			MemberID:  id,
			Signature: poc.SignDigest(f.keys[id], digest),
		})
	}
	return r
}

func emit(to string, amount uint64) []ledger.Mutation {
	return []ledger.Mutation{{Type: ledger.MutationEmit, To: to, Amount: amount, Reason: "test"}}
}

func quorum3() []string { return []string{"member-0", "member-1", "member-2"} }

func TestSubmitReceiptAppliesMutations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	before := f.eng.Root()

	r := f.receipt(t, "scid-genesis", poc.OutcomeSuccess, emit("alice", 1000), quorum3()...)
	outcome, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)

	assert.Equal(t, engine.StateApplied, outcome.State)
	assert.False(t, outcome.Duplicate)
	assert.Equal(t, uint64(1), outcome.Record.Height)
	assert.NotEqual(t, before, f.eng.Root())

	acc, err := f.eng.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), acc.Balance)
}

func TestDuplicateSubmissionReturnsOriginalOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.receipt(t, "scid-dup", poc.OutcomeSuccess, emit("alice", 500), quorum3()...)
	first, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)

	second, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, first.Digest, second.Digest)

	acc, err := f.eng.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Balance)
}

func TestStaleRootRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale := f.receipt(t, "scid-stale", poc.OutcomeSuccess, emit("bob", 10), quorum3()...)

	// Advance the ledger so the captured root goes stale.
	fresh := f.receipt(t, "scid-advance", poc.OutcomeSuccess, emit("alice", 10), quorum3()...)
	_, err := f.eng.SubmitReceipt(ctx, fresh)
	require.NoError(t, err)

	_, err = f.eng.SubmitReceipt(ctx, stale)
	assert.ErrorIs(t, err, engine.ErrStaleStateRoot)

	_, err = f.eng.GetAccount(ctx, "bob")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQuorumFailureRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.receipt(t, "scid-thin", poc.OutcomeSuccess, emit("alice", 10), "member-0", "member-1")
	outcome, err := f.eng.SubmitReceipt(ctx, r)
	assert.ErrorIs(t, err, poc.ErrQuorumNotMet)
	assert.Equal(t, engine.StateRejected, outcome.State)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Height)
}

func TestMalformedReceiptRejected(t *testing.T) {
	f := newFixture(t, nil)
	r := f.receipt(t, "", poc.OutcomeSuccess, emit("alice", 10), quorum3()...)
	_, err := f.eng.SubmitReceipt(context.Background(), r)
	assert.ErrorIs(t, err, poc.ErrMalformedReceipt)
}

func TestFailureOutcomeRecordsWithZeroDelta(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.receipt(t, "scid-fail", poc.OutcomeFailure, emit("alice", 999), quorum3()...)
	outcome, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, outcome.State)
	assert.Equal(t, "failure", outcome.Record.Outcome)

	// No balance moved, but the receipt is on record and replays as a
	// duplicate.
	_, err = f.eng.GetAccount(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	again, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestInsufficientFundsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitReceipt(ctx,
		f.receipt(t, "scid-seed", poc.OutcomeSuccess, emit("alice", 50), quorum3()...))
	require.NoError(t, err)

	r := f.receipt(t, "scid-overdraw", poc.OutcomeSuccess, []ledger.Mutation{
		{Type: ledger.MutationTransfer, From: "alice", To: "bob", Amount: 500},
	}, quorum3()...)
	_, err = f.eng.SubmitReceipt(ctx, r)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	acc, err := f.eng.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), acc.Balance)
}

func TestConservationAcrossSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	steps := [][]ledger.Mutation{
		emit("alice", 10_000),
		{{Type: ledger.MutationTransfer, From: "alice", To: "bob", Amount: 2_500}},
		{{Type: ledger.MutationFundBudget, From: "alice", Budget: "pool", Amount: 3_000}},
		{{Type: ledger.MutationSpendBudget, Budget: "pool", Transfers: []ledger.BudgetTransfer{
			{To: "carol", Amount: 1_200},
		}}},
		{{Type: ledger.MutationBurn, From: "bob", Amount: 400, Reason: "penalty"}},
	}
	for i, muts := range steps {
		r := f.receipt(t, fmt.Sprintf("scid-%d", i), poc.OutcomeSuccess, muts, quorum3()...)
		_, err := f.eng.SubmitReceipt(ctx, r)
		require.NoError(t, err)
	}

	accounts, err := f.store.ListAccounts(ctx)
	require.NoError(t, err)
	var total uint64
	for _, acc := range accounts {
		total += acc.Balance + acc.Budget
	}
	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Emitted-stats.Burned, total)
}

func TestSnapshotCadence(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, nil,
		engine.WithSnapshotCadence(2),
		engine.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := f.receipt(t, fmt.Sprintf("scid-%d", i), poc.OutcomeSuccess,
			emit(fmt.Sprintf("acct-%d", i), 100), quorum3()...)
		_, err := f.eng.SubmitReceipt(ctx, r)
		require.NoError(t, err)
	}

	snap, err := f.eng.GetSnapshot(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Height)
	assert.Len(t, snap.Accounts, 2)

	_, err = f.eng.GetSnapshot(ctx, 3)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSnapshotRootMatchesAccumulator(t *testing.T) {
	f := newFixture(t, nil, engine.WithSnapshotCadence(1))
	ctx := context.Background()

	r := f.receipt(t, "scid-snap", poc.OutcomeSuccess, emit("alice", 100), quorum3()...)
	_, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)

	snap, err := f.eng.GetSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, f.eng.Root(), snap.Root)
}

func TestProofAgainstEngineRoot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.receipt(t, "scid-proof", poc.OutcomeSuccess, emit("alice", 77), quorum3()...)
	_, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)

	proof, err := f.eng.GetProof("alice")
	require.NoError(t, err)
	assert.Equal(t, f.eng.Root(), proof.Root)
}

func TestFeedDeliversCommittedEvents(t *testing.T) {
	feed := events.NewFeed(slog.Default())
	ch, cancel := feed.Subscribe(16)
	defer cancel()

	f := newFixture(t, nil, engine.WithFeed(feed))
	r := f.receipt(t, "scid-feed", poc.OutcomeSuccess, emit("alice", 10), quorum3()...)
	_, err := f.eng.SubmitReceipt(context.Background(), r)
	require.NoError(t, err)

	var kinds []ledger.EventKind
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	require.Len(t, kinds, 2)
	assert.Equal(t, ledger.EventEmission, kinds[0])
	assert.Equal(t, ledger.EventReceiptApplied, kinds[1])
}

func TestConcurrentIdenticalSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.receipt(t, "scid-race", poc.OutcomeSuccess, emit("alice", 250), quorum3()...)

	const submitters = 16
	outcomes := make([]engine.ApplicationOutcome, submitters)
	errs := make([]error, submitters)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(submitters)
	for i := 0; i < submitters; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			outcomes[i], errs[i] = f.eng.SubmitReceipt(ctx, r)
		}(i)
	}
	start.Done()
	done.Wait()

	// Exactly one submission wins; every loser gets the original outcome
	// back as a duplicate success, never a stale-root rejection.
	var winners int
	for i := 0; i < submitters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, engine.StateApplied, outcomes[i].State)
		assert.Equal(t, uint64(1), outcomes[i].Record.Height)
		if !outcomes[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	acc, err := f.eng.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), acc.Balance)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Height)
	assert.Equal(t, uint64(250), stats.Emitted)
}

// conflictingStore fails the first n ApplyDelta calls with ErrLedgerConflict.
type conflictingStore struct {
	ledger.Store
	remaining int
}

func (s *conflictingStore) ApplyDelta(ctx context.Context, req ledger.ApplyRequest) (ledger.AppliedReceiptRecord, []ledger.Account, error) {
	if s.remaining > 0 {
		s.remaining--
		return ledger.AppliedReceiptRecord{}, nil, ledger.ErrLedgerConflict
	}
	return s.Store.ApplyDelta(ctx, req)
}

func TestLedgerConflictRetriedInternally(t *testing.T) {
	base := ledger.NewMemoryStore(ledger.DefaultEmissionSchedule())
	f := newFixture(t, &conflictingStore{Store: base, remaining: 2})
	ctx := context.Background()

	r := f.receipt(t, "scid-conflict", poc.OutcomeSuccess, emit("alice", 10), quorum3()...)
	outcome, err := f.eng.SubmitReceipt(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateApplied, outcome.State)

	acc, err := f.eng.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), acc.Balance)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	base := ledger.NewMemoryStore(ledger.DefaultEmissionSchedule())
	f := newFixture(t, &conflictingStore{Store: base, remaining: 100})

	r := f.receipt(t, "scid-hot", poc.OutcomeSuccess, emit("alice", 10), quorum3()...)
	_, err := f.eng.SubmitReceipt(context.Background(), r)
	assert.ErrorIs(t, err, ledger.ErrLedgerConflict)
}
