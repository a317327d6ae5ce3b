package contracts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknet-labs/poc-core/pkg/contracts"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/referral"
)

func testContract() contracts.Definition {
	return contracts.Definition{
		ID:       "contract-1",
		Steward:  "steward",
		BudgetID: "budget-1",
		Referral: referral.Config{
			LevelsBps:     []uint32{1_000},
			MinimumPayout: 1,
		},
	}
}

func TestFundBudgetCompiles(t *testing.T) {
	muts, err := testContract().Compile(contracts.Action{
		Type: contracts.ActionFundBudget, From: "steward", Amount: 5_000, Memo: "q3",
	}, referral.NewTree())
	require.NoError(t, err)

	require.Len(t, muts, 1)
	assert.Equal(t, ledger.MutationFundBudget, muts[0].Type)
	assert.Equal(t, "budget-1", muts[0].Budget)
	assert.Equal(t, uint64(5_000), muts[0].Amount)
}

func TestExecuteWorkWithReferral(t *testing.T) {
	tree := referral.NewTree()
	tree.Link("alice", "bob", 0)

	muts, err := testContract().Compile(contracts.Action{
		Type: contracts.ActionExecuteWork, Worker: "worker", Payout: 5_000, ReferralOrigin: "bob",
	}, tree)
	require.NoError(t, err)
	require.Len(t, muts, 2)

	spend := muts[0]
	assert.Equal(t, ledger.MutationSpendBudget, spend.Type)
	assert.Equal(t, "budget-1", spend.Budget)
	// Only the worker payout draws on the budget pool.
	require.Len(t, spend.Transfers, 1)
	assert.Equal(t, "worker", spend.Transfers[0].To)
	assert.Equal(t, uint64(5_000), spend.Transfers[0].Amount)

	payouts := muts[1]
	assert.Equal(t, ledger.MutationReferralPayouts, payouts.Type)
	assert.Equal(t, "contract-1", payouts.Contract)
	require.Len(t, payouts.Payouts, 1)
	assert.Equal(t, "alice", payouts.Payouts[0].Recipient)
	assert.Equal(t, uint64(500), payouts.Payouts[0].Amount)
}

func TestExecuteWorkWithoutSponsorChain(t *testing.T) {
	muts, err := testContract().Compile(contracts.Action{
		Type: contracts.ActionExecuteWork, Worker: "worker", Payout: 1_000, ReferralOrigin: "loner",
	}, referral.NewTree())
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, ledger.MutationSpendBudget, muts[0].Type)
}

func TestCompileRejectsInvalidActions(t *testing.T) {
	tree := referral.NewTree()
	cases := []contracts.Action{
		{Type: "mystery"},
		{Type: contracts.ActionFundBudget, Amount: 1},
		{Type: contracts.ActionFundBudget, From: "a"},
		{Type: contracts.ActionExecuteWork, Payout: 1},
		{Type: contracts.ActionExecuteWork, Worker: "w"},
	}
	for _, action := range cases {
		_, err := testContract().Compile(action, tree)
		assert.Error(t, err, "action %+v", action)
	}
}

func TestExecuteWorkMutationsCompile(t *testing.T) {
	tree := referral.NewTree()
	tree.Link("alice", "bob", 0)
	muts, err := testContract().Compile(contracts.Action{
		Type: contracts.ActionExecuteWork, Worker: "worker", Payout: 5_000, ReferralOrigin: "bob",
	}, tree)
	require.NoError(t, err)

	set, err := ledger.CompileMutations(muts)
	require.NoError(t, err)

	// Referral rewards are minted, so emitted equals the referral total and
	// the budget debit equals the worker payout alone.
	assert.Equal(t, uint64(500), set.Emitted)
	var budgetDebit int64
	for _, d := range set.Deltas {
		if d.Field == ledger.FieldBudget && d.Amount < 0 {
			budgetDebit += -d.Amount
		}
	}
	assert.Equal(t, int64(5_000), budgetDebit)
}
