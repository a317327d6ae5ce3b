// Package contracts expands contract actions into ledger mutations. A
// contract binds a steward account, a budget pool, and a referral policy;
// its actions compile to the mutation list a receipt carries.
package contracts

import (
	"fmt"

	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/referral"
)

// Definition describes one deployed contract.
type Definition struct {
	ID       string          `json:"id"`
	Steward  string          `json:"steward"`
	BudgetID string          `json:"budget_id"`
	Referral referral.Config `json:"referral"`
}

// ActionType discriminates contract actions.
type ActionType string

const (
	ActionFundBudget  ActionType = "fund_budget"
	ActionExecuteWork ActionType = "execute_work"
)

// Action is a request against a contract. FundBudget moves balance from an
// account into the contract's budget pool; ExecuteWork pays a worker from
// the pool and triggers referral rewards for the origin's sponsor chain.
type Action struct {
	Type           ActionType `json:"type"`
	From           string     `json:"from,omitempty"`
	Amount         uint64     `json:"amount,omitempty"`
	Memo           string     `json:"memo,omitempty"`
	Worker         string     `json:"worker,omitempty"`
	Payout         uint64     `json:"payout,omitempty"`
	ReferralOrigin string     `json:"referral_origin,omitempty"`
}

// Compile turns an action into the mutation list for a receipt. Referral
// rewards ride as a separate referral_payouts mutation and are minted
// against the emission schedule; the budget pool is only debited for the
// worker payout itself.
func (d Definition) Compile(action Action, tree *referral.Tree) ([]ledger.Mutation, error) {
	switch action.Type {
	case ActionFundBudget:
		if action.From == "" || action.Amount == 0 {
			return nil, fmt.Errorf("contracts: fund_budget on %s requires from and amount", d.ID)
		}
		return []ledger.Mutation{{
			Type:   ledger.MutationFundBudget,
			From:   action.From,
			Budget: d.BudgetID,
			Amount: action.Amount,
			Memo:   action.Memo,
		}}, nil

	case ActionExecuteWork:
		if action.Worker == "" || action.Payout == 0 {
			return nil, fmt.Errorf("contracts: execute_work on %s requires worker and payout", d.ID)
		}
		muts := []ledger.Mutation{{
			Type:   ledger.MutationSpendBudget,
			Budget: d.BudgetID,
			Transfers: []ledger.BudgetTransfer{{
				To:     action.Worker,
				Amount: action.Payout,
				Memo:   fmt.Sprintf("contract:%s payout", d.ID),
			}},
		}}
		if action.ReferralOrigin != "" {
			engine := referral.NewEngine(d.Referral, tree)
			payouts := engine.CalculatePayouts(action.Payout, action.ReferralOrigin)
			if len(payouts) > 0 {
				muts = append(muts, ledger.Mutation{
					Type:     ledger.MutationReferralPayouts,
					Contract: d.ID,
					Payouts:  payouts,
				})
			}
		}
		return muts, nil

	default:
		return nil, fmt.Errorf("contracts: unknown action type %q", action.Type)
	}
}
