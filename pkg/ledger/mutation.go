package ledger

import (
	"fmt"
	"math"
	"math/bits"
)

// MutationType discriminates the mutation variants carried by receipts.
type MutationType string

const (
	MutationEmit            MutationType = "emit"
	MutationTransfer        MutationType = "transfer"
	MutationFundBudget      MutationType = "fund_budget"
	MutationSpendBudget     MutationType = "spend_budget"
	MutationReferralPayouts MutationType = "referral_payouts"
	MutationBurn            MutationType = "burn"
)

// BudgetTransfer is a single payout inside a budget spend plan.
type BudgetTransfer struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// ReferralPayout credits a referral sponsor. Referral rewards are minted
// against the emission schedule rather than debited from the budget.
type ReferralPayout struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Level     uint32 `json:"level"`
}

// Mutation is one intended ledger change inside a receipt. The Type field
// selects the variant; unused fields stay empty and are omitted from the
// canonical encoding.
type Mutation struct {
	Type      MutationType     `json:"type"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Amount    uint64           `json:"amount,omitempty"`
	Memo      string           `json:"memo,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Budget    string           `json:"budget,omitempty"`
	Contract  string           `json:"contract,omitempty"`
	Transfers []BudgetTransfer `json:"transfers,omitempty"`
	Payouts   []ReferralPayout `json:"payouts,omitempty"`
}

// DeltaSet is the compiled form of a receipt's mutations: per-account field
// deltas, the event payloads to append on commit, and the emission/burn
// totals the store must account for.
type DeltaSet struct {
	Deltas  []Delta
	Events  []Event
	Emitted uint64
	Burned  uint64
}

// MaxAmount bounds every mutation amount. Amounts above it would sign-flip
// through the signed Delta encoding, and totals past it could wrap the
// uint64 accumulators that guard the emission cap.
const MaxAmount = uint64(math.MaxInt64)

func checkAmount(kind MutationType, i int, amount uint64) error {
	if amount > MaxAmount {
		return fmt.Errorf("%w: %s at index %d amount %d exceeds maximum %d",
			ErrMalformedMutation, kind, i, amount, MaxAmount)
	}
	return nil
}

// addAmount is overflow-checked accumulation for emission, burn, and spend
// totals.
func addAmount(kind MutationType, i int, total, amount uint64) (uint64, error) {
	sum, carry := bits.Add64(total, amount, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %s at index %d overflows amount total",
			ErrMalformedMutation, kind, i)
	}
	return sum, nil
}

// CompileMutations translates receipt mutations into a DeltaSet. It is pure:
// it never reads ledger state, so balance checks happen later under the
// store's serialization boundary.
func CompileMutations(muts []Mutation) (*DeltaSet, error) {
	set := &DeltaSet{}
	var err error
	for i, m := range muts {
		switch m.Type {
		case MutationEmit:
			if m.To == "" || m.Amount == 0 {
				return nil, fmt.Errorf("%w: emit at index %d requires to and amount", ErrMalformedMutation, i)
			}
			if err := checkAmount(m.Type, i, m.Amount); err != nil {
				return nil, err
			}
			set.credit(m.To, FieldBalance, m.Amount)
			if set.Emitted, err = addAmount(m.Type, i, set.Emitted, m.Amount); err != nil {
				return nil, err
			}
			set.event(EventEmission, map[string]any{
				"to": m.To, "amount": m.Amount, "reason": m.Reason,
			})

		case MutationTransfer:
			if m.From == "" || m.To == "" || m.Amount == 0 {
				return nil, fmt.Errorf("%w: transfer at index %d requires from, to, and amount", ErrMalformedMutation, i)
			}
			if err := checkAmount(m.Type, i, m.Amount); err != nil {
				return nil, err
			}
			set.debit(m.From, FieldBalance, m.Amount)
			set.credit(m.To, FieldBalance, m.Amount)
			set.event(EventTransfer, map[string]any{
				"from": m.From, "to": m.To, "amount": m.Amount, "memo": m.Memo,
			})

		case MutationFundBudget:
			if m.From == "" || m.Budget == "" || m.Amount == 0 {
				return nil, fmt.Errorf("%w: fund_budget at index %d requires from, budget, and amount", ErrMalformedMutation, i)
			}
			if err := checkAmount(m.Type, i, m.Amount); err != nil {
				return nil, err
			}
			set.debit(m.From, FieldBalance, m.Amount)
			set.credit(m.Budget, FieldBudget, m.Amount)
			set.event(EventBudgetFunded, map[string]any{
				"from": m.From, "budget": m.Budget, "amount": m.Amount, "memo": m.Memo,
			})

		case MutationSpendBudget:
			if m.Budget == "" || len(m.Transfers) == 0 {
				return nil, fmt.Errorf("%w: spend_budget at index %d requires budget and transfers", ErrMalformedMutation, i)
			}
			var total uint64
			for _, t := range m.Transfers {
				if t.To == "" || t.Amount == 0 {
					return nil, fmt.Errorf("%w: spend_budget at index %d has empty transfer", ErrMalformedMutation, i)
				}
				if err := checkAmount(m.Type, i, t.Amount); err != nil {
					return nil, err
				}
				if total, err = addAmount(m.Type, i, total, t.Amount); err != nil {
					return nil, err
				}
				set.credit(t.To, FieldBalance, t.Amount)
				set.event(EventBudgetDebited, map[string]any{
					"budget": m.Budget, "to": t.To, "amount": t.Amount, "memo": t.Memo,
				})
			}
			// The plan total is debited as one signed delta, so it is bound
			// by the same limit as a single amount.
			if err := checkAmount(m.Type, i, total); err != nil {
				return nil, err
			}
			set.debit(m.Budget, FieldBudget, total)

		case MutationReferralPayouts:
			if len(m.Payouts) == 0 {
				return nil, fmt.Errorf("%w: referral_payouts at index %d has no payouts", ErrMalformedMutation, i)
			}
			for _, p := range m.Payouts {
				if p.Recipient == "" || p.Amount == 0 {
					return nil, fmt.Errorf("%w: referral_payouts at index %d has empty payout", ErrMalformedMutation, i)
				}
				if err := checkAmount(m.Type, i, p.Amount); err != nil {
					return nil, err
				}
				set.credit(p.Recipient, FieldBalance, p.Amount)
				if set.Emitted, err = addAmount(m.Type, i, set.Emitted, p.Amount); err != nil {
					return nil, err
				}
				set.event(EventReferralPayout, map[string]any{
					"contract": m.Contract, "recipient": p.Recipient, "amount": p.Amount, "level": p.Level,
				})
			}

		case MutationBurn:
			if m.From == "" || m.Amount == 0 {
				return nil, fmt.Errorf("%w: burn at index %d requires from and amount", ErrMalformedMutation, i)
			}
			if err := checkAmount(m.Type, i, m.Amount); err != nil {
				return nil, err
			}
			set.debit(m.From, FieldBalance, m.Amount)
			if set.Burned, err = addAmount(m.Type, i, set.Burned, m.Amount); err != nil {
				return nil, err
			}
			set.event(EventBurn, map[string]any{
				"from": m.From, "amount": m.Amount, "reason": m.Reason,
			})

		default:
			return nil, fmt.Errorf("%w: unknown mutation type %q at index %d", ErrMalformedMutation, m.Type, i)
		}
	}
	return set, nil
}

func (s *DeltaSet) credit(account string, field Field, amount uint64) {
	s.Deltas = append(s.Deltas, Delta{Account: account, Field: field, Amount: int64(amount)})
}

func (s *DeltaSet) debit(account string, field Field, amount uint64) {
	s.Deltas = append(s.Deltas, Delta{Account: account, Field: field, Amount: -int64(amount)})
}

func (s *DeltaSet) event(kind EventKind, payload map[string]any) {
	s.Events = append(s.Events, Event{Kind: kind, Payload: payload})
}
