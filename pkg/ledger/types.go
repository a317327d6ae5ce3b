// Package ledger holds the authoritative NOS account state: balances,
// contract budgets, the applied-receipt index, the event log, and periodic
// snapshots. All mutation flows through Store.ApplyDelta as one atomic unit.
package ledger

import (
	"time"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

// NOSScale is the number of minimal units per whole NOS.
const NOSScale uint64 = 100_000_000

// Account is a single ledger account. An account may represent a user
// wallet, a contract budget, or a steward; Balance and Budget are separate
// fund pools on the same record.
type Account struct {
	ID      string `json:"id"`
	Balance uint64 `json:"balance"`
	Budget  uint64 `json:"budget"`
	Nonce   uint64 `json:"nonce"`
}

// Field names a mutable fund pool on an account.
type Field string

const (
	FieldBalance Field = "balance"
	FieldBudget  Field = "budget"
)

// Delta is a signed change to one field of one account. A delta with no
// debited source (an emission) is bounded by the emission schedule.
type Delta struct {
	Account string `json:"account"`
	Field   Field  `json:"field"`
	Amount  int64  `json:"amount"`
}

// AppliedReceiptRecord marks a receipt digest as applied. Its existence is
// the idempotency guard: a digest recorded here is never re-applied.
type AppliedReceiptRecord struct {
	Digest    codec.Digest `json:"digest"`
	Height    uint64       `json:"height"`
	Outcome   string       `json:"outcome"`
	AppliedAt time.Time    `json:"applied_at"`
}

// EventKind categorizes ledger events.
type EventKind string

const (
	EventReceiptApplied   EventKind = "receipt_applied"
	EventSnapshotProduced EventKind = "snapshot_produced"
	EventBudgetExhausted  EventKind = "budget_exhausted"
	EventEmission         EventKind = "emission"
	EventTransfer         EventKind = "transfer"
	EventBudgetFunded     EventKind = "budget_funded"
	EventBudgetDebited    EventKind = "budget_debited"
	EventReferralPayout   EventKind = "referral_payout"
	EventBurn             EventKind = "burn"
)

// Event is an append-only record in the ledger's event log, ordered by
// application order. External observers consume events but never mutate them.
type Event struct {
	ID      string         `json:"id"`
	Kind    EventKind      `json:"kind"`
	Height  uint64         `json:"height"`
	Payload map[string]any `json:"payload"`
	Time    time.Time      `json:"time"`
}

// Snapshot is an immutable, height-tagged copy of ledger state used for
// pruning and light-client proofs.
type Snapshot struct {
	Height      uint64       `json:"height"`
	Root        codec.Digest `json:"merkle_root"`
	Timestamp   time.Time    `json:"timestamp"`
	PrevReceipt codec.Digest `json:"prev_receipt"`
	Accounts    []Account    `json:"accounts"`
}

// EmissionSchedule bounds total NOS creation across the life of the process.
// A zero TotalCap means emission is disabled entirely.
type EmissionSchedule struct {
	TotalCap uint64 `json:"total_cap"`
}

// DefaultEmissionSchedule caps emission at 100M NOS.
func DefaultEmissionSchedule() EmissionSchedule {
	return EmissionSchedule{TotalCap: 100_000_000 * NOSScale}
}
