package ledger

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

// ApplyRequest carries everything Store.ApplyDelta commits as one atomic
// unit: the per-account deltas, the event payloads, and the emission/burn
// totals produced by CompileMutations.
type ApplyRequest struct {
	Digest  codec.Digest
	Outcome string
	Deltas  []Delta
	Events  []Event
	Emitted uint64
	Burned  uint64
}

// Stats summarizes the counters the store tracks across applications.
type Stats struct {
	Height      uint64
	Emitted     uint64
	Burned      uint64
	PrevReceipt codec.Digest
}

// Store is the authoritative ledger state. ApplyDelta is the single
// mutation entry point; it executes under a serializing discipline so the
// duplicate-check-then-write sequence is atomic. Implementations return
// ErrDuplicateReceipt, ErrInsufficientFunds, ErrEmissionCapExceeded, or
// ErrLedgerConflict; any failure leaves state untouched.
type Store interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// ApplyDelta commits all deltas, the applied-receipt record, and the
	// event log entries as one unit, then returns the record and the
	// post-application state of every touched account.
	ApplyDelta(ctx context.Context, req ApplyRequest) (AppliedReceiptRecord, []Account, error)

	HasApplied(ctx context.Context, digest codec.Digest) (bool, error)
	GetApplied(ctx context.Context, digest codec.Digest) (AppliedReceiptRecord, error)

	Stats(ctx context.Context) (Stats, error)

	// Events returns log entries with height greater than afterHeight, in
	// application order. limit <= 0 means no limit.
	Events(ctx context.Context, afterHeight uint64, limit int) ([]Event, error)

	// AppendEvents durably appends non-receipt events (e.g.
	// snapshot_produced) to the log in order. Entries must arrive with id,
	// height, and time already set.
	AppendEvents(ctx context.Context, events []Event) error

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, height uint64) (Snapshot, error)

	Close() error
}

// checkEmissionCap is the overflow-safe cap test shared by the stores. A
// carry on the addition means the running total already left uint64 range,
// which exceeds any cap.
func checkEmissionCap(emitted, requested, limit uint64) error {
	if requested == 0 {
		return nil
	}
	total, carry := bits.Add64(emitted, requested, 0)
	if carry != 0 || total > limit {
		return fmt.Errorf("%w: %d + %d > cap %d", ErrEmissionCapExceeded, emitted, requested, limit)
	}
	return nil
}

// applyToAccounts runs the delta list against the touched account set,
// enforcing the non-negative invariant and bumping nonces. It returns the
// updated accounts (sorted by id) and any budget_exhausted events. The
// input map entries for unknown accounts must be zero-valued Accounts with
// ID set; credits create accounts, debits against them fail.
func applyToAccounts(touched map[string]Account, deltas []Delta) ([]Account, []Event, error) {
	exhausted := map[string]bool{}
	for _, d := range deltas {
		acc, ok := touched[d.Account]
		if !ok {
			return nil, nil, fmt.Errorf("ledger: delta references unloaded account %q", d.Account)
		}
		var pool *uint64
		switch d.Field {
		case FieldBalance:
			pool = &acc.Balance
		case FieldBudget:
			pool = &acc.Budget
		default:
			return nil, nil, fmt.Errorf("%w: unknown field %q", ErrMalformedMutation, d.Field)
		}
		if d.Amount < 0 {
			debit := uint64(-d.Amount)
			if *pool < debit {
				return nil, nil, fmt.Errorf("%w: account %s %s %d < %d", ErrInsufficientFunds, d.Account, d.Field, *pool, debit)
			}
			*pool -= debit
			if d.Field == FieldBudget && *pool == 0 {
				exhausted[d.Account] = true
			}
		} else {
			sum, carry := bits.Add64(*pool, uint64(d.Amount), 0)
			if carry != 0 {
				return nil, nil, fmt.Errorf("%w: account %s %s credit overflows", ErrMalformedMutation, d.Account, d.Field)
			}
			*pool = sum
			if d.Field == FieldBudget && *pool > 0 {
				delete(exhausted, d.Account)
			}
		}
		acc.Nonce++
		touched[d.Account] = acc
	}

	updated := make([]Account, 0, len(touched))
	for _, acc := range touched {
		updated = append(updated, acc)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })

	var events []Event
	ids := make([]string, 0, len(exhausted))
	for id := range exhausted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		events = append(events, Event{
			Kind:    EventBudgetExhausted,
			Payload: map[string]any{"budget": id},
		})
	}
	return updated, events, nil
}

// finalizeEvents stamps id, height, and time onto pending events and
// appends the trailing receipt_applied entry, preserving commit order.
func finalizeEvents(pending []Event, req ApplyRequest, height uint64, now time.Time) []Event {
	out := make([]Event, 0, len(pending)+1)
	for _, ev := range pending {
		ev.ID = uuid.New().String()
		ev.Height = height
		ev.Time = now
		out = append(out, ev)
	}
	out = append(out, Event{
		ID:     uuid.New().String(),
		Kind:   EventReceiptApplied,
		Height: height,
		Payload: map[string]any{
			"digest":  req.Digest.String(),
			"outcome": req.Outcome,
		},
		Time: now,
	})
	return out
}

// touchedAccounts collects the distinct account ids referenced by deltas.
func touchedAccounts(deltas []Delta) []string {
	seen := map[string]bool{}
	var ids []string
	for _, d := range deltas {
		if !seen[d.Account] {
			seen[d.Account] = true
			ids = append(ids, d.Account)
		}
	}
	sort.Strings(ids)
	return ids
}
