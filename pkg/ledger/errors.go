package ledger

import "errors"

var (
	// ErrNotFound is returned for unknown accounts, snapshots, or records.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateReceipt is returned when a receipt digest has already been
	// applied. Callers treat this as the original success, not a failure.
	ErrDuplicateReceipt = errors.New("ledger: duplicate receipt")

	// ErrInsufficientFunds is returned when a delta would drive a balance or
	// budget negative. Nothing is applied.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrEmissionCapExceeded is returned when an emission delta would exceed
	// the process-wide emission schedule.
	ErrEmissionCapExceeded = errors.New("ledger: emission cap exceeded")

	// ErrLedgerConflict is an internal serialization failure on concurrent
	// writes. The application engine retries it; it never reaches callers.
	ErrLedgerConflict = errors.New("ledger: write conflict")

	// ErrMalformedMutation is returned when a mutation fails structural
	// compilation into deltas.
	ErrMalformedMutation = errors.New("ledger: malformed mutation")
)
