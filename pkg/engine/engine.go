// Package engine orchestrates receipt application: shape validation, quorum
// verification, idempotent ledger commit, root maintenance, and event
// fan-out. The engine holds no persistent state of its own; the ledger
// store is the source of truth and the merkle accumulator is rebuilt from
// it at startup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/blocknet-labs/poc-core/pkg/codec"
	"github.com/blocknet-labs/poc-core/pkg/events"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/merkle"
	"github.com/blocknet-labs/poc-core/pkg/poc"
)

// ErrStaleStateRoot is returned when a receipt references a ledger root
// that is no longer current. The submitter should re-execute against the
// current height and resubmit.
var ErrStaleStateRoot = errors.New("engine: stale state root")

// CommitteeSource supplies immutable committee snapshots keyed by ledger
// height. The engine never mutates membership.
type CommitteeSource interface {
	CommitteeAt(ctx context.Context, height uint64) (poc.Committee, error)
}

// StaticCommitteeSource serves one fixed committee for every height.
type StaticCommitteeSource struct {
	Committee poc.Committee
}

func (s StaticCommitteeSource) CommitteeAt(context.Context, uint64) (poc.Committee, error) {
	return s.Committee, nil
}

// State names a receipt's position in the application state machine.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateVerified  State = "verified"
	StateApplied   State = "applied"
	StateRejected  State = "rejected"
)

// ApplicationOutcome reports a successful submission. Duplicate marks a
// byte-identical resubmission of an already-applied receipt, surfaced as
// the original success so at-least-once delivery stays safe.
type ApplicationOutcome struct {
	State     State                       `json:"state"`
	Digest    codec.Digest                `json:"digest"`
	Record    ledger.AppliedReceiptRecord `json:"record"`
	Duplicate bool                        `json:"duplicate"`
}

// Engine is the top-level entry point of the receipt pipeline.
type Engine struct {
	store      ledger.Store
	acc        *merkle.Accumulator
	committees CommitteeSource
	agg        poc.AggregateVerifier
	feed       *events.Feed
	logger     *slog.Logger
	clock      func() time.Time

	// applyMu makes the staleness check, the store commit, and the
	// accumulator update one atomic section. Validation and verification
	// run outside it.
	applyMu sync.Mutex

	snapshotEvery uint64
	maxRetries    int

	tracer    trace.Tracer
	submitted metric.Int64Counter
	applied   metric.Int64Counter
	rejected  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "engine") }
}

// WithAggregateVerifier overrides the signature aggregation scheme.
func WithAggregateVerifier(agg poc.AggregateVerifier) Option {
	return func(e *Engine) { e.agg = agg }
}

// WithFeed attaches an event feed for fan-out after commit.
func WithFeed(feed *events.Feed) Option {
	return func(e *Engine) { e.feed = feed }
}

// WithSnapshotCadence produces a snapshot every n applied receipts.
// n == 0 disables automatic snapshots.
func WithSnapshotCadence(n uint64) Option {
	return func(e *Engine) { e.snapshotEvery = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New builds an engine over the given store, rebuilding the merkle
// accumulator from the full account set.
func New(ctx context.Context, store ledger.Store, committees CommitteeSource, opts ...Option) (*Engine, error) {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load accounts: %w", err)
	}

	meter := otel.Meter("github.com/blocknet-labs/poc-core/pkg/engine")
	submitted, _ := meter.Int64Counter("poc.receipts.submitted")
	applied, _ := meter.Int64Counter("poc.receipts.applied")
	rejected, _ := meter.Int64Counter("poc.receipts.rejected")

	e := &Engine{
		store:      store,
		acc:        merkle.Build(accounts),
		committees: committees,
		agg:        poc.ConcatVerifier{},
		logger:     slog.Default().With("component", "engine"),
		clock:      time.Now,
		maxRetries: 3,
		tracer:     otel.Tracer("github.com/blocknet-labs/poc-core/pkg/engine"),
		submitted:  submitted,
		applied:    applied,
		rejected:   rejected,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the current account state root.
func (e *Engine) Root() codec.Digest {
	return e.acc.Root()
}

// GetAccount reads one account from the store.
func (e *Engine) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// GetSnapshot reads the snapshot produced at a height.
func (e *Engine) GetSnapshot(ctx context.Context, height uint64) (ledger.Snapshot, error) {
	return e.store.GetSnapshot(ctx, height)
}

// GetProof produces an inclusion proof for an account against the current
// root.
func (e *Engine) GetProof(id string) (merkle.InclusionProof, error) {
	return e.acc.Prove(id)
}

// SubmitReceipt is the sole mutation entry point. It drives the receipt
// through Received, Validated, Verified, Applied; any check failure is a
// terminal rejection for this submission attempt. A byte-identical
// resubmission of an applied receipt returns the original outcome.
func (e *Engine) SubmitReceipt(ctx context.Context, r *poc.Receipt) (ApplicationOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SubmitReceipt")
	defer span.End()
	e.submitted.Add(ctx, 1)

	// Received -> Validated
	if err := poc.ValidateShape(r); err != nil {
		return e.reject(ctx, span, codec.Digest{}, err)
	}
	digest, err := r.Digest()
	if err != nil {
		return e.reject(ctx, span, codec.Digest{}, fmt.Errorf("%w: %v", poc.ErrMalformedReceipt, err))
	}
	span.SetAttributes(attribute.String("receipt.digest", digest.String()))

	// Fast idempotency path, re-checked atomically inside ApplyDelta.
	if record, err := e.store.GetApplied(ctx, digest); err == nil {
		return e.duplicateOutcome(ctx, digest, record), nil
	}

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return ApplicationOutcome{}, fmt.Errorf("engine: read stats: %w", err)
	}

	// Validated -> Verified
	committee, err := e.committees.CommitteeAt(ctx, stats.Height)
	if err != nil {
		return ApplicationOutcome{}, fmt.Errorf("engine: committee at height %d: %w", stats.Height, err)
	}
	if err := poc.VerifyCommittee(r, committee, e.agg); err != nil {
		return e.reject(ctx, span, digest, err)
	}

	// Verified -> Applied
	set, err := e.compileDelta(r)
	if err != nil {
		return e.reject(ctx, span, digest, err)
	}
	req := ledger.ApplyRequest{
		Digest:  digest,
		Outcome: string(r.Outcome),
		Deltas:  set.Deltas,
		Events:  set.Events,
		Emitted: set.Emitted,
		Burned:  set.Burned,
	}

	res, err := e.apply(ctx, r, req)
	if err != nil {
		return e.reject(ctx, span, digest, err)
	}
	if res.duplicate {
		return e.duplicateOutcome(ctx, digest, res.record), nil
	}

	e.applied.Add(ctx, 1)
	e.logger.Info("receipt applied",
		"digest", digest, "height", res.record.Height, "outcome", res.record.Outcome, "root", res.root)

	// Fan-out and snapshot persistence run outside the critical section.
	// Commit order is preserved by the durable-log read-back and the feed's
	// own serialization.
	e.publishSince(ctx, res.record.Height-1)
	if res.snapshotAccounts != nil {
		if err := e.produceSnapshot(ctx, res.record, res.root, res.snapshotAccounts); err != nil {
			e.logger.Error("snapshot production failed", "height", res.record.Height, "error", err)
		}
	}

	return ApplicationOutcome{
		State:  StateApplied,
		Digest: digest,
		Record: res.record,
	}, nil
}

// applyResult is what the locked section hands back to SubmitReceipt.
// snapshotAccounts is non-nil only when the committed height is on the
// snapshot cadence; it is captured under the lock so the account set matches
// that height exactly.
type applyResult struct {
	record           ledger.AppliedReceiptRecord
	root             codec.Digest
	duplicate        bool
	snapshotAccounts []ledger.Account
}

// apply holds applyMu across the staleness check, the store commit, and the
// accumulator update so they form one atomic section. Everything with
// external I/O fan-out stays outside.
func (e *Engine) apply(ctx context.Context, r *poc.Receipt, req ledger.ApplyRequest) (applyResult, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	// The duplicate check precedes the staleness check: a concurrent
	// identical submission that lost the race must surface the original
	// success, not a stale-root rejection against the root its twin just
	// advanced.
	if original, err := e.store.GetApplied(ctx, req.Digest); err == nil {
		return applyResult{record: original, duplicate: true}, nil
	}

	var record ledger.AppliedReceiptRecord
	var updated []ledger.Account
	var err error
	for attempt := 0; ; attempt++ {
		if e.acc.Root() != r.MerkleRoot {
			return applyResult{}, fmt.Errorf("%w: receipt root %s, current %s",
				ErrStaleStateRoot, r.MerkleRoot, e.acc.Root())
		}
		record, updated, err = e.store.ApplyDelta(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, ledger.ErrDuplicateReceipt) {
			// Lost the race to a concurrent identical submission.
			original, getErr := e.store.GetApplied(ctx, req.Digest)
			if getErr != nil {
				return applyResult{}, fmt.Errorf("engine: read applied record: %w", getErr)
			}
			return applyResult{record: original, duplicate: true}, nil
		}
		if errors.Is(err, ledger.ErrLedgerConflict) && attempt < e.maxRetries {
			e.logger.Warn("ledger conflict, replaying from verified",
				"digest", req.Digest, "attempt", attempt+1)
			continue
		}
		return applyResult{}, err
	}

	root := e.acc.Root()
	for _, acc := range updated {
		root = e.acc.UpdateAccount(acc)
	}

	res := applyResult{record: record, root: root}
	if e.snapshotEvery > 0 && record.Height%e.snapshotEvery == 0 {
		if res.snapshotAccounts, err = e.store.ListAccounts(ctx); err != nil {
			e.logger.Error("snapshot account capture failed", "height", record.Height, "error", err)
			res.snapshotAccounts = nil
		}
	}
	return res, nil
}

// compileDelta turns the receipt's mutations into an apply request. Success
// receipts carry their full mutation list; failure and partial receipts are
// recorded with zero ledger delta.
func (e *Engine) compileDelta(r *poc.Receipt) (*ledger.DeltaSet, error) {
	if r.Outcome != poc.OutcomeSuccess {
		return &ledger.DeltaSet{}, nil
	}
	set, err := ledger.CompileMutations(r.Mutations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", poc.ErrMalformedReceipt, err)
	}
	return set, nil
}

func (e *Engine) duplicateOutcome(ctx context.Context, digest codec.Digest, record ledger.AppliedReceiptRecord) ApplicationOutcome {
	e.logger.Debug("duplicate receipt, returning original outcome",
		"digest", digest, "height", record.Height)
	return ApplicationOutcome{
		State:     StateApplied,
		Digest:    digest,
		Record:    record,
		Duplicate: true,
	}
}

func (e *Engine) reject(ctx context.Context, span trace.Span, digest codec.Digest, err error) (ApplicationOutcome, error) {
	span.RecordError(err)
	e.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
	e.logger.Info("receipt rejected", "digest", digest, "reason", err)
	return ApplicationOutcome{State: StateRejected, Digest: digest}, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, poc.ErrMalformedReceipt):
		return "malformed_receipt"
	case errors.Is(err, poc.ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, poc.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrStaleStateRoot):
		return "stale_state_root"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrEmissionCapExceeded):
		return "emission_cap_exceeded"
	default:
		return "internal"
	}
}

// publishSince relays the durable log entries after the given height to the
// feed, preserving commit order.
func (e *Engine) publishSince(ctx context.Context, afterHeight uint64) {
	if e.feed == nil {
		return
	}
	evs, err := e.store.Events(ctx, afterHeight, 0)
	if err != nil {
		e.logger.Error("event read-back failed", "after_height", afterHeight, "error", err)
		return
	}
	e.feed.Publish(ctx, evs...)
}

// produceSnapshot persists the account set captured at the just-committed
// height and appends the snapshot_produced event.
func (e *Engine) produceSnapshot(ctx context.Context, record ledger.AppliedReceiptRecord, root codec.Digest, accounts []ledger.Account) error {
	snap := ledger.Snapshot{
		Height:      record.Height,
		Root:        root,
		Timestamp:   e.clock().UTC(),
		PrevReceipt: record.Digest,
		Accounts:    accounts,
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	ev := ledger.Event{
		ID:     uuid.New().String(),
		Kind:   ledger.EventSnapshotProduced,
		Height: snap.Height,
		Payload: map[string]any{
			"height": snap.Height,
			"root":   snap.Root.String(),
		},
		Time: snap.Timestamp,
	}
	if err := e.store.AppendEvents(ctx, []ledger.Event{ev}); err != nil {
		return err
	}
	if e.feed != nil {
		e.feed.Publish(ctx, ev)
	}
	e.logger.Info("snapshot produced", "height", snap.Height, "root", snap.Root)
	return nil
}
