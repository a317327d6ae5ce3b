package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

// MemoryStore is an in-memory Store used by tests and single-process nodes.
// A single RWMutex serializes ApplyDelta; reads take the shared lock.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	applied   map[codec.Digest]AppliedReceiptRecord
	events    []Event
	snapshots map[uint64]Snapshot
	stats     Stats
	schedule  EmissionSchedule
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger bound to the given
// emission schedule.
func NewMemoryStore(schedule EmissionSchedule) *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]Account),
		applied:   make(map[codec.Digest]AppliedReceiptRecord),
		snapshots: make(map[uint64]Snapshot),
		schedule:  schedule,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return acc, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, req ApplyRequest) (AppliedReceiptRecord, []Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applied[req.Digest]; ok {
		return AppliedReceiptRecord{}, nil, ErrDuplicateReceipt
	}
	if err := checkEmissionCap(s.stats.Emitted, req.Emitted, s.schedule.TotalCap); err != nil {
		return AppliedReceiptRecord{}, nil, err
	}

	touched := make(map[string]Account, 8)
	for _, id := range touchedAccounts(req.Deltas) {
		acc, ok := s.accounts[id]
		if !ok {
			acc = Account{ID: id}
		}
		touched[id] = acc
	}
	updated, extra, err := applyToAccounts(touched, req.Deltas)
	if err != nil {
		return AppliedReceiptRecord{}, nil, err
	}

	now := s.clock().UTC()
	height := s.stats.Height + 1
	record := AppliedReceiptRecord{
		Digest:    req.Digest,
		Height:    height,
		Outcome:   req.Outcome,
		AppliedAt: now,
	}

	for _, acc := range updated {
		s.accounts[acc.ID] = acc
	}
	s.applied[req.Digest] = record
	s.events = append(s.events, finalizeEvents(append(req.Events, extra...), req, height, now)...)
	s.stats = Stats{
		Height:      height,
		Emitted:     s.stats.Emitted + req.Emitted,
		Burned:      s.stats.Burned + req.Burned,
		PrevReceipt: req.Digest,
	}
	return record, updated, nil
}

func (s *MemoryStore) HasApplied(_ context.Context, digest codec.Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[digest]
	return ok, nil
}

func (s *MemoryStore) GetApplied(_ context.Context, digest codec.Digest) (AppliedReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.applied[digest]
	if !ok {
		return AppliedReceiptRecord{}, fmt.Errorf("%w: receipt %s", ErrNotFound, digest)
	}
	return record, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

func (s *MemoryStore) Events(_ context.Context, afterHeight uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Height <= afterHeight {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.Height]; ok {
		return fmt.Errorf("ledger: snapshot at height %d already exists", snap.Height)
	}
	s.snapshots[snap.Height] = snap
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, height uint64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[height]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: snapshot at height %d", ErrNotFound, height)
	}
	return snap, nil
}

func (s *MemoryStore) Close() error { return nil }
