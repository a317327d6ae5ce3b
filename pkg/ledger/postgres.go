package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

// PostgresStore is a durable multi-connection Store. Serialization of
// ApplyDelta comes from row locks on ledger_meta and the touched accounts
// plus the primary key on applied_receipts as the duplicate conflict key.
type PostgresStore struct {
	db       *sql.DB
	schedule EmissionSchedule
	clock    func() time.Time
}

// NewPostgresStore wraps an existing database handle and runs migrations.
func NewPostgresStore(db *sql.DB, schedule EmissionSchedule) (*PostgresStore, error) {
	s := &PostgresStore{db: db, schedule: schedule, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects to the given DSN and runs migrations.
func OpenPostgresStore(dsn string, schedule EmissionSchedule) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	s, err := NewPostgresStore(db, schedule)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		budget BIGINT NOT NULL DEFAULT 0,
		nonce BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS applied_receipts (
		digest TEXT PRIMARY KEY,
		height BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		height BIGINT NOT NULL,
		payload JSONB NOT NULL,
		time TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshots (
		height BIGINT PRIMARY KEY,
		root TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		prev_receipt TEXT NOT NULL,
		accounts JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_meta (
		id INT PRIMARY KEY CHECK (id = 1),
		height BIGINT NOT NULL DEFAULT 0,
		emitted BIGINT NOT NULL DEFAULT 0,
		burned BIGINT NOT NULL DEFAULT 0,
		prev_receipt TEXT NOT NULL DEFAULT ''
	);
	INSERT INTO ledger_meta (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("ledger: postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, balance, budget, nonce FROM accounts WHERE id = $1", id)
	var acc Account
	err := row.Scan(&acc.ID, &acc.Balance, &acc.Budget, &acc.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, balance, budget, nonce FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("ledger: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Account
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.ID, &acc.Balance, &acc.Budget, &acc.Nonce); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, req ApplyRequest) (AppliedReceiptRecord, []Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the meta row first: it is the global sequence point for height.
	var stats Stats
	var prev string
	err = tx.QueryRowContext(ctx,
		"SELECT height, emitted, burned, prev_receipt FROM ledger_meta WHERE id = 1 FOR UPDATE").
		Scan(&stats.Height, &stats.Emitted, &stats.Burned, &prev)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM applied_receipts WHERE digest = $1", req.Digest.String()).Scan(&exists)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}
	if exists > 0 {
		return AppliedReceiptRecord{}, nil, ErrDuplicateReceipt
	}
	if err := checkEmissionCap(stats.Emitted, req.Emitted, s.schedule.TotalCap); err != nil {
		return AppliedReceiptRecord{}, nil, err
	}

	touched := make(map[string]Account, 8)
	for _, id := range touchedAccounts(req.Deltas) {
		var acc Account
		err := tx.QueryRowContext(ctx,
			"SELECT id, balance, budget, nonce FROM accounts WHERE id = $1 FOR UPDATE", id).
			Scan(&acc.ID, &acc.Balance, &acc.Budget, &acc.Nonce)
		if errors.Is(err, sql.ErrNoRows) {
			acc = Account{ID: id}
		} else if err != nil {
			return AppliedReceiptRecord{}, nil, mapPQErr(err)
		}
		touched[id] = acc
	}
	updated, extra, err := applyToAccounts(touched, req.Deltas)
	if err != nil {
		return AppliedReceiptRecord{}, nil, err
	}

	now := s.clock().UTC()
	height := stats.Height + 1
	record := AppliedReceiptRecord{
		Digest:    req.Digest,
		Height:    height,
		Outcome:   req.Outcome,
		AppliedAt: now,
	}

	for _, acc := range updated {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, budget, nonce) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				balance = EXCLUDED.balance,
				budget = EXCLUDED.budget,
				nonce = EXCLUDED.nonce`,
			acc.ID, int64(acc.Balance), int64(acc.Budget), int64(acc.Nonce))
		if err != nil {
			return AppliedReceiptRecord{}, nil, mapPQErr(err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO applied_receipts (digest, height, outcome, applied_at) VALUES ($1, $2, $3, $4)",
		req.Digest.String(), height, req.Outcome, now)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}

	for _, ev := range finalizeEvents(append(req.Events, extra...), req, height, now) {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return AppliedReceiptRecord{}, nil, fmt.Errorf("ledger: encode event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO events (id, kind, height, payload, time) VALUES ($1, $2, $3, $4, $5)",
			ev.ID, string(ev.Kind), ev.Height, payload, ev.Time)
		if err != nil {
			return AppliedReceiptRecord{}, nil, mapPQErr(err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE ledger_meta SET height = $1, emitted = $2, burned = $3, prev_receipt = $4 WHERE id = 1",
		height, int64(stats.Emitted+req.Emitted), int64(stats.Burned+req.Burned), req.Digest.String())
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}

	if err := tx.Commit(); err != nil {
		return AppliedReceiptRecord{}, nil, mapPQErr(err)
	}
	return record, updated, nil
}

func (s *PostgresStore) HasApplied(ctx context.Context, digest codec.Digest) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM applied_receipts WHERE digest = $1", digest.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ledger: has applied: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) GetApplied(ctx context.Context, digest codec.Digest) (AppliedReceiptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT digest, height, outcome, applied_at FROM applied_receipts WHERE digest = $1",
		digest.String())
	var record AppliedReceiptRecord
	var hex string
	err := row.Scan(&hex, &record.Height, &record.Outcome, &record.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AppliedReceiptRecord{}, fmt.Errorf("%w: receipt %s", ErrNotFound, digest)
	}
	if err != nil {
		return AppliedReceiptRecord{}, fmt.Errorf("ledger: get applied: %w", err)
	}
	if record.Digest, err = codec.DigestFromHex(hex); err != nil {
		return AppliedReceiptRecord{}, err
	}
	return record, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var prev string
	err := s.db.QueryRowContext(ctx,
		"SELECT height, emitted, burned, prev_receipt FROM ledger_meta WHERE id = 1").
		Scan(&stats.Height, &stats.Emitted, &stats.Burned, &prev)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	if prev != "" {
		if stats.PrevReceipt, err = codec.DigestFromHex(prev); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (s *PostgresStore) Events(ctx context.Context, afterHeight uint64, limit int) ([]Event, error) {
	query := "SELECT id, kind, height, payload, time FROM events WHERE height > $1 ORDER BY seq"
	args := []any{afterHeight}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.Height, &payload, &ev.Time); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("ledger: decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("ledger: encode event payload: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO events (id, kind, height, payload, time) VALUES ($1, $2, $3, $4, $5)",
			ev.ID, string(ev.Kind), ev.Height, payload, ev.Time)
		if err != nil {
			return fmt.Errorf("ledger: append event: %w", mapPQErr(err))
		}
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	accounts, err := json.Marshal(snap.Accounts)
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot accounts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO snapshots (height, root, timestamp, prev_receipt, accounts) VALUES ($1, $2, $3, $4, $5)",
		snap.Height, snap.Root.String(), snap.Timestamp, snap.PrevReceipt.String(), accounts)
	if err != nil {
		return fmt.Errorf("ledger: save snapshot: %w", mapPQErr(err))
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, height uint64) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT height, root, timestamp, prev_receipt, accounts FROM snapshots WHERE height = $1",
		height)
	var snap Snapshot
	var root, prev string
	var accounts []byte
	err := row.Scan(&snap.Height, &root, &snap.Timestamp, &prev, &accounts)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: snapshot at height %d", ErrNotFound, height)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: get snapshot: %w", err)
	}
	if snap.Root, err = codec.DigestFromHex(root); err != nil {
		return Snapshot{}, err
	}
	if snap.PrevReceipt, err = codec.DigestFromHex(prev); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(accounts, &snap.Accounts); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: decode snapshot accounts: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// mapPQErr classifies Postgres failures: a unique violation on the receipt
// digest is a duplicate, serialization failures and deadlocks are internal
// conflicts the engine retries.
func mapPQErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrDuplicateReceipt, err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrLedgerConflict, err)
		}
	}
	return err
}
