package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blocknet-labs/poc-core/pkg/codec"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable single-node Store. SQLite's writer lock plus a
// BEGIN IMMEDIATE transaction gives ApplyDelta its serialization boundary.
type SQLiteStore struct {
	db       *sql.DB
	schedule EmissionSchedule
	clock    func() time.Time
}

// OpenSQLiteStore opens (or creates) a SQLite-backed ledger at path. Use
// ":memory:" for an ephemeral database.
func OpenSQLiteStore(path string, schedule EmissionSchedule) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// The writer-lock discipline assumes a single connection.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, schedule)
}

// NewSQLiteStore wraps an existing database handle and runs migrations.
func NewSQLiteStore(db *sql.DB, schedule EmissionSchedule) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, schedule: schedule, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		budget INTEGER NOT NULL DEFAULT 0,
		nonce INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS applied_receipts (
		digest TEXT PRIMARY KEY,
		height INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		height INTEGER NOT NULL,
		payload JSON NOT NULL,
		time TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshots (
		height INTEGER PRIMARY KEY,
		root TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		prev_receipt TEXT NOT NULL,
		accounts JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		height INTEGER NOT NULL DEFAULT 0,
		emitted INTEGER NOT NULL DEFAULT 0,
		burned INTEGER NOT NULL DEFAULT 0,
		prev_receipt TEXT NOT NULL DEFAULT ''
	);
	INSERT OR IGNORE INTO ledger_meta (id) VALUES (1);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("ledger: sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, balance, budget, nonce FROM accounts WHERE id = ?", id)
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

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]Account, error) {
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

func (s *SQLiteStore) ApplyDelta(ctx context.Context, req ApplyRequest) (AppliedReceiptRecord, []Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM applied_receipts WHERE digest = ?", req.Digest.String()).Scan(&exists)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}
	if exists > 0 {
		return AppliedReceiptRecord{}, nil, ErrDuplicateReceipt
	}

	var stats Stats
	var prev string
	err = tx.QueryRowContext(ctx,
		"SELECT height, emitted, burned, prev_receipt FROM ledger_meta WHERE id = 1").
		Scan(&stats.Height, &stats.Emitted, &stats.Burned, &prev)
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}
	if err := checkEmissionCap(stats.Emitted, req.Emitted, s.schedule.TotalCap); err != nil {
		return AppliedReceiptRecord{}, nil, err
	}

	touched := make(map[string]Account, 8)
	for _, id := range touchedAccounts(req.Deltas) {
		var acc Account
		err := tx.QueryRowContext(ctx,
			"SELECT id, balance, budget, nonce FROM accounts WHERE id = ?", id).
			Scan(&acc.ID, &acc.Balance, &acc.Budget, &acc.Nonce)
		if errors.Is(err, sql.ErrNoRows) {
			acc = Account{ID: id}
		} else if err != nil {
			return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
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
			INSERT INTO accounts (id, balance, budget, nonce) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				balance = excluded.balance,
				budget = excluded.budget,
				nonce = excluded.nonce`,
			acc.ID, int64(acc.Balance), int64(acc.Budget), int64(acc.Nonce))
		if err != nil {
			return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO applied_receipts (digest, height, outcome, applied_at) VALUES (?, ?, ?, ?)",
		req.Digest.String(), height, req.Outcome, now.Format(time.RFC3339Nano))
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}

	for _, ev := range finalizeEvents(append(req.Events, extra...), req, height, now) {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return AppliedReceiptRecord{}, nil, fmt.Errorf("ledger: encode event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO events (id, kind, height, payload, time) VALUES (?, ?, ?, ?, ?)",
			ev.ID, string(ev.Kind), ev.Height, string(payload), ev.Time.Format(time.RFC3339Nano))
		if err != nil {
			return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE ledger_meta SET height = ?, emitted = ?, burned = ?, prev_receipt = ? WHERE id = 1",
		height, int64(stats.Emitted+req.Emitted), int64(stats.Burned+req.Burned), req.Digest.String())
	if err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return AppliedReceiptRecord{}, nil, mapSQLiteErr(err)
	}
	return record, updated, nil
}

func (s *SQLiteStore) HasApplied(ctx context.Context, digest codec.Digest) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM applied_receipts WHERE digest = ?", digest.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ledger: has applied: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) GetApplied(ctx context.Context, digest codec.Digest) (AppliedReceiptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT digest, height, outcome, applied_at FROM applied_receipts WHERE digest = ?",
		digest.String())
	return scanAppliedRecord(row)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
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

func (s *SQLiteStore) Events(ctx context.Context, afterHeight uint64, limit int) ([]Event, error) {
	query := "SELECT id, kind, height, payload, time FROM events WHERE height > ? ORDER BY seq"
	args := []any{afterHeight}
	if limit > 0 {
		query += " LIMIT ?"
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
		var kind, payload, ts string
		if err := rows.Scan(&ev.ID, &kind, &ev.Height, &payload, &ts); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("ledger: decode event payload: %w", err)
		}
		ev.Time = parseStoredTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("ledger: encode event payload: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO events (id, kind, height, payload, time) VALUES (?, ?, ?, ?, ?)",
			ev.ID, string(ev.Kind), ev.Height, string(payload), ev.Time.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("ledger: append event: %w", mapSQLiteErr(err))
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	accounts, err := json.Marshal(snap.Accounts)
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot accounts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO snapshots (height, root, timestamp, prev_receipt, accounts) VALUES (?, ?, ?, ?, ?)",
		snap.Height, snap.Root.String(), snap.Timestamp.Format(time.RFC3339Nano),
		snap.PrevReceipt.String(), string(accounts))
	if err != nil {
		return fmt.Errorf("ledger: save snapshot: %w", mapSQLiteErr(err))
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, height uint64) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT height, root, timestamp, prev_receipt, accounts FROM snapshots WHERE height = ?",
		height)
	var snap Snapshot
	var root, ts, prev, accounts string
	err := row.Scan(&snap.Height, &root, &ts, &prev, &accounts)
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
	snap.Timestamp = parseStoredTime(ts)
	if err := json.Unmarshal([]byte(accounts), &snap.Accounts); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: decode snapshot accounts: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanAppliedRecord(row *sql.Row) (AppliedReceiptRecord, error) {
	var record AppliedReceiptRecord
	var digest, ts string
	err := row.Scan(&digest, &record.Height, &record.Outcome, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return AppliedReceiptRecord{}, fmt.Errorf("%w: receipt record", ErrNotFound)
	}
	if err != nil {
		return AppliedReceiptRecord{}, fmt.Errorf("ledger: get applied: %w", err)
	}
	if record.Digest, err = codec.DigestFromHex(digest); err != nil {
		return AppliedReceiptRecord{}, err
	}
	record.AppliedAt = parseStoredTime(ts)
	return record, nil
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// mapSQLiteErr converts writer-lock contention into ErrLedgerConflict so the
// engine can replay the submission.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrLedgerConflict, err)
	}
	return err
}
