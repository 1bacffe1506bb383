package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PersistenceError wraps any failure of the checkpoint store. Callers
// abort the current cycle on it; the prior committed state stays
// authoritative because every merge runs in one transaction.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

var streamTables = map[Stream]string{
	StreamBorrower:   "borrower_events",
	StreamLiquidator: "liquidator_events",
}

const eventColumnsSQL = `ts, block, addy, notional, collateral, start_ts, reval_ts, end_ts, rate, hist_accrual, hist_repay, liquidate_me`

const (
	cursorSQLTemplate       = `SELECT COALESCE(MAX(block), 0) FROM %s;`
	loadEventsSQLTemplate   = `SELECT ` + eventColumnsSQL + ` FROM %s ORDER BY block ASC;`
	recentEventsSQLTemplate = `SELECT ` + eventColumnsSQL + ` FROM %s ORDER BY block DESC LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore defines the checkpointed ledger operations the sweep needs.
type EventStore interface {
	MergeEvents(ctx context.Context, stream Stream, events []LoanEvent) (int, error)
	LoadEvents(ctx context.Context, stream Stream) ([]LoanEvent, uint64, error)
	Cursor(ctx context.Context, stream Stream) (uint64, error)
}

// AdvisoryLocker exposes the sweep lease helper.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the pgx-backed checkpointed ledger store. One table per event
// stream; the stream cursor is the maximum persisted block, so the cursor
// advances atomically with the rows that anchor it.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func tableFor(stream Stream) (string, error) {
	table, ok := streamTables[stream]
	if !ok {
		return "", fmt.Errorf("unknown stream %q", stream)
	}
	return table, nil
}

// MergeEvents appends events beyond the stream's cursor inside a single
// transaction. Events at or below the cursor are excluded, which makes a
// replay of an already-merged batch a no-op rather than a duplicate.
// Returns the number of rows actually inserted.
func (s *Store) MergeEvents(ctx context.Context, stream Stream, events []LoanEvent) (int, error) {
	table, err := tableFor(stream)
	if err != nil {
		return 0, persistErr("merge", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, persistErr("merge begin", err)
	}
	defer tx.Rollback(ctx)

	var cursor uint64
	if err := tx.QueryRow(ctx, fmt.Sprintf(cursorSQLTemplate, table)).Scan(&cursor); err != nil {
		return 0, persistErr("merge cursor", err)
	}

	fresh := filterAfter(events, cursor)
	if len(fresh) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(fresh))
	for _, ev := range fresh {
		rows = append(rows, []any{
			ev.Timestamp.Unix(),
			int64(ev.Block),
			ev.Account,
			ev.Notional.String(),
			ev.Collateral.String(),
			ev.StartTS.String(),
			ev.RevalTS.String(),
			ev.EndTS.String(),
			ev.Rate.String(),
			ev.HistAccrual.String(),
			ev.HistRepay.String(),
			ev.LiquidateMe,
		})
	}

	copied, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{table},
		[]string{"ts", "block", "addy", "notional", "collateral", "start_ts", "reval_ts", "end_ts", "rate", "hist_accrual", "hist_repay", "liquidate_me"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, persistErr("merge copy", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, persistErr("merge commit", err)
	}
	return int(copied), nil
}

// filterAfter keeps events strictly beyond the cursor, preserving order.
func filterAfter(events []LoanEvent, cursor uint64) []LoanEvent {
	fresh := make([]LoanEvent, 0, len(events))
	for _, ev := range events {
		if ev.Block > cursor {
			fresh = append(fresh, ev)
		}
	}
	return fresh
}

// LoadEvents returns the stream's full history in ascending block order
// together with its cursor.
func (s *Store) LoadEvents(ctx context.Context, stream Stream) ([]LoanEvent, uint64, error) {
	table, err := tableFor(stream)
	if err != nil {
		return nil, 0, persistErr("load", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(loadEventsSQLTemplate, table))
	if err != nil {
		return nil, 0, persistErr("load query", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows, stream)
	if err != nil {
		return nil, 0, persistErr("load scan", err)
	}

	var cursor uint64
	if len(events) > 0 {
		cursor = events[len(events)-1].Block
	}
	return events, cursor, nil
}

// Cursor returns the stream's last-processed block, zero when empty.
func (s *Store) Cursor(ctx context.Context, stream Stream) (uint64, error) {
	table, err := tableFor(stream)
	if err != nil {
		return 0, persistErr("cursor", err)
	}

	var cursor uint64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(cursorSQLTemplate, table)).Scan(&cursor); err != nil {
		return 0, persistErr("cursor query", err)
	}
	return cursor, nil
}

// ListRecentEvents returns the newest events for a stream, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, stream Stream, limit int) ([]LoanEvent, error) {
	table, err := tableFor(stream)
	if err != nil {
		return nil, persistErr("recent", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(recentEventsSQLTemplate, table), limit)
	if err != nil {
		return nil, persistErr("recent query", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows, stream)
	if err != nil {
		return nil, persistErr("recent scan", err)
	}
	return events, nil
}

// TryAdvisoryLock attempts to acquire the sweep lease and returns a
// release func. A second instance failing to acquire skips its sweep
// instead of double-submitting liquidations.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, persistErr("lock acquire", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, persistErr("lock query", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func scanEvents(rows pgx.Rows, stream Stream) ([]LoanEvent, error) {
	events := make([]LoanEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows, stream)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanEvent(rows pgx.Rows, stream Stream) (LoanEvent, error) {
	var (
		ts          int64
		block       int64
		account     string
		notional    string
		collateral  string
		startTS     string
		revalTS     string
		endTS       string
		rate        string
		histAccrual string
		histRepay   string
		liquidateMe bool
	)

	if err := rows.Scan(
		&ts,
		&block,
		&account,
		&notional,
		&collateral,
		&startTS,
		&revalTS,
		&endTS,
		&rate,
		&histAccrual,
		&histRepay,
		&liquidateMe,
	); err != nil {
		return LoanEvent{}, err
	}

	ev := LoanEvent{
		Timestamp:   time.Unix(ts, 0).UTC(),
		Block:       uint64(block),
		Account:     account,
		LiquidateMe: liquidateMe,
		Stream:      stream,
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"notional", notional, &ev.Notional},
		{"collateral", collateral, &ev.Collateral},
		{"start_ts", startTS, &ev.StartTS},
		{"reval_ts", revalTS, &ev.RevalTS},
		{"end_ts", endTS, &ev.EndTS},
		{"rate", rate, &ev.Rate},
		{"hist_accrual", histAccrual, &ev.HistAccrual},
		{"hist_repay", histRepay, &ev.HistRepay},
	}
	for _, f := range fields {
		parsed, err := decimal.NewFromString(f.raw)
		if err != nil {
			return LoanEvent{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = parsed
	}

	return ev, nil
}

var _ EventStore = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
