// Package book rebuilds the loan book from the persisted event history
// and derives a point-in-time risk snapshot per account. Everything here
// is pure: one Build per sweep, inputs in, book out, nothing cached.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"loanwarden/internal/fixedpoint"
	"loanwarden/internal/params"
	"loanwarden/internal/storage"
)

// Snapshot is the per-loan risk view, recomputed every sweep and never
// persisted.
type Snapshot struct {
	AccruedInterest    decimal.Decimal
	Outstanding        decimal.Decimal
	CollateralValue    decimal.Decimal
	RequiredCollateral decimal.Decimal
	// GraceDeadline is a unix timestamp (seconds, decimal carries the
	// protocol's sub-second precision through).
	GraceDeadline decimal.Decimal
}

// Entry pairs a loan's current state with its risk snapshot.
type Entry struct {
	State storage.LoanEvent
	Risk  Snapshot
}

// Book maps account address to its materialized entry.
type Book struct {
	entries map[string]Entry
}

// Get returns the entry for an account.
func (b Book) Get(account string) (Entry, bool) {
	e, ok := b.entries[account]
	return e, ok
}

// Len returns the number of open loans.
func (b Book) Len() int {
	return len(b.entries)
}

// Accounts returns the open-loan addresses in ascending order so every
// downstream pass is deterministic.
func (b Book) Accounts() []string {
	accounts := make([]string, 0, len(b.entries))
	for account := range b.entries {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts
}

// Fold reduces the union of both streams' events to the latest event per
// account. Events are ordered by block number across streams before the
// fold; fields are cumulative on-chain, so most-recent-wins is the whole
// merge. Closed loans are retained here — Build filters them.
func Fold(events []storage.LoanEvent) map[string]storage.LoanEvent {
	sorted := make([]storage.LoanEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Block < sorted[j].Block })

	latest := make(map[string]storage.LoanEvent)
	for _, ev := range sorted {
		latest[ev.Account] = ev
	}
	return latest
}

// Build materializes the loan book: fold, drop closed loans, and compute
// each survivor's risk snapshot against the live price and parameters.
func Build(events []storage.LoanEvent, pars params.RiskParameters, oraclePrice decimal.Decimal, now time.Time) Book {
	entries := make(map[string]Entry)
	for account, state := range Fold(events) {
		if state.Closed() {
			continue
		}
		entries[account] = Entry{
			State: state,
			Risk:  computeSnapshot(state, pars, oraclePrice, now),
		}
	}
	return Book{entries: entries}
}

var secondsPerYear = decimal.NewFromInt(fixedpoint.SecondsPerYear)

func computeSnapshot(state storage.LoanEvent, pars params.RiskParameters, oraclePrice decimal.Decimal, now time.Time) Snapshot {
	nowSec := decimal.NewFromInt(now.Unix())

	base := state.Notional.Sub(state.HistRepay)
	if base.IsNegative() {
		base = decimal.Zero
	}

	accrued := base.
		Mul(nowSec.Sub(state.RevalTS)).
		Div(secondsPerYear).
		Mul(state.Rate)

	outstanding := state.Notional.
		Add(state.HistAccrual).
		Add(accrued).
		Sub(state.HistRepay)

	return Snapshot{
		AccruedInterest:    accrued,
		Outstanding:        outstanding,
		CollateralValue:    state.Collateral.Mul(oraclePrice),
		RequiredCollateral: outstanding.Mul(pars.LiquidationRatio),
		GraceDeadline:      state.EndTS.Add(pars.GracePeriod),
	}
}
