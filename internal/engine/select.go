// Package engine decides which loans to liquidate and drives the
// liquidation submissions for one sweep.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"loanwarden/internal/book"
)

// Reason names the trigger predicate that made a loan eligible.
type Reason string

const (
	// ReasonFlagged: the chain state carries an explicit liquidate_me flag.
	ReasonFlagged Reason = "liquidate_me"
	// ReasonGraceExpired: matured past the grace deadline without repayment.
	ReasonGraceExpired Reason = "grace_expired"
	// ReasonUndercollateralized: required collateral value exceeds the
	// live collateral value.
	ReasonUndercollateralized Reason = "undercollateralized"
)

// Candidate is a loan satisfying at least one trigger predicate.
type Candidate struct {
	Account string
	Entry   book.Entry
	Reasons []Reason
}

// Triggers evaluates the three predicates for one entry. Eligibility is
// binary: any non-empty result makes the loan a candidate.
func Triggers(e book.Entry, now time.Time) []Reason {
	var reasons []Reason

	if e.State.LiquidateMe {
		reasons = append(reasons, ReasonFlagged)
	}
	if decimal.NewFromInt(now.Unix()).GreaterThan(e.Risk.GraceDeadline) {
		reasons = append(reasons, ReasonGraceExpired)
	}
	if e.Risk.RequiredCollateral.GreaterThan(e.Risk.CollateralValue) {
		reasons = append(reasons, ReasonUndercollateralized)
	}

	return reasons
}

// SelectCandidates applies the trigger predicates across the book and
// returns candidates in ascending account order.
func SelectCandidates(b book.Book, now time.Time) []Candidate {
	var candidates []Candidate
	for _, account := range b.Accounts() {
		entry, _ := b.Get(account)
		if reasons := Triggers(entry, now); len(reasons) > 0 {
			candidates = append(candidates, Candidate{
				Account: account,
				Entry:   entry,
				Reasons: reasons,
			})
		}
	}
	return candidates
}
