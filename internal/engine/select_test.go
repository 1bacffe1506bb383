package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loanwarden/internal/book"
	"loanwarden/internal/params"
	"loanwarden/internal/storage"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var triggerNow = time.Unix(1_700_000_000, 0).UTC()

// healthyLoan is calibrated so no predicate fires: rate 0 so outstanding
// stays 100, required collateral 150 exactly matches collateral value,
// and maturity is comfortably ahead.
func healthyLoan(account string) storage.LoanEvent {
	return storage.LoanEvent{
		Account:    account,
		Block:      1,
		Notional:   dec("100"),
		Collateral: dec("1.5"),
		RevalTS:    decimal.NewFromInt(triggerNow.Unix()),
		EndTS:      decimal.NewFromInt(triggerNow.Unix() + 86400),
		Rate:       decimal.Zero,
	}
}

func buildBook(t *testing.T, events ...storage.LoanEvent) book.Book {
	t.Helper()
	pars := params.RiskParameters{LiquidationRatio: dec("1.5"), GracePeriod: dec("0")}
	return book.Build(events, pars, dec("100"), triggerNow)
}

func TestHealthyLoanNotSelected(t *testing.T) {
	b := buildBook(t, healthyLoan("0xaaa"))
	if candidates := SelectCandidates(b, triggerNow); len(candidates) != 0 {
		t.Fatalf("healthy loan must not be selected, got %d candidates", len(candidates))
	}
}

func TestTriggerPredicatesIndependently(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*storage.LoanEvent)
		want   Reason
	}{
		{
			name:   "explicit flag",
			mutate: func(ev *storage.LoanEvent) { ev.LiquidateMe = true },
			want:   ReasonFlagged,
		},
		{
			name: "grace expired",
			mutate: func(ev *storage.LoanEvent) {
				ev.EndTS = decimal.NewFromInt(triggerNow.Unix() - 10)
			},
			want: ReasonGraceExpired,
		},
		{
			name: "undercollateralized",
			mutate: func(ev *storage.LoanEvent) {
				ev.Collateral = dec("1.4")
			},
			want: ReasonUndercollateralized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := healthyLoan("0xaaa")
			tc.mutate(&ev)

			candidates := SelectCandidates(buildBook(t, ev), triggerNow)
			if len(candidates) != 1 {
				t.Fatalf("expected 1 candidate, got %d", len(candidates))
			}
			if len(candidates[0].Reasons) != 1 || candidates[0].Reasons[0] != tc.want {
				t.Fatalf("expected reason %s, got %v", tc.want, candidates[0].Reasons)
			}
		})
	}
}

func TestTriggerPredicatesCombined(t *testing.T) {
	ev := healthyLoan("0xaaa")
	ev.LiquidateMe = true
	ev.EndTS = decimal.NewFromInt(triggerNow.Unix() - 10)
	ev.Collateral = dec("1.4")

	candidates := SelectCandidates(buildBook(t, ev), triggerNow)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if len(candidates[0].Reasons) != 3 {
		t.Fatalf("expected all 3 reasons, got %v", candidates[0].Reasons)
	}
}

func TestCandidatesOrderedByAccount(t *testing.T) {
	evA := healthyLoan("0xaaa")
	evA.LiquidateMe = true
	evB := healthyLoan("0xbbb")
	evB.LiquidateMe = true
	evC := healthyLoan("0xccc")
	evC.LiquidateMe = true
	evB.Block, evC.Block = 2, 3

	candidates := SelectCandidates(buildBook(t, evC, evA, evB), triggerNow)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	for i, want := range []string{"0xaaa", "0xbbb", "0xccc"} {
		if candidates[i].Account != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, candidates[i].Account)
		}
	}
}
