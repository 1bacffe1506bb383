package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loanwarden/internal/fixedpoint"
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

func testParams() params.RiskParameters {
	return params.RiskParameters{
		LiquidationRatio: dec("1.5"),
		GracePeriod:      dec("172800"),
	}
}

func event(account string, block uint64, notional string, stream storage.Stream) storage.LoanEvent {
	return storage.LoanEvent{
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Block:     block,
		Account:   account,
		Notional:  dec(notional),
		Stream:    stream,
	}
}

func TestFoldLastWriteWinsAcrossStreams(t *testing.T) {
	events := []storage.LoanEvent{
		event("0xabc", 5, "100", storage.StreamBorrower),
		event("0xabc", 9, "0", storage.StreamLiquidator),
	}

	states := Fold(events)
	state, ok := states["0xabc"]
	if !ok {
		t.Fatal("account missing from fold")
	}
	if state.Block != 9 {
		t.Fatalf("expected block-9 event to win, got block %d", state.Block)
	}
	if !state.Closed() {
		t.Fatal("block-9 notional is zero, loan should be closed")
	}
}

func TestBuildExcludesClosedLoans(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	events := []storage.LoanEvent{
		event("0xabc", 5, "100", storage.StreamBorrower),
		event("0xabc", 9, "0", storage.StreamLiquidator),
		event("0xdef", 7, "50", storage.StreamBorrower),
	}

	b := Build(events, testParams(), dec("2000"), now)
	if b.Len() != 1 {
		t.Fatalf("expected 1 open loan, got %d", b.Len())
	}
	if _, ok := b.Get("0xabc"); ok {
		t.Fatal("closed loan must be dropped from the book")
	}
	if _, ok := b.Get("0xdef"); !ok {
		t.Fatal("open loan missing from the book")
	}
}

func TestBuildReopenedLoanReappears(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	events := []storage.LoanEvent{
		event("0xabc", 5, "100", storage.StreamBorrower),
		event("0xabc", 9, "0", storage.StreamLiquidator),
		event("0xabc", 12, "40", storage.StreamBorrower),
	}

	b := Build(events, testParams(), dec("2000"), now)
	entry, ok := b.Get("0xabc")
	if !ok {
		t.Fatal("reopened loan must reappear in the book")
	}
	if !entry.State.Notional.Equal(dec("40")) {
		t.Fatalf("expected reopened notional 40, got %s", entry.State.Notional)
	}
}

func TestAccrualFormula(t *testing.T) {
	now := time.Unix(2_000_000_000, 0).UTC()
	state := storage.LoanEvent{
		Account:   "0xabc",
		Block:     1,
		Notional:  dec("1000"),
		HistRepay: dec("200"),
		RevalTS:   decimal.NewFromInt(now.Unix() - fixedpoint.SecondsPerYear),
		Rate:      dec("0.10"),
	}

	b := Build([]storage.LoanEvent{state}, testParams(), dec("2000"), now)
	entry, ok := b.Get("0xabc")
	if !ok {
		t.Fatal("loan missing from the book")
	}

	// (1000 - 200) * one year / seconds_per_year * 0.10 = 80
	if !entry.Risk.AccruedInterest.Equal(dec("80")) {
		t.Fatalf("expected accrued interest 80, got %s", entry.Risk.AccruedInterest)
	}
	// 1000 + 0 + 80 - 200
	if !entry.Risk.Outstanding.Equal(dec("880")) {
		t.Fatalf("expected outstanding 880, got %s", entry.Risk.Outstanding)
	}
	// 880 * 1.5
	if !entry.Risk.RequiredCollateral.Equal(dec("1320")) {
		t.Fatalf("expected required collateral 1320, got %s", entry.Risk.RequiredCollateral)
	}
}

func TestAccrualBaseNeverNegative(t *testing.T) {
	now := time.Unix(2_000_000_000, 0).UTC()
	state := storage.LoanEvent{
		Account:   "0xabc",
		Block:     1,
		Notional:  dec("100"),
		HistRepay: dec("500"),
		RevalTS:   decimal.NewFromInt(now.Unix() - fixedpoint.SecondsPerYear),
		Rate:      dec("0.10"),
	}

	b := Build([]storage.LoanEvent{state}, testParams(), dec("2000"), now)
	entry, _ := b.Get("0xabc")
	if !entry.Risk.AccruedInterest.IsZero() {
		t.Fatalf("over-repaid loan must not accrue, got %s", entry.Risk.AccruedInterest)
	}
}

func TestAccountsAscending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	events := []storage.LoanEvent{
		event("0xccc", 1, "10", storage.StreamBorrower),
		event("0xaaa", 2, "10", storage.StreamBorrower),
		event("0xbbb", 3, "10", storage.StreamBorrower),
	}

	b := Build(events, testParams(), dec("2000"), now)
	accounts := b.Accounts()
	want := []string{"0xaaa", "0xbbb", "0xccc"}
	if len(accounts) != len(want) {
		t.Fatalf("expected %d accounts, got %d", len(want), len(accounts))
	}
	for i, account := range want {
		if accounts[i] != account {
			t.Fatalf("expected account %s at %d, got %s", account, i, accounts[i])
		}
	}
}
