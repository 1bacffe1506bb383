package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"loanwarden/internal/book"
	"loanwarden/internal/params"
	"loanwarden/internal/storage"
)

type fakeSubmitter struct {
	liquidations map[string]int
	failAccounts map[string]bool
	allowance    decimal.Decimal
	topUps       int
}

func newFakeSubmitter(allowance string) *fakeSubmitter {
	return &fakeSubmitter{
		liquidations: make(map[string]int),
		failAccounts: make(map[string]bool),
		allowance:    dec(allowance),
	}
}

func (f *fakeSubmitter) LiquidateLoan(ctx context.Context, account string, amount decimal.Decimal) (string, error) {
	f.liquidations[account]++
	if f.failAccounts[account] {
		return "", errors.New("rpc unavailable")
	}
	return "0xtx", nil
}

func (f *fakeSubmitter) Allowance(ctx context.Context) (decimal.Decimal, error) {
	return f.allowance, nil
}

func (f *fakeSubmitter) IncreaseAllowance(ctx context.Context, amount decimal.Decimal) (string, error) {
	f.topUps++
	f.allowance = f.allowance.Add(amount)
	return "0xtopup", nil
}

func testExecutor(submitter Submitter, dryRun bool) *Executor {
	return NewExecutor(
		submitter,
		FixedAmount(dec("120000")),
		nil,
		ExecutorOptions{
			RetryAttempts:  3,
			RetryWait:      time.Millisecond,
			AllowanceFloor: dec("10000000"),
			AllowanceTopUp: dec("10000000"),
			DryRun:         dryRun,
		},
		zerolog.Nop(),
	)
}

func flaggedBook(t *testing.T, accounts ...string) (book.Book, []Candidate) {
	t.Helper()
	events := make([]storage.LoanEvent, 0, len(accounts))
	for i, account := range accounts {
		ev := healthyLoan(account)
		ev.Block = uint64(i + 1)
		ev.LiquidateMe = true
		events = append(events, ev)
	}
	pars := params.RiskParameters{LiquidationRatio: dec("1.5"), GracePeriod: dec("0")}
	b := book.Build(events, pars, dec("100"), triggerNow)
	return b, SelectCandidates(b, triggerNow)
}

func TestExecuteRetryExhaustionContinuesSweep(t *testing.T) {
	submitter := newFakeSubmitter("20000000")
	submitter.failAccounts["0xaaa"] = true

	b, candidates := flaggedBook(t, "0xaaa", "0xbbb")
	executor := testExecutor(submitter, false)

	submitted, failed := executor.Execute(context.Background(), b, candidates, triggerNow)
	if failed != 1 {
		t.Fatalf("expected exactly 1 failed candidate, got %d", failed)
	}
	if submitted != 1 {
		t.Fatalf("expected the remaining candidate to be processed, got %d submitted", submitted)
	}
	if submitter.liquidations["0xaaa"] != 3 {
		t.Fatalf("expected 3 attempts for failing account, got %d", submitter.liquidations["0xaaa"])
	}
	if submitter.liquidations["0xbbb"] != 1 {
		t.Fatalf("expected 1 attempt for healthy submission, got %d", submitter.liquidations["0xbbb"])
	}
}

func TestExecuteAllowanceTopUpBelowFloor(t *testing.T) {
	submitter := newFakeSubmitter("5")

	b, candidates := flaggedBook(t, "0xaaa")
	executor := testExecutor(submitter, false)

	executor.Execute(context.Background(), b, candidates, triggerNow)
	if submitter.topUps != 1 {
		t.Fatalf("expected one allowance top-up, got %d", submitter.topUps)
	}
}

func TestExecuteAllowanceUntouchedAboveFloor(t *testing.T) {
	submitter := newFakeSubmitter("20000000")

	b, candidates := flaggedBook(t, "0xaaa")
	executor := testExecutor(submitter, false)

	executor.Execute(context.Background(), b, candidates, triggerNow)
	if submitter.topUps != 0 {
		t.Fatalf("allowance above floor must not be topped up, got %d", submitter.topUps)
	}
}

func TestExecuteDryRunSubmitsNothing(t *testing.T) {
	submitter := newFakeSubmitter("5")

	b, candidates := flaggedBook(t, "0xaaa", "0xbbb")
	executor := testExecutor(submitter, true)

	submitted, failed := executor.Execute(context.Background(), b, candidates, triggerNow)
	if submitted != 0 || failed != 0 {
		t.Fatalf("dry run must not submit, got submitted=%d failed=%d", submitted, failed)
	}
	if len(submitter.liquidations) != 0 || submitter.topUps != 0 {
		t.Fatal("dry run must not touch the chain")
	}
}

func TestExecuteSkipsStaleCandidate(t *testing.T) {
	submitter := newFakeSubmitter("20000000")

	// Candidate selected against an earlier book, but the freshly built
	// book no longer lists the account.
	_, candidates := flaggedBook(t, "0xaaa")
	emptyBook, _ := flaggedBook(t, "0xzzz")

	executor := testExecutor(submitter, false)
	submitted, failed := executor.Execute(context.Background(), emptyBook, candidates, triggerNow)
	if submitted != 0 || failed != 0 {
		t.Fatalf("stale candidate must be skipped, got submitted=%d failed=%d", submitted, failed)
	}
	if submitter.liquidations["0xaaa"] != 0 {
		t.Fatal("stale candidate must not reach the chain")
	}
}
