package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"loanwarden/internal/alerting"
	"loanwarden/internal/book"
	"loanwarden/internal/retry"
)

// LiquidationFailedError records one candidate whose liquidation failed on
// every retry attempt. It never propagates out of the sweep; remaining
// candidates are still processed.
type LiquidationFailedError struct {
	Account  string
	Attempts int
	Err      error
}

func (e *LiquidationFailedError) Error() string {
	return fmt.Sprintf("liquidation of %s failed after %d attempts: %v", e.Account, e.Attempts, e.Err)
}

func (e *LiquidationFailedError) Unwrap() error {
	return e.Err
}

// Submitter is the protocol write surface the executor needs.
type Submitter interface {
	LiquidateLoan(ctx context.Context, account string, amount decimal.Decimal) (string, error)
	Allowance(ctx context.Context) (decimal.Decimal, error)
	IncreaseAllowance(ctx context.Context, amount decimal.Decimal) (string, error)
}

// AmountPolicy sizes the liquidation for one candidate.
type AmountPolicy func(c Candidate) decimal.Decimal

// FixedAmount liquidates every candidate with the same amount. This is
// the inherited placeholder policy; outstanding-based sizing would swap
// in here.
func FixedAmount(amount decimal.Decimal) AmountPolicy {
	return func(Candidate) decimal.Decimal { return amount }
}

// ExecutorOptions tune submission behaviour.
type ExecutorOptions struct {
	RetryAttempts  int
	RetryWait      time.Duration
	AllowanceFloor decimal.Decimal
	AllowanceTopUp decimal.Decimal
	DryRun         bool
}

// Executor invokes the liquidation action per candidate, then runs the
// once-per-sweep allowance maintenance step.
type Executor struct {
	submitter Submitter
	amount    AmountPolicy
	notifier  alerting.Notifier
	opts      ExecutorOptions
	logger    zerolog.Logger
}

// NewExecutor builds an executor. notifier may be nil.
func NewExecutor(submitter Submitter, amount AmountPolicy, notifier alerting.Notifier, opts ExecutorOptions, logger zerolog.Logger) *Executor {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 10 * time.Second
	}
	return &Executor{
		submitter: submitter,
		amount:    amount,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute processes every candidate in order, then tops up the settlement
// allowance if it sits below the floor. Returns the number of successful
// liquidations and how many candidates exhausted their retries.
func (x *Executor) Execute(ctx context.Context, b book.Book, candidates []Candidate, now time.Time) (submitted int, failed int) {
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return submitted, failed
		}

		// Liquidation is irreversible and the book may be a sweep stale.
		// Re-validate against the freshly built book before submitting;
		// the residual window between build and submission is covered by
		// the contract's own healthy-loan guard.
		entry, open := b.Get(candidate.Account)
		if !open || entry.State.Closed() || len(Triggers(entry, now)) == 0 {
			x.logger.Info().Str("account", candidate.Account).Msg("candidate no longer eligible, skipping")
			continue
		}

		amount := x.amount(candidate)
		if x.opts.DryRun {
			x.logger.Info().
				Str("account", candidate.Account).
				Str("amount", amount.String()).
				Str("reasons", joinReasons(candidate.Reasons)).
				Msg("dry-run: would liquidate")
			continue
		}

		if err := x.liquidateOne(ctx, candidate, amount); err != nil {
			failed++
			x.logger.Error().Err(err).Str("account", candidate.Account).Msg("liquidation failed")
			x.notify(ctx, alerting.Notice{
				When:    now,
				Account: candidate.Account,
				Amount:  amount,
				Reasons: reasonStrings(candidate.Reasons),
				Failed:  true,
				Detail:  err.Error(),
			})
			continue
		}
		submitted++
	}

	if !x.opts.DryRun {
		x.maintainAllowance(ctx)
	}
	return submitted, failed
}

func (x *Executor) liquidateOne(ctx context.Context, candidate Candidate, amount decimal.Decimal) error {
	var txHash string
	err := retry.Do(ctx, x.opts.RetryAttempts, x.opts.RetryWait, func(ctx context.Context) error {
		hash, err := x.submitter.LiquidateLoan(ctx, candidate.Account, amount)
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	if err != nil {
		return &LiquidationFailedError{Account: candidate.Account, Attempts: x.opts.RetryAttempts, Err: err}
	}

	x.logger.Info().
		Str("account", candidate.Account).
		Str("amount", amount.String()).
		Str("reasons", joinReasons(candidate.Reasons)).
		Str("tx", txHash).
		Msg("loan liquidated")

	x.notify(ctx, alerting.Notice{
		When:    time.Now().UTC(),
		Account: candidate.Account,
		Amount:  amount,
		Reasons: reasonStrings(candidate.Reasons),
		TxHash:  txHash,
	})
	return nil
}

// maintainAllowance runs once per sweep: if the settlement-token
// allowance has dropped below the floor, submit a top-up.
func (x *Executor) maintainAllowance(ctx context.Context) {
	err := retry.Do(ctx, x.opts.RetryAttempts, x.opts.RetryWait, func(ctx context.Context) error {
		remaining, err := x.submitter.Allowance(ctx)
		if err != nil {
			return err
		}
		if remaining.GreaterThanOrEqual(x.opts.AllowanceFloor) {
			return nil
		}

		hash, err := x.submitter.IncreaseAllowance(ctx, x.opts.AllowanceTopUp)
		if err != nil {
			return err
		}
		x.logger.Info().
			Str("remaining", remaining.String()).
			Str("topup", x.opts.AllowanceTopUp.String()).
			Str("tx", hash).
			Msg("settlement allowance topped up")
		return nil
	})
	if err != nil {
		x.logger.Error().Err(err).Msg("allowance maintenance failed")
	}
}

func (x *Executor) notify(ctx context.Context, notice alerting.Notice) {
	if x.notifier == nil {
		return
	}
	if err := x.notifier.Notify(ctx, notice); err != nil {
		x.logger.Error().Err(err).Str("account", notice.Account).Msg("failed to dispatch alert")
	}
}

func reasonStrings(reasons []Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

func joinReasons(reasons []Reason) string {
	return strings.Join(reasonStrings(reasons), ",")
}
