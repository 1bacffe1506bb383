package app

import (
	"context"

	"github.com/shopspring/decimal"
)

// SweepOnce runs a single sweep outside the scheduler. With --dry-run the
// executor logs what it would liquidate instead of submitting.
func (a *App) SweepOnce(ctx context.Context, opts SweepOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newService(store, opts.DryRun)
	if err != nil {
		return err
	}

	return svc.Sweep(ctx)
}

// mustDecimal parses config decimals already vetted by config.Validate.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("config decimal not validated: " + s)
	}
	return d
}
