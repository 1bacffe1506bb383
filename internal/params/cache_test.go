package params

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeSource struct {
	ratio  decimal.Decimal
	period decimal.Decimal
	err    error
}

func (f *fakeSource) LiquidationRatio(ctx context.Context) (decimal.Decimal, error) {
	return f.ratio, f.err
}

func (f *fakeSource) GracePeriod(ctx context.Context) (decimal.Decimal, error) {
	return f.period, f.err
}

func TestCurrentBeforeFirstRefresh(t *testing.T) {
	cache := NewCache(&fakeSource{}, zerolog.Nop())
	if _, err := cache.Current(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestRefreshSwapsValues(t *testing.T) {
	source := &fakeSource{
		ratio:  decimal.RequireFromString("1.5"),
		period: decimal.RequireFromString("172800"),
	}
	cache := NewCache(source, zerolog.Nop())

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	pars, err := cache.Current()
	if err != nil {
		t.Fatalf("current failed after refresh: %v", err)
	}
	if !pars.LiquidationRatio.Equal(source.ratio) || !pars.GracePeriod.Equal(source.period) {
		t.Fatalf("unexpected parameters: %+v", pars)
	}
	if cache.RefreshedAt().IsZero() {
		t.Fatal("refresh timestamp not recorded")
	}
}

func TestFailedRefreshKeepsPreviousValue(t *testing.T) {
	source := &fakeSource{
		ratio:  decimal.RequireFromString("1.5"),
		period: decimal.RequireFromString("172800"),
	}
	cache := NewCache(source, zerolog.Nop())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	source.err = errors.New("rpc down")
	if err := cache.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	pars, err := cache.Current()
	if err != nil {
		t.Fatalf("stale value must still be served: %v", err)
	}
	if !pars.LiquidationRatio.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("stale ratio lost: %s", pars.LiquidationRatio)
	}
}
