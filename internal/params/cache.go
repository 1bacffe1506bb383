// Package params caches the protocol's static risk parameters. They
// change rarely, so they are refreshed on a long TTL and the last good
// value is served in between; a failed refresh never blocks a sweep.
package params

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotLoaded is returned by Current before the first successful refresh.
var ErrNotLoaded = errors.New("risk parameters not loaded yet")

// RiskParameters are the protocol-wide liquidation inputs.
type RiskParameters struct {
	// LiquidationRatio multiplies outstanding debt to derive the minimum
	// required collateral value.
	LiquidationRatio decimal.Decimal
	// GracePeriod is the post-maturity window, in seconds, before an
	// unpaid loan becomes liquidation-eligible.
	GracePeriod decimal.Decimal
}

// Source reads the live parameter values from the protocol.
type Source interface {
	LiquidationRatio(ctx context.Context) (decimal.Decimal, error)
	GracePeriod(ctx context.Context) (decimal.Decimal, error)
}

// Cache holds the current parameters and their refresh bookkeeping.
type Cache struct {
	source Source
	logger zerolog.Logger

	mu          sync.RWMutex
	current     RiskParameters
	loaded      bool
	refreshedAt time.Time
}

// NewCache constructs an empty cache around a parameter source.
func NewCache(source Source, logger zerolog.Logger) *Cache {
	return &Cache{
		source: source,
		logger: logger.With().Str("component", "params_cache").Logger(),
	}
}

// Refresh reads both parameters from the source and swaps them in
// atomically. On failure the previous value is retained.
func (c *Cache) Refresh(ctx context.Context) error {
	ratio, err := c.source.LiquidationRatio(ctx)
	if err != nil {
		return err
	}
	period, err := c.source.GracePeriod(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = RiskParameters{LiquidationRatio: ratio, GracePeriod: period}
	c.loaded = true
	c.refreshedAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info().
		Str("liquidation_ratio", ratio.String()).
		Str("grace_period_s", period.String()).
		Msg("risk parameters refreshed")
	return nil
}

// Current returns the cached parameters without blocking. ErrNotLoaded is
// returned only before the first successful refresh.
func (c *Cache) Current() (RiskParameters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return RiskParameters{}, ErrNotLoaded
	}
	return c.current, nil
}

// RefreshedAt reports when the cache last succeeded, zero if never.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
