package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"loanwarden/internal/book"
	"loanwarden/internal/engine"
	"loanwarden/internal/indexer"
	"loanwarden/internal/params"
	"loanwarden/internal/retry"
	"loanwarden/internal/storage"
)

// EventSource fetches one bounded page of events beyond a block cursor.
type EventSource interface {
	FetchEvents(ctx context.Context, stream storage.Stream, afterBlock uint64) ([]storage.LoanEvent, error)
}

// PriceSource reads the live collateral price.
type PriceSource interface {
	OraclePrice(ctx context.Context) (decimal.Decimal, error)
}

// Options tune the sweep orchestration.
type Options struct {
	RetryAttempts int
	RetryWait     time.Duration
	LockKey       int64
}

// Service orchestrates the sweep pipeline: ingest both event streams into
// the checkpointed store, rebuild the loan book, select candidates, and
// hand them to the executor. It also owns the parameter-refresh cycle.
type Service struct {
	source   EventSource
	store    storage.EventStore
	locker   storage.AdvisoryLocker
	cache    *params.Cache
	price    PriceSource
	executor *engine.Executor
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time
}

// New constructs the sweep service. locker may be nil when no database
// lease is wanted (dry runs against a shared store).
func New(source EventSource, store storage.EventStore, locker storage.AdvisoryLocker, cache *params.Cache, price PriceSource, executor *engine.Executor, opts Options, logger zerolog.Logger) *Service {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 10 * time.Second
	}
	return &Service{
		source:   source,
		store:    store,
		locker:   locker,
		cache:    cache,
		price:    price,
		executor: executor,
		logger:   logger.With().Str("component", "service").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// RefreshParams is the long-period action: re-read the static risk
// parameters, retrying transient failures. The cache keeps serving the
// previous value if this fails.
func (s *Service) RefreshParams(ctx context.Context) error {
	return retry.Do(ctx, s.opts.RetryAttempts, s.opts.RetryWait, s.cache.Refresh)
}

// Sweep runs one full cycle. Any error aborts this sweep only; the
// committed ledger state stays authoritative and the next scheduled
// sweep starts from it.
func (s *Service) Sweep(ctx context.Context) error {
	if s.locker != nil && s.opts.LockKey != 0 {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
		if err != nil {
			return fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !acquired {
			s.logger.Info().Msg("sweep lease held elsewhere, skipping")
			return nil
		}
		defer unlock()
	}

	now := s.now().UTC()

	for _, stream := range storage.Streams() {
		if err := s.ingest(ctx, stream); err != nil {
			return fmt.Errorf("ingest %s stream: %w", stream, err)
		}
	}

	events, err := s.loadAll(ctx)
	if err != nil {
		return err
	}

	pars, err := s.currentParams(ctx)
	if err != nil {
		return err
	}

	price, err := s.fetchPrice(ctx)
	if err != nil {
		return err
	}

	loanBook := book.Build(events, pars, price, now)
	candidates := engine.SelectCandidates(loanBook, now)

	s.logger.Info().
		Int("open_loans", loanBook.Len()).
		Int("candidates", len(candidates)).
		Str("oracle_price", price.String()).
		Msg("loan book rebuilt")

	submitted, failed := s.executor.Execute(ctx, loanBook, candidates, now)

	s.logger.Info().
		Int("candidates", len(candidates)).
		Int("submitted", submitted).
		Int("failed", failed).
		Msg("sweep complete")
	return nil
}

// ingest fetches one page beyond the stream's cursor and merges it.
// Transient fetch errors are retried with a fixed wait; malformed
// responses abort immediately.
func (s *Service) ingest(ctx context.Context, stream storage.Stream) error {
	cursor, err := s.store.Cursor(ctx, stream)
	if err != nil {
		return err
	}

	var fetched []storage.LoanEvent
	err = retry.Do(ctx, s.opts.RetryAttempts, s.opts.RetryWait, func(ctx context.Context) error {
		events, fetchErr := s.source.FetchEvents(ctx, stream, cursor)
		if fetchErr != nil {
			var malformed *indexer.MalformedError
			if errors.As(fetchErr, &malformed) {
				return retry.Permanent(fetchErr)
			}
			return fetchErr
		}
		fetched = events
		return nil
	})
	if err != nil {
		return err
	}
	if len(fetched) == 0 {
		return nil
	}

	inserted, err := s.store.MergeEvents(ctx, stream, fetched)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("stream", string(stream)).
		Uint64("cursor", cursor).
		Int("fetched", len(fetched)).
		Int("merged", inserted).
		Msg("events merged")
	return nil
}

func (s *Service) loadAll(ctx context.Context) ([]storage.LoanEvent, error) {
	var all []storage.LoanEvent
	for _, stream := range storage.Streams() {
		events, _, err := s.store.LoadEvents(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("load %s stream: %w", stream, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// currentParams serves the cached parameters; before the first successful
// refresh it forces one so an early sweep is not computed against zeros.
func (s *Service) currentParams(ctx context.Context) (params.RiskParameters, error) {
	pars, err := s.cache.Current()
	if err == nil {
		return pars, nil
	}
	if !errors.Is(err, params.ErrNotLoaded) {
		return params.RiskParameters{}, err
	}
	if err := s.RefreshParams(ctx); err != nil {
		return params.RiskParameters{}, fmt.Errorf("initial parameter refresh: %w", err)
	}
	return s.cache.Current()
}

func (s *Service) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := retry.Do(ctx, s.opts.RetryAttempts, s.opts.RetryWait, func(ctx context.Context) error {
		p, fetchErr := s.price.OraclePrice(ctx)
		if fetchErr != nil {
			return fetchErr
		}
		price = p
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch oracle price: %w", err)
	}
	if price.IsZero() {
		return decimal.Decimal{}, errors.New("oracle price returned zero")
	}
	return price, nil
}
