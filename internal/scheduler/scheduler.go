package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ActionFunc is one periodic action's body.
type ActionFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	// PollInterval is the fixed idle wait between due-time checks.
	PollInterval time.Duration
	StartupDelay time.Duration
}

type action struct {
	name    string
	period  time.Duration
	run     ActionFunc
	nextDue time.Time
}

// Scheduler drives several independently-periodic actions from one
// cooperative loop. Actions run synchronously in registration order; a
// sweep therefore always completes before the next due-time check.
type Scheduler struct {
	opts    Options
	actions []*action
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		panic("scheduler poll interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Add registers a periodic action. A zero nextDue means the action fires
// on the first tick.
func (s *Scheduler) Add(name string, period time.Duration, run ActionFunc) {
	s.actions = append(s.actions, &action{name: name, period: period, run: run})
}

// Run blocks, checking due times every poll interval until ctx is
// cancelled. Action failures are logged at the action boundary and never
// terminate the loop; the action's next due time still advances, so a
// persistently failing action cannot spin the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		s.tick(ctx)

		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

// tick runs every due action once. Exposed within the package for tests.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, a := range s.actions {
		if now.Before(a.nextDue) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Info().Str("action", a.name).Msg("running scheduled action")
		if err := a.run(ctx); err != nil {
			s.logger.Error().Err(err).Str("action", a.name).Msg("scheduled action failed")
		}

		// Due time advances only after the action body has returned,
		// success or handled failure alike.
		a.nextDue = s.now().UTC().Add(a.period)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
