package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"loanwarden/internal/alerting"
	"loanwarden/internal/config"
	"loanwarden/internal/engine"
	"loanwarden/internal/indexer"
	"loanwarden/internal/params"
	"loanwarden/internal/protocol"
	"loanwarden/internal/scheduler"
	"loanwarden/internal/service"
	"loanwarden/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newIndexer() *indexer.Client {
	return indexer.New(indexer.Options{
		URL:       a.Config.Indexer.URL,
		PageLimit: a.Config.Indexer.PageLimit,
		Timeout:   a.Config.Indexer.RequestTimeout,
		UserAgent: a.Config.Indexer.UserAgent,
		Streams: map[storage.Stream]indexer.StreamSpec{
			storage.StreamBorrower: {
				EventName: "event_cb_loan_book",
				Contract:  a.Config.Contract("cb"),
			},
			storage.StreamLiquidator: {
				EventName: "event_ll_loan_book",
				Contract:  a.Config.Contract("ll"),
			},
		},
	}, a.Logger)
}

func (a *App) newProtocol() (*protocol.Client, error) {
	return protocol.New(protocol.Options{
		RPCURL:          a.Config.Chain.RPCURL,
		ChainID:         a.Config.Chain.ChainID,
		PrivateKey:      a.Config.Chain.PrivateKey,
		FeeCapWei:       a.Config.Chain.FeeCapWei,
		GasLimit:        a.Config.Chain.GasLimit,
		Timeout:         a.Config.Chain.RequestTimeout,
		SettingsAddress: a.Config.Contract("settings"),
		OracleAddress:   a.Config.Contract("oracle"),
		LoansAddress:    a.Config.Contract("ll"),
		TokenAddress:    a.Config.Contract("usdc"),
		SpenderAddress:  a.Config.Contract("czcore"),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newService wires the full sweep pipeline on top of an open store.
func (a *App) newService(store *storage.Store, dryRun bool) (*service.Service, error) {
	proto, err := a.newProtocol()
	if err != nil {
		return nil, err
	}

	cache := params.NewCache(proto, a.Logger)

	executor := engine.NewExecutor(
		proto,
		engine.FixedAmount(a.Config.LiquidationAmount()),
		a.newNotifier(),
		engine.ExecutorOptions{
			RetryAttempts:  a.Config.Liquidation.RetryAttempts,
			RetryWait:      a.Config.Liquidation.RetryWait,
			AllowanceFloor: mustDecimal(a.Config.Liquidation.AllowanceFloor),
			AllowanceTopUp: mustDecimal(a.Config.Liquidation.AllowanceTopUp),
			DryRun:         dryRun,
		},
		a.Logger,
	)

	svc := service.New(
		a.newIndexer(),
		store,
		store,
		cache,
		proto,
		executor,
		service.Options{
			RetryAttempts: a.Config.Liquidation.RetryAttempts,
			RetryWait:     a.Config.Liquidation.RetryWait,
			LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		},
		a.Logger,
	)
	return svc, nil
}

// Run executes the long-running monitoring loop: parameter refresh on the
// long period, liquidation sweep on the short one, one poll tick between
// checks.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newService(store, false)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		PollInterval: a.Config.Scheduler.PollInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	// Registration order matters on the first tick: parameters must load
	// before the first sweep consults them.
	sched.Add("params_refresh", a.Config.Scheduler.ParamsInterval, svc.RefreshParams)
	sched.Add("liquidation_sweep", a.Config.Scheduler.SweepInterval, svc.Sweep)

	a.Logger.Info().Msg("starting liquidation monitor")
	err = sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("liquidation monitor stopped")
	return nil
}

// ExportOptions hold parameters for exporting ledger history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SweepOptions configure the one-shot sweep command.
type SweepOptions struct {
	DryRun bool
}
