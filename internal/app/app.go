package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/alerting"
	"position-rescue-alerts/internal/config"
	"position-rescue-alerts/internal/fetcher"
	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/metrics"
	"position-rescue-alerts/internal/risk"
	"position-rescue-alerts/internal/scheduler"
	"position-rescue-alerts/internal/service"
	"position-rescue-alerts/internal/storage"
	"position-rescue-alerts/internal/submitter"
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

func (a *App) newLedger() *ledger.Eth {
	return ledger.NewEth(ledger.EthOptions{
		RPCURL:            a.Config.Ledger.RPCURL,
		ControllerAddress: a.Config.Ledger.ControllerAddress,
		SignerKeyHex:      a.Config.Ledger.SignerKeyHex,
		ChainID:           a.Config.Ledger.ChainID,
		GasLimit:          a.Config.Ledger.GasLimit,
		Timeout:           a.Config.Ledger.RequestTimeout,
	}, a.Logger)
}

func (a *App) newEvaluator() risk.Evaluator {
	thresholds := risk.Thresholds{
		WarnRatio:   decimal.NewFromFloat(a.Config.Risk.WarnRatio),
		RescueRatio: decimal.NewFromFloat(a.Config.Risk.RescueRatio),
	}
	if a.Config.Risk.Adaptive {
		return risk.NewAdaptive(thresholds, a.Config.Risk.AdaptiveWindow)
	}
	return risk.NewCollateralRatio(thresholds)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

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

// Run executes the long-running rescue watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn must be configured: the rescue watcher cannot run without its state store")
	}
	defer closeStore()

	if a.Config.Metrics.Enabled {
		go metrics.Serve(ctx, a.Config.Metrics.ListenAddr, a.Logger)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToCycle: a.Config.Scheduler.AlignToCycle,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	client := a.newLedger()
	snapshots := fetcher.NewSnapshot(client, a.Logger)
	evaluator := a.newEvaluator()

	dispatcher := alerting.NewDispatcher(a.newNotifier(), store, alerting.DispatcherOptions{
		BufferSize:    a.Config.Alerting.BufferSize,
		DeliveryRetry: a.Config.Alerting.DeliveryRetry,
	}, a.Logger)
	defer dispatcher.Close()

	if a.Config.Alerting.Retention > 0 {
		cutoff := time.Now().Add(-a.Config.Alerting.Retention)
		if deleted, err := store.DeleteAlertsBefore(ctx, cutoff); err != nil {
			a.Logger.Warn().Err(err).Msg("alert retention sweep failed")
		} else if deleted > 0 {
			a.Logger.Info().Int64("deleted", deleted).Msg("pruned expired alert audit rows")
		}
	}

	sub := submitter.New(client, store, dispatcher, submitter.Options{
		MaxSubmitAttempts:  a.Config.Rescue.MaxSubmitAttempts,
		MaxConfirmAttempts: a.Config.Rescue.MaxConfirmAttempts,
		BackoffBase:        a.Config.Rescue.BackoffBase,
		BackoffCap:         a.Config.Rescue.BackoffCap,
	}, a.Logger)
	defer sub.Close()

	stores := service.Stores{Actions: store, Verdicts: store, Samples: store, Locker: store}
	svc, err := service.New(a.Config, sched, snapshots, evaluator, stores, sub, dispatcher, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("positions", len(a.Config.Positions)).Msg("starting rescue watcher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("rescue watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("rescue watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting a position's margin history.
type ExportOptions struct {
	Position  string
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

// CheckOptions configure the one-shot risk assessment.
type CheckOptions struct {
	Positions []string
}

// SimulateOptions feed a synthetic snapshot through one evaluation pass.
type SimulateOptions struct {
	Position   string
	Collateral string
	Debt       string
}
