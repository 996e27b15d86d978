package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"route-deal-alerts/internal/alerting"
	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/config"
	"route-deal-alerts/internal/fetcher"
	"route-deal-alerts/internal/metrics"
	"route-deal-alerts/internal/policy"
	"route-deal-alerts/internal/queue"
	"route-deal-alerts/internal/scheduler"
	"route-deal-alerts/internal/service"
	"route-deal-alerts/internal/storage"
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

func (a *App) newSource() (fetcher.Source, error) {
	switch a.Config.Source.Kind {
	case "http":
		return fetcher.NewHTTPSource(fetcher.HTTPOptions{
			BaseURL:   a.Config.Source.BaseURL,
			Timeout:   a.Config.Source.Timeout,
			UserAgent: a.Config.Source.UserAgent,
		}, a.Logger), nil
	case "file", "":
		return fetcher.NewFileSource(a.Config.Source.File), nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", a.Config.Source.Kind)
	}
}

// newNotifier fans out to every enabled channel. Without any, alerts are only logged.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	if !a.Config.Alerting.Enabled {
		return alerting.NewLogNotifier(a.Logger), func() {}
	}

	var channels []alerting.Channel
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				continue
			}
			channels = append(channels, alerting.Channel{
				Name:     name,
				Notifier: alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger),
			})
		case "kafka":
			cfg := a.Config.Alerting.Kafka
			if !cfg.Enabled {
				continue
			}
			channels = append(channels, alerting.Channel{
				Name:     name,
				Notifier: alerting.NewKafkaNotifier(cfg.Brokers, cfg.Topic, a.Logger),
			})
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
		}
	}

	if len(channels) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; alerts are only logged")
		return alerting.NewLogNotifier(a.Logger), func() {}
	}

	multi := alerting.NewMultiNotifier(channels, a.Logger)
	return multi, func() {
		if err := multi.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close notifiers")
		}
	}
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Storage, a.Config.History.RetentionSize)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// environment owns everything a pipeline service needs, plus how to tear it down.
type environment struct {
	store   storage.Store
	service *service.Service
	closers []func()
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newEnvironment wires the pipeline. With memory set, state lives only for the process.
func (a *App) newEnvironment(ctx context.Context, memory bool) (*environment, error) {
	env := &environment{}

	if memory {
		env.store = storage.NewMemoryStore(a.Config.History.RetentionSize)
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		env.store = store
		env.closers = append(env.closers, closeStore)
	}

	source, err := a.newSource()
	if err != nil {
		env.Close()
		return nil, err
	}

	policyOpts, err := policy.OptionsFromConfig(a.Config)
	if err != nil {
		env.Close()
		return nil, err
	}

	nightQueue, closeQueue, err := queue.Open(ctx, a.Config.Queue, env.store, a.Logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeQueue)

	notifier, closeNotifier := a.newNotifier()
	env.closers = append(env.closers, closeNotifier)

	env.service = service.New(service.Options{
		Routes:          a.Config.Pipeline.Routes,
		Workers:         a.Config.Pipeline.Workers,
		FetchTimeout:    a.Config.Pipeline.FetchTimeout,
		MaxFailureRate:  a.Config.Pipeline.MaxFailureRate,
		LockKey:         a.Config.Storage.AdvisoryLockKey,
		HistoryMaxAge:   a.Config.History.MaxAge,
		LedgerRetention: a.Config.Ledger.Retention,
		PushgatewayURL:  a.Config.Metrics.PushgatewayURL,
		MetricsJob:      a.Config.Metrics.Job,
	}, service.Deps{
		Store:      env.store,
		Queue:      nightQueue,
		Source:     source,
		Normalizer: fetcher.NewNormalizer(a.Config.Pricing.BaseCurrency, a.Config.Pricing.FXRates),
		Analyzer:   analyzer.New(analyzer.OptionsFromConfig(a.Config.Analyzer)),
		Policy:     policy.New(policyOpts),
		Notifier:   notifier,
		Metrics:    metrics.New(),
		Logger:     a.Logger,
	})
	return env, nil
}

// Run executes a single pipeline cycle over every configured route.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := a.newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.service.RunOnce(ctx)
	if report.Skipped {
		a.Logger.Warn().Msg("another run holds the lock; nothing done")
		return nil
	}
	if err != nil {
		return err
	}
	if !report.Healthy(a.Config.Pipeline.MaxFailureRate) {
		return fmt.Errorf("run unhealthy: failure rate %.2f above %.2f", report.FailureRate(), a.Config.Pipeline.MaxFailureRate)
	}
	return nil
}

// Watch runs the pipeline on the configured interval until interrupted.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := a.newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting watch loop")
	err = sched.Run(ctx, func(ctx context.Context, cycle time.Time) error {
		_, err := env.service.RunOnce(ctx)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch loop stopped")
	return nil
}

// Prune evicts history and ledger rows past their retention.
func (a *App) Prune(ctx context.Context) error {
	env, err := a.newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.service.Prune(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("observations", res.Observations).Int64("alerts", res.Alerts).Msg("pruned expired rows")
	return nil
}

// ExportOptions hold parameters for exporting a route history.
type ExportOptions struct {
	RouteKey  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	// RouteKey selects a route history; empty lists the alert ledger.
	RouteKey string
	Limit    int
}

// BackfillOptions configure seeding history from an observation file.
type BackfillOptions struct {
	File   string
	From   *time.Time
	To     *time.Time
	DryRun bool
}
