// Package app wires the whole service together: config, logging,
// store, the Telegram adapter, the notification pipeline and the cron
// schedules.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fiscalbot/internal/config"
	"fiscalbot/internal/ingest"
	"fiscalbot/internal/notify"
	"fiscalbot/internal/store"
	"fiscalbot/internal/transport/telegram"
	logx "fiscalbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st         *store.Store
	tg         *telegram.Adapter
	sender     *notify.Sender
	engine     *notify.Engine
	dispatcher *notify.Dispatcher
	janitor    *notify.Janitor
	ingest     *ingest.Server // nil when disabled

	cron *cron.Cron

	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	logs, err := logx.NewService(logx.Config{Console: true})
	if err != nil {
		return nil, err
	}

	cfgm := config.NewManager(cfgPath, logs.Logger())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logs.Apply(loggingConfig(cfg)); err != nil {
		return nil, err
	}
	log := logs.Logger().With(logx.String("comp", "app"))

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, logs.Logger())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
		SendTimeout: config.Duration(cfg.Telegram.SendTimeout, 15*time.Second),
	}, st, logs.Logger())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	sender := notify.NewSender(notify.SenderConfig{
		SendDelay:         config.Duration(cfg.Notify.SendDelay, 100*time.Millisecond),
		RateLimitFallback: config.Duration(cfg.Notify.RateLimitFallback, 30*time.Second),
		SendTimeout:       config.Duration(cfg.Notify.SendTimeout, 15*time.Second),
		QueueSize:         cfg.Notify.QueueSize,
	}, tg, st, logs.Logger())

	engine := notify.NewEngine(notify.EngineConfig{
		CooldownWindow: config.Duration(cfg.Notify.CooldownWindow, 30*time.Minute),
	}, st, logs.Logger())

	dispatcher := notify.NewDispatcher(notify.DispatchConfig{
		BatchThreshold: cfg.Notify.BatchThreshold,
		MaxQuietPeriod: config.Duration(cfg.Notify.MaxQuietPeriod, 5*time.Minute),
		DashboardURL:   cfg.Notify.DashboardURL,
	}, st, sender, logs.Logger())

	janitor := notify.NewJanitor(notify.JanitorConfig{
		ExpiryWarnWindow:  config.Duration(cfg.Housekeeping.ExpiryWarnWindow, 72*time.Hour),
		HistoryRetention:  config.Duration(cfg.Housekeeping.HistoryRetention, 6*30*24*time.Hour),
		QueueRetention:    config.Duration(cfg.Housekeeping.QueueRetention, time.Hour),
		CooldownRetention: config.Duration(cfg.Housekeeping.CooldownRetention, 7*24*time.Hour),
		CodeGrace:         config.Duration(cfg.Housekeeping.CodeGrace, 24*time.Hour),
	}, st, sender, logs.Logger())

	a := &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log,
		st:         st,
		tg:         tg,
		sender:     sender,
		engine:     engine,
		dispatcher: dispatcher,
		janitor:    janitor,
	}
	if cfg.Ingest.Enabled {
		a.ingest = ingest.NewServer(ingest.Config{Addr: cfg.Ingest.Addr}, engine, st, logs.Logger())
	}

	if err := a.schedule(cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) schedule(cfg *config.Config) error {
	a.cron = cron.New()

	dispatchEvery := config.Duration(cfg.Notify.DispatchInterval, time.Minute)
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", dispatchEvery), func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchEvery)
		defer cancel()
		a.dispatcher.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}

	lifecycleSpec := cfg.Housekeeping.LifecycleSpec
	if lifecycleSpec == "" {
		lifecycleSpec = config.DefaultLifecycleSpec
	}
	if _, err := a.cron.AddFunc(lifecycleSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		a.janitor.RunLifecycle(ctx)
	}); err != nil {
		return fmt.Errorf("lifecycle schedule %q: %w", lifecycleSpec, err)
	}

	purgeSpec := cfg.Housekeeping.PurgeSpec
	if purgeSpec == "" {
		purgeSpec = config.DefaultPurgeSpec
	}
	if _, err := a.cron.AddFunc(purgeSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		a.janitor.RunPurges(ctx)
	}); err != nil {
		return fmt.Errorf("purge schedule %q: %w", purgeSpec, err)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.sender.Start(runCtx)
	a.tg.Start(runCtx)
	if a.ingest != nil {
		a.ingest.Start(runCtx)
	}
	a.cron.Start()

	// Hot reload: logging plus the cooldown and batching knobs apply
	// live. Telegram, sender and storage settings take effect on restart.
	sub := a.cfgm.Subscribe(4)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				if err := a.logs.Apply(loggingConfig(cfg)); err != nil {
					a.log.Warn("applying logging config failed", logx.Err(err))
				}
				a.engine.Apply(notify.EngineConfig{
					CooldownWindow: config.Duration(cfg.Notify.CooldownWindow, 30*time.Minute),
				})
				a.dispatcher.Apply(notify.DispatchConfig{
					BatchThreshold: cfg.Notify.BatchThreshold,
					MaxQuietPeriod: config.Duration(cfg.Notify.MaxQuietPeriod, 5*time.Minute),
					DashboardURL:   cfg.Notify.DashboardURL,
				})
			}
		}
	}()
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch failed", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

// Stop unwinds in reverse dependency order: schedules first so no new
// work arrives, then intake surfaces, then the delivery queue, then the
// store.
func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		a.log.Warn("cron jobs still running at shutdown")
	}

	if a.ingest != nil {
		a.ingest.Stop(ctx)
	}
	a.tg.Stop(ctx)
	a.sender.Stop(ctx)

	if err := a.st.Close(); err != nil {
		a.log.Warn("closing store failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
