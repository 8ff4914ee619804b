// Package app wires the whole service together: config, logging, store,
// weather source, dispatcher, scheduler, metrics and the bot command
// surface. Everything downstream is constructed here and nowhere else.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"skycast/internal/advisory"
	"skycast/internal/bot"
	"skycast/internal/config"
	"skycast/internal/metrics"
	"skycast/internal/notify"
	rtsup "skycast/internal/runtime/supervisor"
	"skycast/internal/scheduler"
	"skycast/internal/store"
	kit "skycast/internal/transport"
	telegram "skycast/internal/transport/telegram"
	"skycast/internal/weather"
	logx "skycast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   store.Store
	adapter kit.Adapter

	source     *weather.Source
	dispatcher *notify.Dispatcher
	reminders  *notify.Reminders
	alerts     *notify.Alerts
	sched      *scheduler.Service

	collector *metrics.Collector
	metricsrv *metrics.Server

	router *bot.Router
	botsvc *bot.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOrDefault(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	st, err := store.Open(store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	tokens, err := weather.NewJWTSource(cfg.Weather.PrivateKeyPath, cfg.Weather.KeyID, cfg.Weather.ProjectID)
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, fmt.Errorf("weather credentials: %w", err)
	}
	client := weather.NewClient(weather.ClientConfig{
		APIHost: cfg.Weather.APIHost,
		Timeout: config.DurationOrDefault(cfg.Weather.Timeout, 5*time.Second),
	}, tokens, log.With(logx.String("comp", "weather")))

	var advisor weather.Advisor
	if cfg.Advisory.Enabled {
		advisor = advisory.New(advisory.Config{
			APIURL:  cfg.Advisory.APIURL,
			APIKey:  cfg.Advisory.APIKey,
			Model:   cfg.Advisory.Model,
			Prompt:  cfg.Advisory.Prompt,
			Timeout: config.DurationOrDefault(cfg.Advisory.Timeout, 10*time.Second),
		}, log.With(logx.String("comp", "advisory")))
	}

	reg := prometheus.NewRegistry()
	var collector *metrics.Collector
	var metricsrv *metrics.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(reg)
		listen := cfg.Metrics.Listen
		if listen == "" {
			listen = ":9090"
		}
		metricsrv = metrics.NewServer(listen, reg, log.With(logx.String("comp", "metrics")))
	}

	source := weather.NewSource(weather.SourceConfig{
		CacheTTL:   config.DurationOrDefault(cfg.Weather.CacheTTL, 5*time.Minute),
		WarningTTL: config.DurationOrDefault(cfg.Weather.WarningTTL, 2*time.Minute),
		Metrics:    collector,
	}, client, advisor, log.With(logx.String("comp", "weather")))

	dispatcher := notify.NewDispatcher(mapDispatcherConfig(cfg), adapter, st, collector,
		log.With(logx.String("comp", "dispatch")))

	defaultZone := loadZone(cfg.Schedule.DefaultZone, log)
	reminders := notify.NewReminders(st, source, dispatcher, defaultZone, collector,
		log.With(logx.String("comp", "reminders")))
	alerts := notify.NewAlerts(st, source, dispatcher, collector,
		log.With(logx.String("comp", "alerts")))

	sched := scheduler.New(scheduler.Config{
		Timezone:       cfg.Schedule.Timezone,
		DefaultTimeout: 2 * time.Minute,
	}, log.With(logx.String("comp", "scheduler")))

	router := bot.NewRouter(adapter, log.With(logx.String("comp", "bot")), 30*time.Second)
	botsvc := bot.NewService(st, source, router, cfgm.Get, log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      st,
		adapter:    adapter,
		source:     source,
		dispatcher: dispatcher,
		reminders:  reminders,
		alerts:     alerts,
		sched:      sched,
		collector:  collector,
		metricsrv:  metricsrv,
		router:     router,
		botsvc:     botsvc,
		updates:    make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.metricsrv != nil {
		a.sup.Go("metrics.listen", func(c context.Context) error {
			return a.metricsrv.Start(c)
		})
	}

	cfg := a.cfgm.Get()
	reminderSpec := strings.TrimSpace(cfg.Schedule.ReminderSpec)
	if reminderSpec == "" {
		reminderSpec = "* * * * *"
	}
	if err := a.sched.Add("reminders", reminderSpec, 2*time.Minute, a.reminders.Tick); err != nil {
		return err
	}
	alertEvery := config.DurationOrDefault(cfg.Schedule.AlertInterval, 5*time.Minute)
	if err := a.sched.AddInterval("alerts", alertEvery, 2*time.Minute, a.alerts.Tick); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if menu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := menu.UpdateMenuCommands(a.sup.Context(), a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts, keep only the latest
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated hot-reloaded config into the live
// components that support it. Store, transport and metrics changes need
// a restart and are only logged.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.dispatcher.Apply(mapDispatcherConfig(cfg))
	a.sched.Apply(scheduler.Config{
		Timezone:       cfg.Schedule.Timezone,
		DefaultTimeout: 2 * time.Minute,
	})

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapDispatcherConfig(cfg *config.Config) notify.DispatcherConfig {
	return notify.DispatcherConfig{
		BatchSize:   cfg.Dispatch.BatchSize,
		BatchPause:  config.DurationOrDefault(cfg.Dispatch.BatchPause, time.Second),
		RatePerSec:  float64(cfg.Dispatch.RatePerSec),
		MaxAttempts: cfg.Dispatch.RetryMax,
		RetryBase:   config.DurationOrDefault(cfg.Dispatch.RetryBase, time.Second),
		SendTimeout: config.DurationOrDefault(cfg.Dispatch.SendTimeout, 10*time.Second),
	}
}

func loadZone(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid default zone, using UTC", logx.String("zone", name), logx.Err(err))
		return time.UTC
	}
	return loc
}
