package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"casewatch/internal/config"
	"casewatch/internal/core"
	"casewatch/internal/eventbus"
	"casewatch/internal/i18n"
	"casewatch/internal/metrics"
	"casewatch/internal/notifier"
	"casewatch/internal/observability/ops"
	"casewatch/internal/plugin"
	"casewatch/internal/poll"
	"casewatch/internal/runtime/supervisor"
	"casewatch/internal/storage"
	"casewatch/internal/task/engine"
	"casewatch/internal/task/scheduler"
	logx "casewatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	store    storage.Store
	metrics  *metrics.Metrics
	registry *plugin.Registry
	i18n     *i18n.Resolver

	dispatcher *notifier.Dispatcher
	telegram   *notifier.TelegramSender
	alertChat  atomic.Value // string

	poller *poll.Poller
	engine *engine.Service
	sched  *scheduler.Service
	ops    *ops.Service
	relay  eventbus.Publisher
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// Alerts need the Telegram sender, which needs a logger. Start with alerts
	// off and enable them once the sink exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.Component("app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc}
	a.alertChat.Store(strings.TrimSpace(cfg.Logging.Alerts.ChatID))

	a.bus = eventbus.New()
	a.metrics = metrics.New(func() float64 { return float64(eventbus.Dropped(a.bus)) })

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root.With(logx.Component("storage"))); err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	if a.i18n, err = i18n.Load(mapI18nConfig(cfg), root.With(logx.Component("i18n"))); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	if a.registry, err = buildRegistry(cfg, root); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	senders, err := a.buildSenders(cfg, root)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.dispatcher = notifier.New(ncfg, notifier.Deps{
		Sink:       a.store,
		Translator: a.i18n,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Log:        root.With(logx.Component("notifier")),
	}, senders...)

	pcfg, err := mapPollConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.poller = poll.New(pcfg, poll.Deps{
		Store:    a.store,
		Fetcher:  a.registry,
		Notifier: a.dispatcher,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      root.With(logx.Component("poll")),
	})

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.engine = engine.New(ecfg, root.With(logx.Component("engine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Tenants: a.store,
		Poller:  a.poller,
		Limits:  a.registry,
		Engine:  a.engine,
		Metrics: a.metrics,
		Bus:     a.bus,
		Log:     root.With(logx.Component("scheduler")),
	})

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Scheduler:     a.sched,
		Notifications: a.dispatcher,
		Metrics:       a.metrics.Handler(),
		Health:        a.Healthy,
	}, root.With(logx.Component("ops")))

	a.applyLogging(cfg, logCfg)
	return a, nil
}

func buildRegistry(cfg *config.Config, root logx.Logger) (*plugin.Registry, error) {
	reg := plugin.NewRegistry()
	log := root.With(logx.Component("plugins"))
	for code, factory := range jurisdictions {
		jc, enabled := jurisdictionEnabled(cfg, code)
		if !enabled {
			log.Info("jurisdiction disabled", logx.String("code", code))
			continue
		}
		j, err := factory(jc, root.With(logx.Component("plugin")))
		if err != nil {
			return nil, fmt.Errorf("jurisdiction %s: %w", code, err)
		}
		if err := reg.Register(j); err != nil {
			return nil, err
		}
		if err := reg.SetLimits(code, mapLimits(jc)); err != nil {
			return nil, err
		}
		lim := reg.Limits(code)
		log.Info("jurisdiction registered",
			logx.String("code", code),
			logx.Float64("rate_per_minute", lim.RatePerMinute),
			logx.Int("max_concurrent", lim.MaxConcurrent),
		)
	}
	return reg, nil
}

// buildSenders returns the delivery channels enabled in cfg. In-app delivery
// is always available.
func (a *App) buildSenders(cfg *config.Config, root logx.Logger) ([]notifier.Sender, error) {
	log := root.With(logx.Component("notifier"))
	senders := []notifier.Sender{notifier.NewInAppSender(a.bus)}

	if cfg.Notifier.Email.Enabled {
		es, err := notifier.NewEmailSender(mapEmailConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		senders = append(senders, es)
	}
	if cfg.Notifier.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ts, err := notifier.NewTelegramSender(tc, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.telegram = ts
		senders = append(senders, ts)
	}
	return senders, nil
}

// applyLogging installs the alert sink and applies lc. Alerts stay off when
// there is no Telegram sender to carry them.
func (a *App) applyLogging(cfg *config.Config, lc logx.Config) {
	a.alertChat.Store(strings.TrimSpace(cfg.Logging.Alerts.ChatID))
	if lc.Alerts.Enabled && a.telegram == nil {
		lc.Alerts.Enabled = false
		a.log.Warn("log alerts need notifier.telegram; alerts disabled")
	}
	a.logs.SetAlertFunc(a.sendAlert)
	a.logs.Apply(lc)
}

func (a *App) sendAlert(ctx context.Context, text string) error {
	chat, _ := a.alertChat.Load().(string)
	if a.telegram == nil || chat == "" {
		return nil
	}
	return a.telegram.Send(ctx, notifier.Message{Channel: core.ChannelTelegram, Recipient: chat, Body: text})
}

// Healthy reports nil while the scheduler is running.
func (a *App) Healthy() error {
	if lc := a.sched.Lifecycle(); lc != scheduler.Running {
		return fmt.Errorf("scheduler %s", lc)
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.Component("supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())

	if err := a.startRelay(a.cfgm.Get()); err != nil {
		return err
	}

	// Bus events at debug level for tracing a poll end to end.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) startRelay(cfg *config.Config) error {
	if !cfg.Relay.Enabled {
		return nil
	}
	rc, prefix := mapRelayConfig(cfg)
	pub, err := eventbus.NewRedisPublisher(a.sup.Context(), rc)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	a.relay = pub
	relay := eventbus.NewRelay(a.bus, pub, prefix, cfg.Relay.Types, a.log.With(logx.Component("relay")))
	a.sup.Go("eventbus.relay", relay.Run)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Drain before canceling the supervisor: in-flight polls run under its
	// context and must be allowed to finish within the grace period.
	grace := scheduler.DefaultDrainGrace
	if sc, err := mapSchedulerConfig(a.cfgm.Get()); err == nil {
		grace = sc.DrainGrace
	}
	drainErr := a.step(ctx, "scheduler", grace+2*time.Second, a.sched.Drain)

	a.sup.Cancel()

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "relay", time.Second, func(c context.Context) error {
		if a.relay != nil {
			return a.relay.Close()
		}
		return nil
	})
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, relay).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return drainErr
}

// step runs one shutdown step with an upper bound so a stuck component
// can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
