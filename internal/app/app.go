// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"campaignbot/internal/admin"
	"campaignbot/internal/audience"
	"campaignbot/internal/autosend"
	"campaignbot/internal/broadcast"
	"campaignbot/internal/config"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/intake"
	"campaignbot/internal/ledger"
	"campaignbot/internal/locale"
	"campaignbot/internal/metrics"
	rtsup "campaignbot/internal/runtime/supervisor"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	"campaignbot/internal/transport/telegram"
	logx "campaignbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter   transport.Adapter
	engine    *dispatch.Engine
	texts     *locale.Cache
	intake    *intake.Handler
	autosend  *autosend.Service
	broadcast *broadcast.Service
	metrics   *metrics.Collector
	admin     *admin.Server

	schedEnabled bool
	updates      chan transport.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// Every mapping below was already checked by validate.
	dcfg, _ := mapDispatchConfig(cfg)
	bcfg, _ := mapBroadcastConfig(cfg)
	acfg, sched, _ := mapSchedulerConfig(cfg)

	bus := eventbus.New()
	engine := dispatch.New(ad, dcfg,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))), dispatch.WithBus(bus))

	led := ledger.New(store, log)
	filter := audience.NewFilter(store)
	matcher := audience.NewMatcher(filter, led, sched.window)

	texts, err := locale.New(store, defaultLanguage(cfg), supportedLanguages(cfg), log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	loc := sched.location
	auto, err := autosend.New(autosend.Deps{
		Rules:   store,
		Matcher: matcher,
		Ledger:  led,
		Engine:  engine,
		Log:     log,
		Bus:     bus,
		Now:     func() time.Time { return time.Now().In(loc) },
	}, acfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bc := broadcast.New(filter, engine, bcfg, log, bus)
	met := metrics.New(bus)

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		engine:    engine,
		texts:     texts,
		intake:    intake.New(store, texts, ad, log, intake.WithBus(bus)),
		autosend:  auto,
		broadcast: bc,
		metrics:   met,
		admin: admin.NewServer(admin.Deps{
			Broadcasts: bc,
			Store:      store,
			Texts:      texts,
			Metrics:    met.Handler(),
			Log:        log,
		}),
		schedEnabled: sched.enabled,
		updates:      make(chan transport.Message, 256),
	}, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up in dependency order. An unreachable store is
// fatal.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.texts.Reload(ctx); err != nil {
		a.log.Warn("using built-in texts", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(512)
	a.sup.Go("metrics", func(c context.Context) error {
		defer unsub()
		return a.metrics.Run(c, events)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.GoRestart("intake", func(c context.Context) error {
		return a.intake.Run(c, a.updates)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if a.schedEnabled {
		if err := a.autosend.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("autosend disabled via config")
	}

	acfg, _ := mapAdminConfig(a.cfgm.Get())
	if err := a.admin.Apply(a.sup.Context(), acfg); err != nil {
		return fmt.Errorf("admin: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Only the newest of a burst matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Bool("autosend", a.schedEnabled))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "locale":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	if dc, err := mapDispatchConfig(next); err == nil {
		a.engine.Apply(dc)
	}
	if bc, err := mapBroadcastConfig(next); err == nil {
		a.broadcast.Apply(bc)
	}
	if ac, sched, err := mapSchedulerConfig(next); err == nil {
		if err := a.autosend.Apply(ac); err != nil {
			a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
		}
		switch {
		case a.schedEnabled && !sched.enabled:
			a.log.Info("autosend disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.autosend.Stop(stopCtx); err != nil {
				a.log.Warn("autosend stop failed", logx.Err(err))
			}
			cancel()
		case !a.schedEnabled && sched.enabled:
			a.log.Info("autosend enabled via config")
			if err := a.autosend.Start(ctx); err != nil {
				a.log.Error("autosend start failed", logx.Err(err))
				sched.enabled = false
			}
		}
		a.schedEnabled = sched.enabled
	}
	if ac, err := mapAdminConfig(next); err == nil {
		if err := a.admin.Apply(ctx, ac); err != nil {
			a.log.Error("admin api reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse order. Each step is bounded so one
// stuck component cannot stall the rest; step errors are returned together.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var merr *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, max, fn); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("admin", 2*time.Second, a.admin.Stop)
	step("autosend", 3*time.Second, a.autosend.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// runStep runs fn with a deadline no later than the caller's. A step that
// ignores its context is abandoned when the deadline passes.
func runStep(ctx context.Context, max time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return stepCtx.Err()
	}
}
