// Package app wires the services together and owns their lifecycle: build
// from config, start, hot reload and a bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/actions"
	"carebot/internal/bot"
	"carebot/internal/config"
	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/eventbus"
	"carebot/internal/focus"
	"carebot/internal/notifier"
	"carebot/internal/observability/metrics"
	"carebot/internal/observability/ops"
	"carebot/internal/reminder"
	rtsup "carebot/internal/runtime/supervisor"
	"carebot/internal/storage"
	"carebot/internal/task/scheduler"
	kit "carebot/internal/transport"
	telegram "carebot/internal/transport/telegram/adapter"
	logx "carebot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// focusJob is the scheduler name of the focus session sweep.
const focusJob = "focus.tick"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clockwork.Clock
	store *storage.DB

	adapter kit.Adapter
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	timers  *deferral.Registry
	actions *actions.Handler
	focus   *focus.Machine
	sched   *scheduler.Service
	bot     *bot.Bot
	metrics *metrics.Metrics
	ops     *ops.Service

	// engine is replaced on reminder config changes; only the reload
	// goroutine touches it after Start.
	engine *reminder.Engine

	updates chan kit.Update
}

// Options override parts of the build, mostly for tests.
type Options struct {
	// Adapter replaces the Telegram adapter.
	Adapter kit.Adapter
	Clock   clockwork.Clock
}

// New loads cfgPath and builds the app. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, opt)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, opt Options) (*App, error) {
	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	clk := opt.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	bus := eventbus.New()

	ad := opt.Adapter
	if ad == nil {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return fail(err)
		}
		tg, err := telegram.New(tc, root)
		if err != nil {
			return fail(err)
		}
		ad = tg
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return fail(err)
	}
	fail = func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, root, bus)
	// Alerts go through the notifier queue so they never block a log call.
	logSvc.SetAlertSender(notif)

	disp := dispatch.New(notif, store, clk, root, bus, dispatch.Config{})
	timers, err := deferral.New(clk, root, bus)
	if err != nil {
		return fail(err)
	}

	acfg, err := mapActions(cfg)
	if err != nil {
		return fail(err)
	}
	act := actions.New(store, disp, timers, clk, root, bus, acfg)

	fcfg, err := mapFocus(cfg)
	if err != nil {
		return fail(err)
	}
	fm := focus.New(store, disp, timers, clk, root, bus, fcfg)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(schedCfg, root, bus)

	rcfg, err := mapReminders(cfg)
	if err != nil {
		return fail(err)
	}
	engine := reminder.New(store, disp, clk, root, bus, rcfg)
	if err := engine.Register(sched); err != nil {
		return fail(err)
	}
	if _, err := sched.AddSchedule(focusJob, focusTick(cfg), 0, fm.Tick); err != nil {
		return fail(fmt.Errorf("register %s: %w", focusJob, err))
	}

	m := metrics.New(root)
	ocfg, err := mapOps(cfg)
	if err != nil {
		return fail(err)
	}
	opsSvc := ops.New(ocfg, m, root)
	opsSvc.AddCheck("storage", store.Ping)
	opsSvc.AddCheck("scheduler", func(context.Context) error {
		if snap := sched.Snapshot(); snap.Enabled && !snap.Running {
			return errors.New("scheduler enabled but not running")
		}
		return nil
	})

	bcfg, err := mapBot(cfg)
	if err != nil {
		return fail(err)
	}
	status := statusSources{
		started:  clk.Now(),
		now:      clk.Now,
		ping:     store.Ping,
		sched:    sched.Snapshot,
		deferred: timers.Len,
	}
	b := bot.New(bot.Deps{
		Store:   store,
		Send:    notif,
		Actions: act,
		Focus:   fm,
		Clock:   clk,
		Bus:     bus,
		Status:  status.render,
	}, root, bcfg)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		clock:   clk,
		store:   store,
		adapter: ad,
		notif:   notif,
		disp:    disp,
		timers:  timers,
		actions: act,
		focus:   fm,
		sched:   sched,
		bot:     b,
		metrics: m,
		ops:     opsSvc,
		engine:  engine,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
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

// Metrics exposes the registry for the ops server and tests.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapping(cfg)
	})

	a.notif.Start(run)
	a.timers.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(run, a.bot.MenuCommands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })

	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.ops.Enabled() {
		a.ops.Start(run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// validateMapping rejects configs a component could not take. It runs on
// top of config.Validate before a reload is committed.
func validateMapping(cfg *config.Config) error {
	_, e1 := mapTelegram(cfg)
	_, e2 := mapStorage(cfg)
	_, e3 := mapScheduler(cfg)
	_, e4 := mapReminders(cfg)
	_, e5 := mapFocus(cfg)
	_, e6 := mapActions(cfg)
	_, e7 := mapNotifier(cfg)
	_, e8 := mapBot(cfg)
	_, e9 := mapOps(cfg)
	return errors.Join(e1, e2, e3, e4, e5, e6, e7, e8, e9)
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes a committed config into the running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.NeedsRestart(sections) {
		a.log.Warn("storage or telegram token changed; restart required for those to take effect")
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	warn := func(what string, err error) {
		a.log.Warn("invalid "+what+" config; keeping previous", logx.Err(err))
	}

	if changed["logging"] || changed["telegram"] {
		a.logs.Apply(mapLogging(next))
	}
	if changed["notifier"] {
		if c, err := mapNotifier(next); err != nil {
			warn("notifier", err)
		} else {
			a.notif.Apply(c)
		}
	}
	if changed["actions"] {
		if c, err := mapActions(next); err != nil {
			warn("actions", err)
		} else {
			a.actions.Apply(c)
		}
	}
	if changed["focus"] {
		if c, err := mapFocus(next); err != nil {
			warn("focus", err)
		} else {
			a.focus.Apply(c)
			// Jobs upsert by name, so this swaps the schedule in place.
			if _, err := a.sched.AddSchedule(focusJob, focusTick(next), 0, a.focus.Tick); err != nil {
				warn("focus.tick", err)
			}
		}
	}
	if changed["reminders"] {
		if c, err := mapReminders(next); err != nil {
			warn("reminders", err)
		} else {
			engine := reminder.New(a.store, a.disp, a.clock, a.logs.Logger(), a.bus, c)
			if err := engine.Register(a.sched); err != nil {
				warn("reminders", err)
			} else {
				a.engine = engine
			}
		}
	}
	if changed["telegram"] || changed["bot"] {
		if c, err := mapBot(next); err != nil {
			warn("bot", err)
		} else {
			a.bot.Apply(c)
		}
	}
	if changed["scheduler"] {
		if c, err := mapScheduler(next); err != nil {
			warn("scheduler", err)
		} else {
			wasEnabled := a.sched.Enabled()
			a.sched.Apply(c)
			switch {
			case wasEnabled && !c.Enabled:
				a.log.Info("scheduler disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			case !wasEnabled && c.Enabled:
				a.log.Info("scheduler enabled via config")
				a.sched.Start(ctx)
			}
		}
	}
	if changed["ops"] {
		if c, err := mapOps(next); err != nil {
			warn("ops", err)
		} else {
			a.ops.Reconfigure(ctx, c)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Triggers first, then the things they send through, then storage.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("deferral", 2*time.Second, func(context.Context) error { return a.timers.Shutdown() })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("notifier", 2*time.Second, a.notif.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// CheckConfig loads and validates path without starting anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapping(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Migrate opens the configured database and applies pending migrations.
func Migrate(ctx context.Context, path string, log logx.Logger) error {
	cfg, err := CheckConfig(path)
	if err != nil {
		return err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(ctx)
}
