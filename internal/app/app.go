package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/console"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/media"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability/debugsrv"
	"tgrelay/internal/observability/metrics"
	"tgrelay/internal/publisher/xapi"
	"tgrelay/internal/relay"
	rtsup "tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/source"
	"tgrelay/internal/storage"
	"tgrelay/internal/task/scheduler"
	kit "tgrelay/internal/transport"
	telegram "tgrelay/internal/transport/telegram/adapter"
	"tgrelay/internal/transport/telegram/router"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/systemd"
)

const (
	taskCompact = "storage.compact"
	taskSweep   = "media.sweep"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	media *media.Store

	adapter *telegram.Adapter
	engine  *relay.Engine
	source  *source.Listener
	sched   *scheduler.Service
	notif   *notifier.Service
	notices *notifier.RelayNotifier
	metrics *metrics.Metrics
	debug   *debugsrv.Service
	console *console.Console

	cmdm *router.CommandManager
	sups *router.SupervisorRegistry

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Chat mirroring starts disabled so Apply does not warn before the
	// target is known.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
		return err
	})
	if chatID, threadID := logTarget(cfg); chatID != 0 {
		logSvc.SetChatTarget(chatID, threadID)
	}
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// From here on the store must be closed on failure.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	mediaDir, _, err := mediaSettings(cfg)
	if err != nil {
		return fail(err)
	}
	mstore, err := media.NewStore(mediaDir, log.With(logx.String("comp", "media")))
	if err != nil {
		return fail(err)
	}

	xcfg, err := mapXConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pub, err := xapi.New(context.Background(), xcfg, log.With(logx.String("comp", "xapi")))
	if err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	loc := location(cfg)
	notices := notifier.NewRelayNotifier(notif, log.With(logx.String("comp", "notices")), console.ApprovalKeyboard)
	notices.SetTarget(kit.ChatTarget{ChatID: cfg.AdminChat()})
	notices.SetLocation(loc)

	rcfg, err := mapRelayConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng, err := relay.New(rcfg, relay.Deps{
		Store:     store,
		Publisher: pub,
		Notifier:  notices,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "relay")),
		Release:   mstore.Release,
	})
	if err != nil {
		return fail(err)
	}

	srcCfg := mapSourceConfig(cfg)
	src := source.New(srcCfg, ad, mstore, eng, log.With(logx.String("comp", "source")))

	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")), bus)

	met := metrics.New(metrics.Sources{
		Relay:          eng.Stats,
		BusDropped:     bus.Dropped,
		UpdatesDropped: ad.Dropped,
		Posts:          src.Counters,
	})

	sups := router.NewSupervisorRegistry()
	con := console.New(eng, sups, loc)
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{
		Auditor:     store,
		Posts:       src,
		Supervisors: sups,
	})
	cmdm.SetRegistry(con.Commands(), con.Callbacks())

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		media:   mstore,
		adapter: ad,
		engine:  eng,
		source:  src,
		sched:   sched,
		notif:   notif,
		notices: notices,
		metrics: met,
		console: con,
		cmdm:    cmdm,
		sups:    sups,
		updates: make(chan kit.Update, 256),
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.debug = debugsrv.New(dcfg, log.With(logx.String("comp", "debug")), met.Handler(), a.health)

	if err := a.registerTasks(cfg); err != nil {
		return fail(err)
	}
	return a, nil
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

func (a *App) registerTasks(cfg *config.Config) error {
	if s := strings.TrimSpace(cfg.Storage.CompactSchedule); s != "" {
		if err := a.sched.AddSchedule(taskCompact, s, 5*time.Minute, a.store.Compact); err != nil {
			return fmt.Errorf("storage.compact_schedule: %w", err)
		}
	} else {
		a.sched.Remove(taskCompact)
	}
	if s := strings.TrimSpace(cfg.Scheduler.MediaSweep); s != "" {
		if err := a.sched.AddSchedule(taskSweep, s, 5*time.Minute, a.sweepMedia); err != nil {
			return fmt.Errorf("scheduler.media_sweep: %w", err)
		}
	} else {
		a.sched.Remove(taskSweep)
	}
	return nil
}

func (a *App) sweepMedia(ctx context.Context) error {
	_, maxAge, err := mediaSettings(a.cfgm.Get())
	if err != nil {
		return err
	}
	n, err := a.media.Sweep(ctx, maxAge, a.engine.Uses)
	if n > 0 {
		a.log.Info("media swept", logx.Int("removed", n), logx.Duration("max_age", maxAge))
	}
	return err
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mediaSettings(cfg); err != nil {
		return err
	}
	if _, err := mapXConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	for field, s := range map[string]string{
		"storage.compact_schedule": cfg.Storage.CompactSchedule,
		"scheduler.media_sweep":    cfg.Scheduler.MediaSweep,
	} {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(s); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	restored, err := a.engine.Restore(a.sup.Context())
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	a.log.Info("queue restored", logx.Int("submissions", restored))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.sups.Set("notifier", a.notif.Supervisor())
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sups.Set("telegram.adapter", a.adapter.Supervisor())

	a.sup.Go("relay.engine", a.engine.Run)
	a.sup.Go("source.listener", a.source.Run)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	a.sched.Start(a.sup.Context())

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
		a.sups.Set("debug", a.debug.Supervisor())
	}

	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.Int("restored", restored))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("telegram.adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 5*time.Second, a.sup.Wait)
	// The engine's in-flight publish is bounded by its own timeout and
	// finishes before Run returns, so notices are queued by now.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("relay.engine", time.Second, func(context.Context) error { a.engine.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("logging", time.Second, func(context.Context) error { return a.logs.Close() })
	return nil
}
