package app

import (
	"context"
	"strings"
	"time"

	"tgrelay/internal/config"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

// startReload fans committed configs out to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				ch := config.Summarize(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg, ch)
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, ch config.Change) {
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", ch.RestartRequired))
	}

	// Target first, so Apply does not warn when chat mirroring is enabled.
	chatID, threadID := logTarget(cfg)
	a.logs.SetChatTarget(chatID, threadID)
	a.logs.Apply(mapLoggingConfig(cfg))

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.notices.SetTarget(kit.ChatTarget{ChatID: cfg.AdminChat()})

	loc := location(cfg)
	a.console.SetLocation(loc)
	a.notices.SetLocation(loc)

	if rcfg, err := mapRelayConfig(cfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(rcfg)
	}

	a.applyScheduler(ctx, cfg)
	a.applyNotifier(ctx, cfg)

	if dcfg, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug_server config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
		if a.debug.Enabled() {
			a.sups.Set("debug", a.debug.Supervisor())
		} else {
			a.sups.Delete("debug")
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	prev := a.sched.Enabled()
	scfg := mapSchedulerConfig(cfg)
	a.sched.Apply(scfg)
	if err := a.registerTasks(cfg); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}
	switch {
	case prev && !scfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev && scfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	prev := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.sups.Delete("notifier")
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
		a.sups.Set("notifier", a.notif.Supervisor())
	}
}
