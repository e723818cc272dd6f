package config

import (
	"reflect"
	"strings"

	logx "tgrelay/pkg/logx"
)

// Change summarizes a reload for logging. Attrs never carry secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ChannelID != nt.ChannelID ||
		!strings.EqualFold(strings.TrimPrefix(ot.ChannelUsername, "@"), strings.TrimPrefix(nt.ChannelUsername, "@")) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		mark("telegram.connection", true,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.channel_id", nt.ChannelID),
		)
	}
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.AdminChatID != nt.AdminChatID ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		mark("telegram.operators", false,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.X, newCfg.X) {
		mark("x", true, logx.String("x.api_base", newCfg.X.APIBase))
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		restart := oldCfg.Relay.MediaDir != newCfg.Relay.MediaDir
		mark("relay", restart,
			logx.String("relay.approval_timeout", newCfg.Relay.ApprovalTimeout),
			logx.String("relay.tick_interval", newCfg.Relay.TickInterval),
			logx.Bool("relay.default_caption_set", newCfg.Relay.DefaultCaption != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		restart := oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.Path != newCfg.Storage.Path ||
			oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout
		mark("storage", restart, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		enabled := newCfg.Notifier == nil || newCfg.Notifier.Enabled
		mark("notifier", false, logx.Bool("notifier.enabled", enabled))
	}
	od, nd := oldCfg.DebugServer, newCfg.DebugServer
	if od.Token != nd.Token || !reflect.DeepEqual(withoutToken(od), withoutToken(nd)) {
		mark("debug_server", false,
			logx.Bool("debug_server.enabled", nd.Enabled),
			logx.String("debug_server.addr", nd.Addr),
			logx.Bool("debug_server.token_set", nd.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	return ch
}

func withoutToken(c DebugServerConfig) DebugServerConfig {
	c.Token = ""
	return c
}
