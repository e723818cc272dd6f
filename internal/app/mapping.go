package app

import (
	"strings"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability/debugsrv"
	"tgrelay/internal/publisher/xapi"
	"tgrelay/internal/relay"
	"tgrelay/internal/source"
	"tgrelay/internal/storage"
	"tgrelay/internal/task/scheduler"
	telegram "tgrelay/internal/transport/telegram/adapter"
	logx "tgrelay/pkg/logx"
)

const (
	defaultMediaDir    = "./media"
	defaultMediaMaxAge = 72 * time.Hour
	defaultDBPath      = "./data"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		MaxDownload: int64(cfg.Relay.MaxDownloadMB) << 20,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget resolves telegram.group_log. A thread in the target wins over
// logging.telegram.thread_id.
func logTarget(cfg *config.Config) (int64, int) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, 0
	}
	chatID, threadID, err := config.ParseChatTarget(raw)
	if err != nil {
		return 0, 0
	}
	if threadID == 0 {
		threadID = cfg.Logging.Telegram.ThreadID
	}
	return chatID, threadID
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	out := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:   strings.TrimSpace(sc.Path),
	}
	if out.Path == "" {
		switch out.Driver {
		case "", "file":
			out.Path = defaultDBPath + "/tgrelay"
		case "sqlite", "sqlite3":
			out.Path = defaultDBPath + "/tgrelay.db"
		}
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = busy
	return out, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	var out relay.Config
	var err error
	if out.GroupIdle, err = config.ParseDurationField("relay.group_idle", rc.GroupIdle); err != nil {
		return out, err
	}
	if out.ApprovalTimeout, err = config.ParseDurationField("relay.approval_timeout", rc.ApprovalTimeout); err != nil {
		return out, err
	}
	if out.TickInterval, err = config.ParseDurationField("relay.tick_interval", rc.TickInterval); err != nil {
		return out, err
	}
	if out.PublishTimeout, err = config.ParseDurationField("relay.publish_timeout", rc.PublishTimeout); err != nil {
		return out, err
	}
	out.DefaultCaption = rc.DefaultCaption
	return out, nil
}

func mediaSettings(cfg *config.Config) (dir string, maxAge time.Duration, err error) {
	dir = strings.TrimSpace(cfg.Relay.MediaDir)
	if dir == "" {
		dir = defaultMediaDir
	}
	maxAge, err = config.ParseDurationOrDefault("relay.media_max_age", cfg.Relay.MediaMaxAge, defaultMediaMaxAge)
	return dir, maxAge, err
}

func mapSourceConfig(cfg *config.Config) source.Config {
	return source.Config{
		ChannelID:       cfg.Telegram.ChannelID,
		ChannelUsername: cfg.Telegram.ChannelUsername,
	}
}

func mapXConfig(cfg *config.Config) (xapi.Config, error) {
	xc := cfg.X
	out := xapi.Config{
		APIBase:      xc.APIBase,
		TokenURL:     xc.TokenURL,
		ClientID:     xc.ClientID,
		ClientSecret: xc.ClientSecret,
		AccessToken:  xc.AccessToken,
		RefreshToken: xc.RefreshToken,
		TokenFile:    xc.TokenFile,
		ChunkSize:    xc.ChunkSizeKB << 10,
		UploadRate:   float64(xc.UploadRatePerSec),
	}
	var err error
	if out.RequestTimeout, err = config.ParseDurationField("x.request_timeout", xc.RequestTimeout); err != nil {
		return out, err
	}
	if out.ProcessingTimeout, err = config.ParseDurationField("x.processing_timeout", xc.ProcessingTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// mapNotifierConfig: an omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Minute}, nil
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return out, err
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	dc := cfg.DebugServer
	out := debugsrv.Config{
		Enabled:              dc.Enabled,
		Addr:                 dc.Addr,
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		Pprof:                dc.Pprof,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug_server.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug_server.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug_server.idle_timeout", dc.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func location(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
