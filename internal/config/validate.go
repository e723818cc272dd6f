package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks a parsed config before it is committed. It does not touch
// the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	if cfg.Telegram.ChannelID == 0 && strings.TrimSpace(cfg.Telegram.ChannelUsername) == "" {
		add(errors.New("telegram.channel_id or telegram.channel_username is required"))
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, _, err := ParseChatTarget(gl); err != nil {
			add(fmt.Errorf("telegram.group_log: %w", err))
		}
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if strings.TrimSpace(cfg.X.AccessToken) == "" && strings.TrimSpace(cfg.X.RefreshToken) == "" {
		add(errors.New("x.access_token or x.refresh_token is required"))
	}
	if strings.TrimSpace(cfg.X.RefreshToken) != "" && strings.TrimSpace(cfg.X.ClientID) == "" {
		add(errors.New("x.client_id is required when x.refresh_token is set"))
	}
	if cfg.X.ChunkSizeKB < 0 || cfg.X.ChunkSizeKB > 5*1024 {
		add(errors.New("x.chunk_size_kb must be between 1 and 5120"))
	}
	for path, raw := range map[string]string{
		"x.request_timeout":          cfg.X.RequestTimeout,
		"x.processing_timeout":       cfg.X.ProcessingTimeout,
		"relay.group_idle":           cfg.Relay.GroupIdle,
		"relay.approval_timeout":     cfg.Relay.ApprovalTimeout,
		"relay.tick_interval":        cfg.Relay.TickInterval,
		"relay.publish_timeout":      cfg.Relay.PublishTimeout,
		"relay.media_max_age":        cfg.Relay.MediaMaxAge,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"debug_server.read_timeout":  cfg.DebugServer.ReadTimeout,
		"debug_server.write_timeout": cfg.DebugServer.WriteTimeout,
		"debug_server.idle_timeout":  cfg.DebugServer.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if cfg.Notifier != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      cfg.Notifier.RetryBase,
			"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
			"notifier.dedup_window":    cfg.Notifier.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseChatTarget parses "chat_id" or "chat_id:thread_id".
func ParseChatTarget(s string) (int64, int, error) {
	s = strings.TrimSpace(s)
	idPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q", idPart)
	}
	if !hasThread {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(strings.TrimSpace(threadPart))
	if err != nil || threadID < 0 {
		return 0, 0, fmt.Errorf("invalid thread id %q", threadPart)
	}
	return chatID, threadID, nil
}

// AdminChat returns where operator notices go.
func (c *Config) AdminChat() int64 {
	if c.Telegram.AdminChatID != 0 {
		return c.Telegram.AdminChatID
	}
	if len(c.Telegram.OwnerUserIDs) > 0 {
		return c.Telegram.OwnerUserIDs[0]
	}
	return 0
}
