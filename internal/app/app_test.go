package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"tgrelay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{42}, ChannelID: -1001},
		X:        config.XConfig{ClientID: "c", AccessToken: "a"},
	}
}

func TestMapStorageConfigDefaults(t *testing.T) {
	t.Parallel()
	cases := []struct {
		driver, path string
		wantDriver   string
		wantPath     string
	}{
		{"", "", "", "./data/tgrelay"},
		{"file", "", "file", "./data/tgrelay"},
		{"SQLite", "", "sqlite", "./data/tgrelay.db"},
		{"sqlite", " /var/lib/r.db ", "sqlite", "/var/lib/r.db"},
		{"memory", "", "memory", ""},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.Storage = config.StorageConfig{Driver: tc.driver, Path: tc.path}
		got, err := mapStorageConfig(cfg)
		if err != nil {
			t.Fatalf("%q: %v", tc.driver, err)
		}
		if got.Driver != tc.wantDriver || got.Path != tc.wantPath {
			t.Fatalf("%q/%q mapped to %+v", tc.driver, tc.path, got)
		}
	}

	cfg := baseConfig()
	cfg.Storage.BusyTimeout = "soon"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("expected busy_timeout error")
	}
}

func TestMapRelayConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Relay = config.RelayConfig{GroupIdle: "2s", ApprovalTimeout: "5m", DefaultCaption: "new post"}
	got, err := mapRelayConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupIdle != 2*time.Second || got.ApprovalTimeout != 5*time.Minute || got.DefaultCaption != "new post" {
		t.Fatalf("relay = %+v", got)
	}
	if got.TickInterval != 0 {
		t.Fatalf("unset tick interval should stay zero for engine defaults, got %v", got.TickInterval)
	}

	cfg.Relay.PublishTimeout = "-1s"
	if _, err := mapRelayConfig(cfg); err == nil || !strings.Contains(err.Error(), "relay.publish_timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapXConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.X.ChunkSizeKB = 1024
	cfg.X.UploadRatePerSec = 2
	cfg.X.RequestTimeout = "30s"
	got, err := mapXConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.ChunkSize != 1<<20 || got.UploadRate != 2 || got.RequestTimeout != 30*time.Second {
		t.Fatalf("x = %+v", got)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	got, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled {
		t.Fatal("omitted notifier section should default to enabled")
	}

	cfg.Notifier = &config.NotifierConfig{Enabled: false, RetryBase: "1s", DedupWindow: "30s"}
	got, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.RetryBase != time.Second || got.DedupWindow != 30*time.Second {
		t.Fatalf("notifier = %+v", got)
	}
}

func TestMapTelegramConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Relay.MaxDownloadMB = 50
	got, err := mapTelegramConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.PollTimeout != 10*time.Second || got.MaxDownload != 50<<20 {
		t.Fatalf("telegram = %+v", got)
	}
}

func TestLogTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		groupLog   string
		thread     int
		wantChat   int64
		wantThread int
	}{
		{"", 5, 0, 0},
		{"-1002", 5, -1002, 5},
		{"-1002:9", 5, -1002, 9},
		{"nope", 5, 0, 0},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.Telegram.GroupLog = tc.groupLog
		cfg.Logging.Telegram.ThreadID = tc.thread
		chat, thread := logTarget(cfg)
		if chat != tc.wantChat || thread != tc.wantThread {
			t.Fatalf("logTarget(%q) = %d:%d", tc.groupLog, chat, thread)
		}
	}
}

func TestMediaSettings(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	dir, age, err := mediaSettings(cfg)
	if err != nil || dir != defaultMediaDir || age != defaultMediaMaxAge {
		t.Fatalf("defaults = %q %v %v", dir, age, err)
	}
	cfg.Relay.MediaDir = "/srv/media"
	cfg.Relay.MediaMaxAge = "12h"
	dir, age, _ = mediaSettings(cfg)
	if dir != "/srv/media" || age != 12*time.Hour {
		t.Fatalf("got %q %v", dir, age)
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if location(cfg) != time.Local {
		t.Fatal("empty timezone should use local time")
	}
	cfg.Scheduler.Timezone = "UTC"
	if location(cfg).String() != "UTC" {
		t.Fatalf("got %v", location(cfg))
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	t.Parallel()
	a := &App{}
	cfg := baseConfig()
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("base config: %v", err)
	}

	cfg.Storage.CompactSchedule = "every tuesday"
	if err := a.validate(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "storage.compact_schedule") {
		t.Fatalf("err = %v", err)
	}

	cfg = baseConfig()
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := a.validate(context.Background(), cfg); err == nil {
		t.Fatal("expected timezone error")
	}
}
