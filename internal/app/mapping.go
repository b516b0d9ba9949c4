package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/admin"
	"campaignbot/internal/autosend"
	"campaignbot/internal/broadcast"
	"campaignbot/internal/config"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./data/campaignbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	delay, err := config.ParseDurationOrDefault("dispatch.delay", dc.Delay, 100*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.call_timeout", dc.CallTimeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	if dc.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	rps := dc.RatePerSec
	if rps == 0 {
		rps = 25
	}
	return dispatch.Config{Delay: delay, CallTimeout: timeout, RatePerSec: float64(rps), Burst: rps}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	delay, err := config.ParseDurationOrDefault("broadcast.delay", bc.Delay, 50*time.Millisecond)
	if err != nil {
		return broadcast.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("broadcast.history_ttl", bc.HistoryTTL, 24*time.Hour)
	if err != nil {
		return broadcast.Config{}, err
	}
	if bc.HistorySize < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.history_size must be >= 0")
	}
	size := bc.HistorySize
	if size == 0 {
		size = 200
	}
	return broadcast.Config{Delay: delay, HistorySize: size, HistoryTTL: ttl}, nil
}

// schedulerSettings are the scheduler values that are not part of
// autosend.Config because they are fixed at construction.
type schedulerSettings struct {
	enabled  bool
	window   time.Duration
	location *time.Location
}

func mapSchedulerConfig(cfg *config.Config) (autosend.Config, schedulerSettings, error) {
	sc := cfg.Scheduler
	retry, err := config.ParseDurationOrDefault("scheduler.retry_interval", sc.RetryInterval, time.Minute)
	if err != nil {
		return autosend.Config{}, schedulerSettings{}, err
	}
	window, err := config.ParseDurationOrDefault("scheduler.match_window", sc.MatchWindow, 5*time.Minute)
	if err != nil {
		return autosend.Config{}, schedulerSettings{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return autosend.Config{}, schedulerSettings{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	poll := strings.TrimSpace(sc.Poll)
	if poll == "" {
		poll = "5m"
	}
	if _, err := autosend.ParseSchedule(poll); err != nil {
		return autosend.Config{}, schedulerSettings{}, fmt.Errorf("scheduler.poll: %w", err)
	}
	return autosend.Config{
			Poll:            poll,
			RetryInterval:   retry,
			DefaultLanguage: defaultLanguage(cfg),
		}, schedulerSettings{
			enabled:  sc.SchedulerEnabled(),
			window:   window,
			location: loc,
		}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 0)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:      ac.Enabled,
		Addr:         strings.TrimSpace(ac.Addr),
		Token:        ac.Token,
		Pprof:        ac.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func defaultLanguage(cfg *config.Config) string {
	if l := strings.ToLower(strings.TrimSpace(cfg.Locale.DefaultLanguage)); l != "" {
		return l
	}
	return "en"
}

func supportedLanguages(cfg *config.Config) []string {
	if len(cfg.Locale.Supported) > 0 {
		return cfg.Locale.Supported
	}
	return []string{"pt", "hu", "en"}
}

// validate rejects a config before it is committed, at startup and on hot
// reload alike.
func validate(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	if ac.Enabled && ac.Token == "" && !isLoopback(ac.Addr) {
		return fmt.Errorf("admin.token is required when admin.addr is not a loopback address")
	}
	return nil
}

func isLoopback(addr string) bool {
	if addr == "" {
		return true
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
