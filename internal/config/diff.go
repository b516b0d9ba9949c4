package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignbot/pkg/logx"
)

// SummarizeChange lists the changed top-level sections and returns log
// fields describing the new values. Secrets (bot token, admin token) are
// reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.SchedulerEnabled()),
			logx.String("scheduler.poll", strings.TrimSpace(newCfg.Scheduler.Poll)),
			logx.String("scheduler.retry_interval", strings.TrimSpace(newCfg.Scheduler.RetryInterval)),
			logx.String("scheduler.match_window", strings.TrimSpace(newCfg.Scheduler.MatchWindow)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.delay", strings.TrimSpace(newCfg.Dispatch.Delay)),
			logx.String("dispatch.call_timeout", strings.TrimSpace(newCfg.Dispatch.CallTimeout)),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.delay", strings.TrimSpace(newCfg.Broadcast.Delay)),
			logx.Int("broadcast.history_size", newCfg.Broadcast.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Locale, newCfg.Locale) {
		changed = append(changed, "locale")
		attrs = append(attrs,
			logx.String("locale.default_language", newCfg.Locale.DefaultLanguage),
			logx.Int("locale.supported_count", len(newCfg.Locale.Supported)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
