package config

import (
	"reflect"
	"sort"
	"strings"

	logx "carebot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "telegram.token": true}

// SummarizeConfigChange returns the changed sections and safe log fields
// describing them. Tokens are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		mark("telegram.token", logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""))
	}
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.AdminChatID != nt.AdminChatID {
		mark("telegram",
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.admin_chat_set", nt.AdminChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alerts_enabled", l.Alerts.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		mark("scheduler",
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.default_timeout", s.DefaultTimeout),
			logx.Int("scheduler.history_size", s.HistorySize),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		r := newCfg.Reminders
		mark("reminders",
			logx.String("reminders.tick", r.Tick),
			logx.String("reminders.window", r.Window),
		)
	}
	if oldCfg.Focus != newCfg.Focus {
		mark("focus", logx.String("focus.tick", newCfg.Focus.Tick), logx.String("focus.cooldown", newCfg.Focus.Cooldown))
	}
	if oldCfg.Actions != newCfg.Actions {
		mark("actions", logx.String("actions.later_delay", newCfg.Actions.LaterDelay))
	}

	var on, nn NotifierConfig
	if oldCfg.Notifier != nil {
		on = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nn = *newCfg.Notifier
	}
	if on != nn {
		mark("notifier",
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.Int("notifier.workers", nn.Workers),
		)
	}

	if oldCfg.Bot != newCfg.Bot {
		b := newCfg.Bot
		mark("bot",
			logx.Int("bot.workers", b.Workers),
			logx.String("bot.timeout", b.Timeout),
			logx.String("bot.dialog_ttl", b.DialogTTL),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if oo != no || (strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		mark("ops",
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", OpsAddr(no)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports whether any changed section is applied only at startup.
func NeedsRestart(sections []string) bool {
	for _, s := range sections {
		if restartSections[s] {
			return true
		}
	}
	return false
}
