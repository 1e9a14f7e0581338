package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"carebot/internal/task/scheduler"
)

// Validate rejects a config that could not be applied. It runs on startup
// and before every hot reload is committed.
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
	dur := func(path, raw string) {
		_, err := Duration(path, raw)
		add(err)
	}
	sched := func(path, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	nonNeg("logging.alerts.rate_per_sec", cfg.Logging.Alerts.RatePerSec)
	if cfg.Logging.Alerts.Enabled && cfg.Telegram.AdminChatID == 0 {
		add(errors.New("logging.alerts.enabled needs telegram.admin_chat_id"))
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	nonNeg("scheduler.history_size", cfg.Scheduler.HistorySize)

	r := cfg.Reminders
	dur("reminders.window", r.Window)
	dur("reminders.job_timeout", r.JobTimeout)
	sched("reminders.tick", r.Tick)
	sched("reminders.bills_digest", r.BillsDigest)
	sched("reminders.finance", r.Finance)
	sched("reminders.points_reset", r.PointsReset)
	sched("reminders.care", r.Care)
	sched("reminders.weight", r.Weight)
	sched("reminders.chore_plan", r.ChorePlan)
	sched("reminders.morning_plan", r.MorningPlan)
	sched("reminders.evening_plan", r.EveningPlan)
	sched("reminders.affirmations", r.Affirm)
	dur("reminders.plan_window", r.PlanWindow)
	nonNeg("reminders.bills_days_ahead", r.BillsDaysAhead)
	nonNeg("reminders.chore_horizon_days", r.ChoreHorizonDays)
	nonNeg("reminders.chore_plan_limit", r.ChorePlanLimit)
	nonNeg("reminders.weight_every_days", r.WeightEveryDays)

	sched("focus.tick", cfg.Focus.Tick)
	dur("focus.cooldown", cfg.Focus.Cooldown)
	dur("focus.missed_grace", cfg.Focus.MissedGrace)
	dur("actions.later_delay", cfg.Actions.LaterDelay)

	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	nonNeg("bot.workers", cfg.Bot.Workers)
	nonNeg("bot.queue_size", cfg.Bot.QueueSize)
	nonNeg("bot.gentle_days", cfg.Bot.GentleDays)
	dur("bot.timeout", cfg.Bot.Timeout)
	dur("bot.dialog_ttl", cfg.Bot.DialogTTL)

	o := cfg.Ops
	dur("ops.read_timeout", o.ReadTimeout)
	dur("ops.write_timeout", o.WriteTimeout)
	dur("ops.idle_timeout", o.IdleTimeout)
	nonNeg("ops.mutex_profile_fraction", o.MutexProfileFraction)
	nonNeg("ops.block_profile_rate", o.BlockProfileRate)
	if o.Enabled {
		addr := OpsAddr(o)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("ops.addr: invalid %q (expected host:port): %w", addr, err))
		} else if !o.AllowInsecure && strings.TrimSpace(o.Token) == "" && !IsLoopbackAddr(addr) {
			add(errors.New("ops: binding to a non-loopback addr requires token or allow_insecure=true"))
		}
	}
	return errors.Join(errs...)
}

// OpsAddr returns the configured ops listen address or the loopback default.
func OpsAddr(o OpsConfig) string {
	if a := strings.TrimSpace(o.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.Trim(h, "[]")
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
