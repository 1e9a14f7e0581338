package app

import (
	"errors"
	"time"

	"carebot/internal/actions"
	"carebot/internal/bot"
	"carebot/internal/config"
	"carebot/internal/focus"
	"carebot/internal/notifier"
	"carebot/internal/observability/ops"
	"carebot/internal/reminder"
	"carebot/internal/storage"
	"carebot/internal/task/scheduler"
	telegram "carebot/internal/transport/telegram/adapter"
	logx "carebot/pkg/logx"
)

// Each map function turns the on-disk config section into the component's
// typed config. Validate has already run, but durations are parsed here
// again so a mapping never silently drops a bad value.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     cfg.Telegram.AdminChatID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	def, err := config.DurationOr("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	hist := cfg.Scheduler.HistorySize
	if hist == 0 {
		hist = 200
	}
	// Jobs resolve each user's local date themselves; cron runs in UTC.
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       "UTC",
		DefaultTimeout: def,
		HistorySize:    hist,
	}, nil
}

func mapReminders(cfg *config.Config) (reminder.Config, error) {
	r := cfg.Reminders
	window, err1 := config.Duration("reminders.window", r.Window)
	jobTimeout, err2 := config.Duration("reminders.job_timeout", r.JobTimeout)
	planWindow, err3 := config.Duration("reminders.plan_window", r.PlanWindow)
	if err := errors.Join(err1, err2, err3); err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		Window:           window,
		Tick:             r.Tick,
		BillsDigest:      r.BillsDigest,
		Finance:          r.Finance,
		PointsReset:      r.PointsReset,
		Care:             r.Care,
		Weight:           r.Weight,
		ChorePlan:        r.ChorePlan,
		MorningPlan:      r.MorningPlan,
		EveningPlan:      r.EveningPlan,
		Affirm:           r.Affirm,
		JobTimeout:       jobTimeout,
		BillsDaysAhead:   r.BillsDaysAhead,
		ChoreHorizonDays: r.ChoreHorizonDays,
		ChorePlanLimit:   r.ChorePlanLimit,
		WeightEveryDays:  r.WeightEveryDays,
		PlanWindow:       planWindow,
	}, nil
}

// focusTick is the schedule of the focus session sweep.
func focusTick(cfg *config.Config) string {
	if cfg.Focus.Tick == "" {
		return "60s"
	}
	return cfg.Focus.Tick
}

func mapFocus(cfg *config.Config) (focus.Config, error) {
	cool, err1 := config.Duration("focus.cooldown", cfg.Focus.Cooldown)
	grace, err2 := config.Duration("focus.missed_grace", cfg.Focus.MissedGrace)
	if err := errors.Join(err1, err2); err != nil {
		return focus.Config{}, err
	}
	return focus.Config{Cooldown: cool, MissedGrace: grace}, nil
}

func mapActions(cfg *config.Config) (actions.Config, error) {
	later, err := config.Duration("actions.later_delay", cfg.Actions.LaterDelay)
	if err != nil {
		return actions.Config{}, err
	}
	return actions.Config{LaterDelay: later}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{RetryMax: 3}, nil
	}
	base, err1 := config.Duration("notifier.retry_base", n.RetryBase)
	maxDelay, err2 := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay)
	send, err3 := config.Duration("notifier.send_timeout", n.SendTimeout)
	dedup, err4 := config.Duration("notifier.dedup_window", n.DedupWindow)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   send,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		DedupWindow:   dedup,
	}, nil
}

func mapBot(cfg *config.Config) (bot.Config, error) {
	b := cfg.Bot
	timeout, err1 := config.Duration("bot.timeout", b.Timeout)
	ttl, err2 := config.Duration("bot.dialog_ttl", b.DialogTTL)
	if err := errors.Join(err1, err2); err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Workers:    b.Workers,
		QueueSize:  b.QueueSize,
		Timeout:    timeout,
		Owners:     append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		DialogTTL:  ttl,
		GentleDays: b.GentleDays,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err1 := config.DurationOr("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	wt, err2 := config.Duration("ops.write_timeout", o.WriteTimeout)
	it, err3 := config.DurationOr("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err := errors.Join(err1, err2, err3); err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 config.OpsAddr(o),
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}
