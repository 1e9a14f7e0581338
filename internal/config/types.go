package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("60s", "30m"); omitted fields fall back to component defaults.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler hosts the periodic engine jobs.
	Scheduler SchedulerConfig `json:"scheduler"`
	// Reminders holds job schedules and reminder windows.
	Reminders RemindersConfig `json:"reminders"`
	Focus     FocusConfig     `json:"focus"`
	Actions   ActionsConfig   `json:"actions"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Bot      BotConfig       `json:"bot"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminChatID receives error alerts when logging.alerts is enabled.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the sqlite database.
//
//	"storage": { "path": "./carebot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
}

// RemindersConfig controls the reminder engine jobs. Schedules accept cron
// expressions, "every:60s" / "interval:1m" durations or "daily HH:MM".
type RemindersConfig struct {
	// Window is how long after its due minute an occurrence may still fire.
	Window string `json:"window,omitempty"`

	Tick        string `json:"tick,omitempty"`
	BillsDigest string `json:"bills_digest,omitempty"`
	Finance     string `json:"finance,omitempty"`
	PointsReset string `json:"points_reset,omitempty"`
	Care        string `json:"care,omitempty"`
	Weight      string `json:"weight,omitempty"`
	ChorePlan   string `json:"chore_plan,omitempty"`
	MorningPlan string `json:"morning_plan,omitempty"`
	EveningPlan string `json:"evening_plan,omitempty"`
	Affirm      string `json:"affirmations,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`

	// PlanWindow is how long after wake time or the evening target the
	// day-plan pings may still fire.
	PlanWindow string `json:"plan_window,omitempty"`

	BillsDaysAhead   int `json:"bills_days_ahead,omitempty"`
	ChoreHorizonDays int `json:"chore_horizon_days,omitempty"`
	ChorePlanLimit   int `json:"chore_plan_limit,omitempty"`
	WeightEveryDays  int `json:"weight_every_days,omitempty"`
}

type FocusConfig struct {
	Tick        string `json:"tick,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
	MissedGrace string `json:"missed_grace,omitempty"`
}

type ActionsConfig struct {
	LaterDelay string `json:"later_delay,omitempty"`
}

// NotifierConfig controls outbound sends. If the section is omitted the
// notifier runs with defaults.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	DedupWindow   string `json:"dedup_window"`
}

type BotConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	DialogTTL  string `json:"dialog_ttl,omitempty"`
	GentleDays int    `json:"gentle_days,omitempty"`
}

// OpsConfig controls the ops HTTP server (/healthz, /metrics, pprof).
//
// Prefer a loopback address. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile can stream.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
