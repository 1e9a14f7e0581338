package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: file-token
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: info
  console: true
storage:
  path: ./carebot.db
scheduler:
  enabled: true
reminders:
  tick: every:60s
  care: daily 09:15
  points_reset: "5 0 1 * *"
ops:
  enabled: true
  addr: 127.0.0.1:6060
`

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := decode("c.yaml", []byte(sampleYAML), env(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Reminders.Care != "daily 09:15" || !cfg.Scheduler.Enabled {
		t.Fatalf("reminders = %+v", cfg.Reminders)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := decode("c.yaml", []byte("storage:\n  path: x\n  driver: sqlite\n"), nil); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := decode("c.json", []byte(`{"storage":{"path":"x"}}{}`), nil); err == nil {
		t.Fatalf("trailing data accepted")
	}
	if _, err := decode("c.json", []byte(`{"storage":{"path":"x"}}`), nil); err != nil {
		t.Fatalf("json: %v", err)
	}
}

func TestEnvOverridesTokens(t *testing.T) {
	t.Parallel()
	cfg, err := decode("c.yaml", []byte(sampleYAML), env(map[string]string{
		EnvTelegramToken: " env-token ",
		EnvOpsToken:      "ops-secret",
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Ops.Token != "ops-secret" {
		t.Fatalf("tokens = %q %q", cfg.Telegram.Token, cfg.Ops.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Storage: StorageConfig{Path: "x.db"}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "no storage", mutate: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
		{name: "bad duration", mutate: func(c *Config) { c.Bot.Timeout = "soon" }, want: "bot.timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Focus.Cooldown = "-1h" }, want: "focus.cooldown"},
		{name: "bad schedule", mutate: func(c *Config) { c.Reminders.Care = "daily 25:00" }, want: "reminders.care"},
		{name: "negative int", mutate: func(c *Config) { c.Bot.Workers = -1 }, want: "bot.workers"},
		{name: "alerts without chat", mutate: func(c *Config) { c.Logging.Alerts.Enabled = true }, want: "admin_chat_id"},
		{name: "public ops", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9000"} }, want: "non-loopback"},
		{name: "public ops with token", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9000", Token: "t"} }},
		{name: "bad ops addr", mutate: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "nope"} }, want: "ops.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if d, err := DurationOr("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default = %s %v", d, err)
	}
	if d, err := DurationOr("x", "2m", time.Second); err != nil || d != 2*time.Minute {
		t.Fatalf("set = %s %v", d, err)
	}
	if _, err := Duration("x.y", "abc"); err == nil || !strings.Contains(err.Error(), "x.y") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Storage: StorageConfig{Path: "a.db"}, Ops: OpsConfig{Token: "one"}}
	b := *a
	b.Ops.Token = "two"
	if sections, _ := SummarizeConfigChange(a, &b); len(sections) != 0 {
		t.Fatalf("token rotation should not surface: %v", sections)
	}

	b.Bot.Workers = 8
	b.Storage.Path = "b.db"
	b.Telegram.Token = "new"
	sections, attrs := SummarizeConfigChange(a, &b)
	if strings.Join(sections, ",") != "bot,storage,telegram.token" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 || !NeedsRestart(sections) {
		t.Fatalf("attrs=%d restart=%v", len(attrs), NeedsRestart(sections))
	}
	if NeedsRestart([]string{"bot", "logging"}) {
		t.Fatalf("bot and logging apply live")
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "carebot.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	m.getenv = env(nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content is not republished.
	m.reload(t.Context())
	select {
	case <-sub:
		t.Fatalf("unchanged config published")
	default:
	}

	// A rejected config keeps the previous one.
	if err := os.WriteFile(path, []byte("storage:\n  path: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	if m.Get() != cfg {
		t.Fatalf("invalid config committed")
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Bot.Workers > 10 {
			return errors.New("too many workers")
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(sampleYAML+"bot:\n  workers: 20\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	if m.Get() != cfg {
		t.Fatalf("validator was bypassed")
	}

	if err := os.WriteFile(path, []byte(sampleYAML+"bot:\n  workers: 6\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	select {
	case got := <-sub:
		if got.Bot.Workers != 6 {
			t.Fatalf("published workers = %d", got.Bot.Workers)
		}
	default:
		t.Fatalf("changed config not published")
	}
}
