package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/config"
	kit "carebot/internal/transport"
)

const testYAML = `
telegram:
  owner_user_ids: [1]
logging:
  level: error
storage:
  path: ":memory:"
scheduler:
  enabled: false
focus:
  tick: 30s
`

type fakeAdapter struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []string
	menu []kit.BotCommand
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, chatID int64, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: chatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carebot.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ad := &fakeAdapter{}
	clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC))
	a, err := New(t.Context(), path, Options{Adapter: ad, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, ad
}

func scheduleSpecs(a *App) map[string]string {
	out := map[string]string{}
	for _, s := range a.sched.Snapshot().Schedules {
		out[s.Name] = s.Spec
	}
	return out
}

func TestBuildRegistersJobs(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	defer a.store.Close()

	specs := scheduleSpecs(a)
	for _, name := range []string{
		"reminders.tick", "bills.digest", "finance.weekly", "points.reset",
		"care.nudge", "weight.prompt", "chores.weekly", focusJob,
		"plan.morning", "plan.evening", "affirmations.tick",
	} {
		if _, ok := specs[name]; !ok {
			t.Fatalf("job %s not registered: %v", name, specs)
		}
	}
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	defer a.store.Close()

	prev := a.cfgm.Get()
	next := *prev
	next.Focus.Tick = "45s"
	next.Focus.Cooldown = "2h"
	next.Reminders.Care = "daily 11:30"
	old := a.engine

	a.apply(t.Context(), prev, &next)

	specs := scheduleSpecs(a)
	if !strings.Contains(specs[focusJob], "45s") {
		t.Fatalf("focus.tick spec = %q", specs[focusJob])
	}
	if !strings.Contains(specs["care.nudge"], "30 11") {
		t.Fatalf("care.nudge spec = %q", specs["care.nudge"])
	}
	if a.engine == old {
		t.Fatalf("reminder engine not rebuilt")
	}
	if n := len(a.sched.Snapshot().Schedules); n != 11 {
		t.Fatalf("schedules = %d, want 11 (no duplicates)", n)
	}
}

func TestValidateMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: config.StorageConfig{Path: "x.db"}}
	if err := validateMapping(cfg); err != nil {
		t.Fatalf("validateMapping: %v", err)
	}
	cfg.Actions.LaterDelay = "later"
	if err := validateMapping(cfg); err == nil || !strings.Contains(err.Error(), "actions.later_delay") {
		t.Fatalf("bad duration accepted: %v", err)
	}
}

func TestStartRoutesUpdates(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	if err := a.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ad.mu.Lock()
	out, menu := ad.out, len(ad.menu)
	ad.mu.Unlock()
	if menu == 0 {
		t.Fatalf("menu commands not published")
	}
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 5, FromID: 5, FromName: "Sam", Text: "/start"}}

	deadline := time.Now().Add(3 * time.Second)
	for len(ad.sentTexts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reply to /start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}
}

func TestStatusRender(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	s := statusSources{
		started:  start,
		now:      func() time.Time { return start.Add(90 * time.Minute) },
		deferred: func() int { return 2 },
	}
	got := s.render(t.Context())
	for _, want := range []string{"Status", "1h30m0s", "Database", "ok", "Pending deferrals", "2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}
