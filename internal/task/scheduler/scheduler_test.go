package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "60s", kind: SpecInterval, every: time.Minute},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "every:2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{in: "interval:01:00", kind: SpecInterval, every: time.Hour},
		{in: "5 0 1 * *", kind: SpecCron, cron: "5 0 1 * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:*/5", kind: SpecCron, cron: "*/5"},
		{in: "daily 09:15", kind: SpecCron, cron: "15 9 * * *"},
		{in: "Daily 8:30", kind: SpecCron, cron: "30 8 * * *"},
		{in: "daily 25:00", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
			}
		})
	}
}

func newService(t *testing.T) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	return New(Config{Enabled: true, DefaultTimeout: time.Second}, logx.Nop(), bus), bus
}

func TestTriggerSkipsOverlappingRun(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	if _, err := s.AddInterval("reminders.tick", time.Minute, 0, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Trigger("reminders.tick") }()
	<-started

	if err := s.Trigger("reminders.tick"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Trigger = %v, want ErrOverlapSkip", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
	hist := s.Snapshot().History
	if len(hist) != 2 || !hist[0].Skipped || hist[1].Skipped {
		t.Fatalf("history = %+v", hist)
	}
}

func TestTriggerRecoversPanicAndAppliesTimeout(t *testing.T) {
	t.Parallel()
	s, bus := newService(t)
	events, unsub := bus.Subscribe(4)
	defer unsub()

	_, _ = s.AddDaily("care.nudge", "09:15", 0, func(context.Context) error { panic("boom") })
	_, _ = s.AddDaily("bills.digest", "09:00", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := s.Trigger("care.nudge"); err == nil {
		t.Fatalf("panicking job returned nil")
	}
	if err := s.Trigger("bills.digest"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout job = %v, want deadline exceeded", err)
	}
	for _, want := range []string{"care.nudge", "bills.digest"} {
		e := <-events
		run, ok := e.Data.(eventbus.JobRun)
		if e.Type != eventbus.JobDone || !ok || run.Name != want || run.Error == "" {
			t.Fatalf("event = %+v", e)
		}
	}
	hist := s.Snapshot().History
	if !hist[0].Panicked {
		t.Fatalf("panic not recorded: %+v", hist[0])
	}
}

func TestAddCronUpsertsAndRemove(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	noop := func(context.Context) error { return nil }

	if _, err := s.AddCron("points.reset", "5 0 1 * *", 0, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if _, err := s.AddSchedule("points.reset", "daily 00:05", 0, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddCron("bad", "not a cron", 0, noop); err == nil {
		t.Fatalf("invalid cron accepted")
	}
	if _, err := s.AddMonthly("late", 31, "00:05", 0, noop); err == nil {
		t.Fatalf("day 31 accepted")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "5 0 * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("points.reset") || s.Remove("points.reset") {
		t.Fatalf("Remove did not report correctly")
	}
	if err := s.Trigger("points.reset"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger after remove = %v", err)
	}
}

func TestStartComputesNextRun(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC+3"}, logx.Nop(), nil)
	_, _ = s.AddDaily("finance.weekly", "09:00", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	next := snap.Schedules[0].Next
	if next.IsZero() {
		t.Fatalf("next run not computed")
	}
	if h, m := next.Hour(), next.Minute(); h != 9 || m != 0 {
		t.Fatalf("next = %s, want 09:00 local", next)
	}
	if _, off := next.Zone(); off != 3*3600 {
		t.Fatalf("next zone offset = %d", off)
	}
}

func TestDisabledDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if s.Snapshot().Running {
		t.Fatalf("disabled scheduler started")
	}
	s.Stop(context.Background())
}
