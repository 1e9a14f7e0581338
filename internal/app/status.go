package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"carebot/internal/task/scheduler"
	"carebot/pkg/tgui"
)

// statusSources is what the /status report reads.
type statusSources struct {
	started  time.Time
	now      func() time.Time
	ping     func(ctx context.Context) error
	sched    func() scheduler.Snapshot
	deferred func() int
}

func (s statusSources) render(ctx context.Context) string {
	now := s.now()
	b := tgui.New().Title("🩺", "Status")
	b.KV("Uptime", now.Sub(s.started).Truncate(time.Second).String())

	db := "ok"
	if s.ping != nil {
		if err := s.ping(ctx); err != nil {
			db = "error: " + err.Error()
		}
	}
	b.KV("Database", db)
	if s.deferred != nil {
		b.KV("Pending deferrals", strconv.Itoa(s.deferred()))
	}

	if s.sched == nil {
		return b.Build().Text
	}
	snap := s.sched()
	state := "stopped"
	if snap.Running {
		state = "running"
	}
	if !snap.Enabled {
		state = "disabled"
	}
	b.Blank().Section("Scheduler (" + state + ")")
	for _, j := range snap.Schedules {
		line := j.Name + ": " + j.Spec
		if !j.Next.IsZero() {
			line += ", next in " + j.Next.Sub(now).Truncate(time.Second).String()
		}
		if j.Running {
			line += ", running"
		}
		b.Line(line)
	}
	if last := lastFailure(snap.History); last != nil {
		b.Blank().KV("Last failure", fmt.Sprintf("%s at %s: %s", last.Name, last.Started.UTC().Format("2006-01-02 15:04"), last.Err))
	}
	return b.Build().Text
}

func lastFailure(h []scheduler.HistoryItem) *scheduler.HistoryItem {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Err != "" {
			return &h[i]
		}
	}
	return nil
}
