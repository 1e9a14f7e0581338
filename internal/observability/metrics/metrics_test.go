package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

// counter returns the value of the series of family name whose labels
// include every pair in want.
func counter(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, s := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range s.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue series
				}
			}
			switch {
			case s.GetCounter() != nil:
				return s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				return s.GetGauge().GetValue()
			case s.GetHistogram() != nil:
				return float64(s.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())

	m.Observe(eventbus.Event{Type: eventbus.DeliverySent, Data: eventbus.Delivery{Kind: "routine"}})
	m.Observe(eventbus.Event{Type: eventbus.DeliverySent, Data: eventbus.Delivery{Kind: "routine"}})
	m.Observe(eventbus.Event{Type: eventbus.DeliveryPaused, Data: eventbus.Delivery{Kind: "med"}})
	m.Observe(eventbus.Event{Type: eventbus.ActionApplied, Data: eventbus.Action{Kind: "custom", Action: "done"}})
	m.Observe(eventbus.Event{Type: eventbus.DeferralArmed})
	m.Observe(eventbus.Event{Type: eventbus.FocusResult, Data: eventbus.Action{Action: "fail"}})
	m.Observe(eventbus.Event{Type: eventbus.JobDone, Data: eventbus.JobRun{Name: "reminders.tick", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.JobDone, Data: eventbus.JobRun{Name: "reminders.tick", Skipped: true}})
	m.Observe(eventbus.Event{Type: eventbus.TickDone, Data: eventbus.Tick{Users: 4, Duration: time.Second}})
	m.Observe(eventbus.Event{Type: "something.else"})

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"carebot_deliveries_total", map[string]string{"kind": "routine", "outcome": "sent"}, 2},
		{"carebot_deliveries_total", map[string]string{"kind": "med", "outcome": "paused"}, 1},
		{"carebot_actions_total", map[string]string{"kind": "custom", "action": "done"}, 1},
		{"carebot_deferrals_total", map[string]string{"event": "armed"}, 1},
		{"carebot_focus_results_total", map[string]string{"result": "fail"}, 1},
		{"carebot_scheduler_job_runs_total", map[string]string{"job": "reminders.tick", "status": "ok"}, 1},
		{"carebot_scheduler_job_runs_total", map[string]string{"job": "reminders.tick", "status": "skipped"}, 1},
		{"carebot_scheduler_job_duration_seconds", map[string]string{"job": "reminders.tick"}, 1},
		{"carebot_reminder_tick_users", nil, 4},
	}
	for _, tt := range tests {
		if got := counter(t, m, tt.name, tt.labels); got != tt.want {
			t.Fatalf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `carebot_ops_http_requests_total{method="GET",route="/healthz",status="204"} 1`) {
		t.Fatalf("request not recorded:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("runtime collector missing")
	}
}
