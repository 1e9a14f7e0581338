// Package metrics turns event bus signals into Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

const namespace = "carebot"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	deliveries   *prometheus.CounterVec
	actions      *prometheus.CounterVec
	deferrals    *prometheus.CounterVec
	focus        *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	tickDuration prometheus.Histogram
	tickUsers    prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Reminder deliveries by kind and outcome (sent, failed, paused).",
		}, []string{"kind", "outcome"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Button actions applied, by kind and action.",
		}, []string{"kind", "action"}),
		deferrals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferrals_total",
			Help:      "Deferred re-deliveries by event (armed, fired, canceled).",
		}, []string{"event"}),
		focus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "focus_results_total",
			Help:      "Closed focus sessions by result.",
		}, []string{"result"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by job and status (ok, error, skipped).",
		}, []string{"job", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reminder_tick_duration_seconds",
			Help:      "Time spent in one reminder tick over all users.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		tickUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reminder_tick_users",
			Help:      "Users visited by the last reminder tick.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_http_requests_total",
			Help:      "Ops HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ops_http_request_duration_seconds",
			Help:      "Ops HTTP request time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the registry for custom collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe records one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.DeliverySent, eventbus.DeliveryFailed, eventbus.DeliveryPaused:
		d, _ := e.Data.(eventbus.Delivery)
		m.deliveries.WithLabelValues(label(d.Kind), outcome(e.Type)).Inc()
	case eventbus.ActionApplied:
		a, _ := e.Data.(eventbus.Action)
		m.actions.WithLabelValues(label(a.Kind), label(a.Action)).Inc()
	case eventbus.DeferralArmed:
		m.deferrals.WithLabelValues("armed").Inc()
	case eventbus.DeferralFired:
		m.deferrals.WithLabelValues("fired").Inc()
	case eventbus.DeferralCanceled:
		m.deferrals.WithLabelValues("canceled").Inc()
	case eventbus.FocusResult:
		a, _ := e.Data.(eventbus.Action)
		m.focus.WithLabelValues(label(a.Action)).Inc()
	case eventbus.JobDone:
		j, ok := e.Data.(eventbus.JobRun)
		if !ok {
			return
		}
		status := "ok"
		switch {
		case j.Skipped:
			status = "skipped"
		case j.Error != "":
			status = "error"
		}
		m.jobRuns.WithLabelValues(label(j.Name), status).Inc()
		if !j.Skipped {
			m.jobDuration.WithLabelValues(label(j.Name)).Observe(j.Duration.Seconds())
		}
	case eventbus.TickDone:
		t, ok := e.Data.(eventbus.Tick)
		if !ok {
			return
		}
		m.tickDuration.Observe(t.Duration.Seconds())
		m.tickUsers.Set(float64(t.Users))
	}
}

func outcome(topic string) string {
	switch topic {
	case eventbus.DeliverySent:
		return "sent"
	case eventbus.DeliveryPaused:
		return "paused"
	}
	return "failed"
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Middleware records ops HTTP requests by chi route pattern, which keeps
// label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers (pprof profiles) working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
