package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"carebot/internal/observability/metrics"
	logx "carebot/pkg/logx"
)

func newService(cfg Config) *Service {
	return New(cfg, metrics.New(logx.Nop()), logx.Nop())
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s := newService(Config{})
	h := s.Handler(Config{Token: "s3cret"})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"metrics", "/metrics?token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealthChecks(t *testing.T) {
	t.Parallel()
	s := newService(Config{})
	s.AddCheck("store", func(context.Context) error { return nil })
	h := s.Handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthy = %d %s", rec.Code, rec.Body.String())
	}

	s.AddCheck("telegram", func(context.Context) error { return errors.New("offline") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "offline") {
		t.Fatalf("degraded = %d %s", rec.Code, rec.Body.String())
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	s := newService(Config{})
	for _, tt := range []struct {
		pprof bool
		want  int
	}{{false, http.StatusNotFound}, {true, http.StatusOK}} {
		rec := httptest.NewRecorder()
		s.Handler(Config{Pprof: tt.pprof}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
		if rec.Code != tt.want {
			t.Fatalf("pprof=%v status = %d, want %d", tt.pprof, rec.Code, tt.want)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := newService(Config{Enabled: true, Addr: "127.0.0.1:0"})
	s.Start(t.Context())
	if s.Supervisor() == nil {
		t.Fatalf("not started")
	}
	s.Start(t.Context())
	s.Stop(t.Context())
	if s.Supervisor() != nil {
		t.Fatalf("still running after Stop")
	}

	s.Reconfigure(t.Context(), Config{Enabled: false})
	if s.Supervisor() != nil || s.Enabled() {
		t.Fatalf("disabled service running")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:1":   true,
		"[::1]:1":       true,
		"localhost:1":   true,
		"0.0.0.0:1":     false,
		"10.0.0.1:1":    false,
		"no-port-given": false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
