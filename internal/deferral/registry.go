// Package deferral keeps cancellable one-shot jobs keyed by (user,
// occurrence): "later" re-deliveries and focus round announcements.
//
// Scheduling a key that is already pending replaces the earlier job. A job
// that fires after its key was canceled or replaced does nothing; a cancel
// racing with a fire can still let one run through.
package deferral

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"carebot/internal/eventbus"
	logx "carebot/pkg/logx"
)

var ErrNotStarted = errors.New("deferral: registry not started")

// Key identifies one deferred job. Occurrence is an opaque string such as
// "routine:1:2024-03-06" or "med:42".
type Key struct {
	UserID     int64
	Occurrence string
}

func (k Key) String() string { return strconv.FormatInt(k.UserID, 10) + "/" + k.Occurrence }

// Func is the deferred work. ctx is the registry's run context.
type Func func(ctx context.Context)

type entry struct {
	id uuid.UUID
	at time.Time
}

type Registry struct {
	mu    sync.Mutex
	sched gocron.Scheduler
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus
	jobs  map[Key]entry
	ctx   context.Context
}

func New(clk clockwork.Clock, log logx.Logger, bus eventbus.Bus) (*Registry, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "deferral"))
	s, err := gocron.NewScheduler(
		gocron.WithClock(clk),
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{log: log}),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("deferral scheduler: %w", err)
	}
	return &Registry{sched: s, clock: clk, log: log, bus: bus, jobs: map[Key]entry{}}, nil
}

// Start begins firing jobs. ctx is handed to every job and should outlive
// individual requests.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.sched.Start()
}

// Shutdown stops the scheduler; pending jobs are dropped.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	n := len(r.jobs)
	r.jobs = map[Key]entry{}
	r.mu.Unlock()
	if n > 0 {
		r.log.Info("dropping pending deferrals", logx.Int("pending", n))
	}
	return r.sched.Shutdown()
}

// Schedule arms fn to run once after delay, replacing any pending job for
// key. It returns the fire time.
func (r *Registry) Schedule(key Key, delay time.Duration, fn Func) (time.Time, error) {
	if fn == nil {
		return time.Time{}, errors.New("deferral: nil func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return time.Time{}, ErrNotStarted
	}
	r.removeLocked(key)

	id := uuid.New()
	at := r.clock.Now().Add(delay)
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(at)
	}
	_, err := r.sched.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(func() { r.fire(key, id, fn) }),
		gocron.WithIdentifier(id),
		gocron.WithName(key.String()),
		gocron.WithTags(userTag(key.UserID)),
		gocron.WithLimitedRuns(1),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %s: %w", key, err)
	}
	r.jobs[key] = entry{id: id, at: at}
	r.bus.Publish(eventbus.Event{Type: eventbus.DeferralArmed, Data: eventbus.Action{UserID: key.UserID, Occurrence: key.Occurrence}})
	r.log.Debug("deferral armed", logx.String("key", key.String()), logx.Time("at", at))
	return at, nil
}

// Cancel drops the pending job for key. It reports whether one existed.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	ok := r.removeLocked(key)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(eventbus.Event{Type: eventbus.DeferralCanceled, Data: eventbus.Action{UserID: key.UserID, Occurrence: key.Occurrence}})
	}
	return ok
}

// CancelPrefix drops every pending job of userID whose occurrence starts
// with prefix and returns how many were dropped.
func (r *Registry) CancelPrefix(userID int64, prefix string) int {
	r.mu.Lock()
	var keys []Key
	for k := range r.jobs {
		if k.UserID == userID && strings.HasPrefix(k.Occurrence, prefix) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		r.removeLocked(k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.bus.Publish(eventbus.Event{Type: eventbus.DeferralCanceled, Data: eventbus.Action{UserID: k.UserID, Occurrence: k.Occurrence}})
	}
	return len(keys)
}

// Pending reports the fire time of key, if armed.
func (r *Registry) Pending(key Key) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[key]
	return e.at, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) removeLocked(key Key) bool {
	e, ok := r.jobs[key]
	if !ok {
		return false
	}
	delete(r.jobs, key)
	if err := r.sched.RemoveJob(e.id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		r.log.Warn("remove deferred job failed", logx.String("key", key.String()), logx.Err(err))
	}
	return true
}

func (r *Registry) fire(key Key, id uuid.UUID, fn Func) {
	r.mu.Lock()
	e, ok := r.jobs[key]
	if !ok || e.id != id {
		r.mu.Unlock()
		return
	}
	delete(r.jobs, key)
	ctx := r.ctx
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("deferred job panic", logx.String("key", key.String()), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	r.bus.Publish(eventbus.Event{Type: eventbus.DeferralFired, Data: eventbus.Action{UserID: key.UserID, Occurrence: key.Occurrence}})
	fn(ctx)
}

func userTag(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

// gocronLogger routes scheduler diagnostics into logx.
type gocronLogger struct{ log logx.Logger }

func (g gocronLogger) Debug(msg string, args ...any) { g.log.Debug(msg, kv(args)...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.log.Info(msg, kv(args)...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.log.Warn(msg, kv(args)...) }
func (g gocronLogger) Error(msg string, args ...any) { g.log.Error(msg, kv(args)...) }

func kv(args []any) []logx.Field {
	out := make([]logx.Field, 0, len(args)/2+1)
	for i := 0; i+1 < len(args); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(args[i]), args[i+1]))
	}
	if len(args)%2 == 1 {
		out = append(out, logx.Any("extra", args[len(args)-1]))
	}
	return out
}
