// Package focus runs timed focus sessions: start, a halfway check-in, an
// end prompt and the result, with a strike counter that puts the user on
// cooldown after repeated failures. It also drives work/rest rounds.
package focus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/clock"
	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/eventbus"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

const (
	MinMinutes = 5
	MaxMinutes = 180

	// StrikeLimit failures in a row start a cooldown.
	StrikeLimit = 2
)

var (
	ErrActiveSession = errors.New("focus: a session is already running")
	ErrDuration      = fmt.Errorf("focus: duration must be %d-%d minutes", MinMinutes, MaxMinutes)
	ErrClosed        = errors.New("focus: session already has a result")
	ErrResult        = errors.New("focus: unknown result")
)

// CooldownError refuses a start until Until.
type CooldownError struct{ Until time.Time }

func (e *CooldownError) Error() string {
	return "focus: cooldown until " + e.Until.UTC().Format(time.RFC3339)
}

type Store interface {
	GetUser(ctx context.Context, id int64) (storage.User, error)
	GetWellness(ctx context.Context, userID int64) (storage.WellnessSettings, error)

	CreateFocusSession(ctx context.Context, f storage.FocusSession) (int64, error)
	GetFocusSession(ctx context.Context, id int64) (storage.FocusSession, error)
	ActiveFocusSession(ctx context.Context, userID int64) (storage.FocusSession, bool, error)
	ListOpenFocusSessions(ctx context.Context) ([]storage.FocusSession, error)
	SupersedeFocusSessions(ctx context.Context, userID int64) (int64, error)
	MarkFocusCheckinSent(ctx context.Context, id int64) error
	SetFocusCheckinResponse(ctx context.Context, id int64, resp string) error
	MarkFocusEndSent(ctx context.Context, id int64) error
	CompleteFocusSession(ctx context.Context, id int64, result storage.FocusResult) error

	SetFocusState(ctx context.Context, userID int64, strikes int, cooldownUntil time.Time) error
	AddPoints(ctx context.Context, userID int64, delta int, date, reason string) error
}

type Deliverer interface {
	Deliver(ctx context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered) (kit.MessageRef, error)
}

// Timers is the deferral registry.
type Timers interface {
	Schedule(key deferral.Key, delay time.Duration, fn deferral.Func) (time.Time, error)
	CancelPrefix(userID int64, prefix string) int
}

type Config struct {
	Cooldown    time.Duration
	MissedGrace time.Duration
}

type Machine struct {
	store  Store
	out    Deliverer
	timers Timers
	clock  clockwork.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu  sync.RWMutex
	cfg Config
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 6 * time.Hour
	}
	if c.MissedGrace <= 0 {
		c.MissedGrace = 30 * time.Minute
	}
	return c
}

func New(store Store, out Deliverer, timers Timers, clk clockwork.Clock, log logx.Logger, bus eventbus.Bus, cfg Config) *Machine {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Machine{
		store:  store,
		out:    out,
		timers: timers,
		clock:  clk,
		log:    log.With(logx.String("comp", "focus")),
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

// Apply swaps cooldown and grace. Open sessions pick them up on the next tick.
func (m *Machine) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Machine) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Outcome is the effect of one session result on the user's focus state.
type Outcome struct {
	Points        int
	Strikes       int
	CooldownUntil time.Time
}

// ApplyResult computes the new strike counter, cooldown and points for a
// result. Missed counts as fail.
func ApplyResult(now time.Time, u storage.User, r storage.FocusResult, cooldown time.Duration) (Outcome, error) {
	o := Outcome{Strikes: u.FocusStrikes, CooldownUntil: u.FocusCooldownUntil}
	switch r {
	case storage.FocusDone:
		o.Points = 3
		o.Strikes = 0
		o.CooldownUntil = time.Time{}
	case storage.FocusPartial:
		o.Points = 1
		o.Strikes = max(0, u.FocusStrikes-1)
	case storage.FocusFail, storage.FocusMissed:
		o.Strikes = u.FocusStrikes + 1
		if o.Strikes >= StrikeLimit {
			o.CooldownUntil = now.Add(cooldown)
		}
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrResult, r)
	}
	return o, nil
}

// Start opens a session. A running session is refused unless override is
// set, in which case it is closed as superseded.
func (m *Machine) Start(ctx context.Context, u storage.User, task string, minutes int, override bool) (storage.FocusSession, error) {
	if minutes < MinMinutes || minutes > MaxMinutes {
		return storage.FocusSession{}, ErrDuration
	}
	task = strings.TrimSpace(task)
	if task == "" {
		task = "Focus"
	}
	now := m.clock.Now()
	if u.FocusCooldownUntil.After(now) {
		return storage.FocusSession{}, &CooldownError{Until: u.FocusCooldownUntil}
	}
	if _, ok, err := m.store.ActiveFocusSession(ctx, u.ID); err != nil {
		return storage.FocusSession{}, err
	} else if ok {
		if !override {
			return storage.FocusSession{}, ErrActiveSession
		}
		n, err := m.store.SupersedeFocusSessions(ctx, u.ID)
		if err != nil {
			return storage.FocusSession{}, fmt.Errorf("supersede: %w", err)
		}
		m.log.Debug("focus sessions superseded", logx.Int64("user_id", u.ID), logx.Int64("n", n))
	}

	f := storage.FocusSession{
		UserID:      u.ID,
		TaskTitle:   task,
		DurationMin: minutes,
		StartTS:     now,
		CheckinTS:   now.Add(time.Duration(max(MinMinutes, minutes/2)) * time.Minute),
		EndTS:       now.Add(time.Duration(minutes) * time.Minute),
	}
	id, err := m.store.CreateFocusSession(ctx, f)
	if err != nil {
		return storage.FocusSession{}, fmt.Errorf("create focus session: %w", err)
	}
	f.ID = id
	m.log.Info("focus started", logx.Int64("user_id", u.ID), logx.Int64("session", id), logx.Int("minutes", minutes))
	return f, nil
}

func (m *Machine) owned(ctx context.Context, userID, sessionID int64) (storage.FocusSession, error) {
	f, err := m.store.GetFocusSession(ctx, sessionID)
	if err != nil {
		return storage.FocusSession{}, err
	}
	if f.UserID != userID {
		return storage.FocusSession{}, storage.ErrNotFound
	}
	return f, nil
}

// Checkin records the halfway answer; it has no other effect.
func (m *Machine) Checkin(ctx context.Context, userID, sessionID int64, resp string) error {
	if resp != "ok" && resp != "struggling" {
		return fmt.Errorf("%w: check-in %q", storage.ErrInvalid, resp)
	}
	if _, err := m.owned(ctx, userID, sessionID); err != nil {
		return err
	}
	return m.store.SetFocusCheckinResponse(ctx, sessionID, resp)
}

// Finish records the user's result and applies its outcome.
func (m *Machine) Finish(ctx context.Context, u storage.User, sessionID int64, r storage.FocusResult) (Outcome, error) {
	if r != storage.FocusDone && r != storage.FocusPartial && r != storage.FocusFail {
		return Outcome{}, fmt.Errorf("%w: %q", ErrResult, r)
	}
	f, err := m.owned(ctx, u.ID, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if !f.Active() {
		return Outcome{}, ErrClosed
	}
	return m.close(ctx, m.clock.Now(), u, f, r)
}

func (m *Machine) close(ctx context.Context, now time.Time, u storage.User, f storage.FocusSession, r storage.FocusResult) (Outcome, error) {
	o, err := ApplyResult(now, u, r, m.config().Cooldown)
	if err != nil {
		return Outcome{}, err
	}
	if err := m.store.CompleteFocusSession(ctx, f.ID, r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, ErrClosed
		}
		return Outcome{}, err
	}
	if err := m.store.SetFocusState(ctx, u.ID, o.Strikes, o.CooldownUntil); err != nil {
		return o, fmt.Errorf("focus state: %w", err)
	}
	if o.Points > 0 {
		if err := m.store.AddPoints(ctx, u.ID, o.Points, clock.LocalDate(now, u.Timezone), "focus:"+string(r)); err != nil {
			return o, fmt.Errorf("focus points: %w", err)
		}
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.FocusResult, Data: eventbus.Action{
		UserID: u.ID, Kind: string(dispatch.KindFocus), Action: string(r),
	}})
	m.log.Info("focus finished", logx.Int64("user_id", u.ID), logx.Int64("session", f.ID),
		logx.String("result", string(r)), logx.Int("strikes", o.Strikes))
	return o, nil
}

// Tick sends due check-in and end prompts and closes sessions whose end
// prompt went unanswered past the grace period. Prompts are marked sent
// only after a successful delivery.
func (m *Machine) Tick(ctx context.Context) error {
	now := m.clock.Now()
	sessions, err := m.store.ListOpenFocusSessions(ctx)
	if err != nil {
		return fmt.Errorf("focus tick: %w", err)
	}
	users := map[int64]storage.User{}
	for _, f := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u, ok := users[f.UserID]
		if !ok {
			if u, err = m.store.GetUser(ctx, f.UserID); err != nil {
				m.log.Warn("focus tick: user lookup failed", logx.Int64("user_id", f.UserID), logx.Err(err))
				continue
			}
			users[f.UserID] = u
		}
		if recurrence.Paused(now, u) {
			continue
		}
		if err := m.tickSession(ctx, now, u, f); err != nil {
			m.log.Warn("focus tick failed", logx.Int64("session", f.ID), logx.Err(err))
		}
		// Closing a session changes the strike counter.
		delete(users, f.UserID)
	}
	return nil
}

func (m *Machine) tickSession(ctx context.Context, now time.Time, u storage.User, f storage.FocusSession) error {
	if !f.CheckinSent && !now.Before(f.CheckinTS) {
		// Past the end there is nothing left to check in on.
		if now.Before(f.EndTS) {
			if _, err := m.out.Deliver(ctx, u, dispatch.KindFocus, dispatch.RenderFocusCheckin(f)); err != nil {
				return nil
			}
		}
		if err := m.store.MarkFocusCheckinSent(ctx, f.ID); err != nil {
			return err
		}
	}
	if !f.EndSent && !now.Before(f.EndTS) {
		if _, err := m.out.Deliver(ctx, u, dispatch.KindFocus, dispatch.RenderFocusEnd(f)); err != nil {
			return nil
		}
		return m.store.MarkFocusEndSent(ctx, f.ID)
	}
	if f.EndSent && !now.Before(f.EndTS.Add(m.config().MissedGrace)) {
		_, err := m.close(ctx, now, u, f, storage.FocusMissed)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}
