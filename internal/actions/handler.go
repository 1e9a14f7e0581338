// Package actions applies a user's answer to a delivered reminder: done,
// skip and later for routines, custom reminders and doses, plus the
// one-tap answers on wellness nudges, chores, bills, care checks, day
// plans and affirmations.
//
// "Later" marks the occurrence and arms a deferred re-delivery in the
// deferral registry; any terminal answer cancels it. The re-delivery
// re-renders the occurrence as it is when the timer fires.
package actions

import (
	"context"
	"errors"
	"fmt"
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
	"carebot/pkg/tgui"
)

var ErrBadData = errors.New("actions: malformed callback data")

type Store interface {
	GetUser(ctx context.Context, id int64) (storage.User, error)
	AddPoints(ctx context.Context, userID int64, delta int, date, reason string) error
	SetMark(ctx context.Context, userID int64, mark storage.Mark, date string) error

	GetUserRoutine(ctx context.Context, userID, routineID int64) (storage.UserRoutine, error)
	ListRoutineSteps(ctx context.Context, userID, routineID int64) ([]storage.RoutineStep, error)
	GetUserTask(ctx context.Context, userID, routineID int64, date string) (storage.UserTask, bool, error)
	UpsertUserTask(ctx context.Context, t storage.UserTask) error

	GetCustomReminder(ctx context.Context, userID, id int64) (storage.CustomReminder, error)
	GetCustomTask(ctx context.Context, reminderID int64, date string) (storage.CustomTask, bool, error)
	UpsertCustomTask(ctx context.Context, t storage.CustomTask) error

	GetMed(ctx context.Context, id int64) (storage.Medication, error)
	GetMedLog(ctx context.Context, id int64) (storage.MedLog, error)
	SetMedTaken(ctx context.Context, userID, logID int64, at time.Time) error
	SetMedSkipped(ctx context.Context, userID, logID int64) error

	ListRegularTasks(ctx context.Context, userID int64) ([]storage.RegularTask, error)
	GetRegularTask(ctx context.Context, userID, id int64) (storage.RegularTask, error)
	SaveRegularTask(ctx context.Context, t storage.RegularTask) error
	PostponeRegularTask(ctx context.Context, userID, id int64, days int) error

	ListBills(ctx context.Context, userID int64) ([]storage.Bill, error)
	GetBill(ctx context.Context, userID, id int64) (storage.Bill, error)
	MarkBillPaid(ctx context.Context, userID, id int64, month string) error

	GetDayPlan(ctx context.Context, userID int64, date string) (storage.DayPlan, bool, error)
	DeleteDayPlanItem(ctx context.Context, userID, id int64) error
	GetAffirmations(ctx context.Context, userID int64) (storage.AffirmationSettings, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered) (kit.MessageRef, error)
}

// Timers is the deferral registry.
type Timers interface {
	Schedule(key deferral.Key, delay time.Duration, fn deferral.Func) (time.Time, error)
	Cancel(key deferral.Key) bool
}

type Config struct {
	LaterDelay time.Duration
}

// Result tells the caller how to answer the button press. Edit, when set,
// replaces the pressed message.
type Result struct {
	Toast string
	Edit  *dispatch.Rendered
}

type Handler struct {
	store  Store
	out    Deliverer
	timers Timers
	clock  clockwork.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu  sync.RWMutex
	cfg Config

	chore recurrence.Chore
}

func New(store Store, out Deliverer, timers Timers, clk clockwork.Clock, log logx.Logger, bus eventbus.Bus, cfg Config) *Handler {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Handler{
		store:  store,
		out:    out,
		timers: timers,
		clock:  clk,
		log:    log.With(logx.String("comp", "actions")),
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

func (c Config) withDefaults() Config {
	if c.LaterDelay <= 0 {
		c.LaterDelay = 30 * time.Minute
	}
	return c
}

// Apply swaps the later delay. Timers already armed keep their delay.
func (h *Handler) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Prefixes lists the callback prefixes Handle understands.
func Prefixes() []string {
	return []string{
		dispatch.PrefixRoutine, dispatch.PrefixStep, dispatch.PrefixCustom, dispatch.PrefixMed,
		dispatch.PrefixWellness, dispatch.PrefixChore, dispatch.PrefixBill, dispatch.PrefixCare,
		dispatch.PrefixPlan, dispatch.PrefixAffirm,
	}
}

// Handle parses callback data and applies the action for u.
func (h *Handler) Handle(ctx context.Context, u storage.User, data string) (Result, error) {
	prefix, action, payload, err := tgui.Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	switch prefix {
	case dispatch.PrefixRoutine:
		id, date, err := idDate(payload)
		if err != nil {
			return Result{}, err
		}
		return h.Routine(ctx, u, id, date, action)
	case dispatch.PrefixStep:
		id, date, err := idDate(payload)
		if err != nil {
			return Result{}, err
		}
		if action == dispatch.ActFinish {
			return h.FinishSteps(ctx, u, id, date)
		}
		idx, err := tgui.Int64At(payload, 2)
		if err != nil || action != dispatch.ActToggle {
			return Result{}, fmt.Errorf("%w: %q", ErrBadData, data)
		}
		return h.ToggleStep(ctx, u, id, date, int(idx))
	case dispatch.PrefixCustom:
		id, date, err := idDate(payload)
		if err != nil {
			return Result{}, err
		}
		return h.Custom(ctx, u, id, date, action)
	case dispatch.PrefixMed:
		id, err := tgui.Int64At(payload, 0)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrBadData, data)
		}
		return h.Med(ctx, u, id, action)
	case dispatch.PrefixWellness:
		return h.Wellness(ctx, u, storage.WellnessKind(action), tgui.StringAt(payload, 0), tgui.StringAt(payload, 1))
	case dispatch.PrefixChore:
		if action == dispatch.ActOpen {
			return h.OpenChores(ctx, u)
		}
		id, err := tgui.Int64At(payload, 0)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrBadData, data)
		}
		return h.Chore(ctx, u, id, action)
	case dispatch.PrefixBill:
		if action == dispatch.ActOpen {
			return h.OpenBills(ctx, u)
		}
		id, err := tgui.Int64At(payload, 0)
		if err != nil || action != dispatch.ActPaid {
			return Result{}, fmt.Errorf("%w: %q", ErrBadData, data)
		}
		return h.BillPaid(ctx, u, id)
	case dispatch.PrefixCare:
		if action == dispatch.ActOpen {
			return h.OpenCare(u), nil
		}
		return h.CareDone(ctx, u, storage.Mark(tgui.StringAt(payload, 0)))
	case dispatch.PrefixPlan:
		return h.Plan(ctx, u, action, payload)
	case dispatch.PrefixAffirm:
		return h.Affirm(ctx, u, action)
	}
	return Result{}, fmt.Errorf("%w: unknown prefix %q", ErrBadData, prefix)
}

func idDate(payload []string) (int64, string, error) {
	id, err := tgui.Int64At(payload, 0)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadData, err)
	}
	date := tgui.StringAt(payload, 1)
	if _, err := clock.ParseDate(date); err != nil {
		return 0, "", fmt.Errorf("%w: date %q", ErrBadData, date)
	}
	return id, date, nil
}

func (h *Handler) today(u storage.User) string { return clock.LocalDate(h.clock.Now(), u.Timezone) }

func (h *Handler) award(ctx context.Context, u storage.User, points int, reason string) {
	if points <= 0 {
		return
	}
	if err := h.store.AddPoints(ctx, u.ID, points, h.today(u), reason); err != nil {
		h.log.Warn("add points failed", logx.Int64("user_id", u.ID), logx.String("reason", reason), logx.Err(err))
	}
}

func (h *Handler) applied(u storage.User, kind recurrence.Kind, action, occurrence string) {
	h.bus.Publish(eventbus.Event{Type: eventbus.ActionApplied, Data: eventbus.Action{
		UserID: u.ID, Kind: string(kind), Action: action, Occurrence: occurrence,
	}})
}

// later arms fn under key. fn runs with the user reloaded and is dropped
// when the user has paused deliveries meanwhile.
func (h *Handler) later(u storage.User, key deferral.Key, fn func(ctx context.Context, u storage.User)) error {
	_, err := h.timers.Schedule(key, h.config().LaterDelay, func(ctx context.Context) {
		fresh, err := h.store.GetUser(ctx, u.ID)
		if err != nil {
			h.log.Warn("deferred delivery: user lookup failed", logx.Int64("user_id", u.ID), logx.Err(err))
			return
		}
		if recurrence.Paused(h.clock.Now(), fresh) {
			return
		}
		fn(ctx, fresh)
	})
	return err
}

func (h *Handler) redeliver(ctx context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered) {
	if _, err := h.out.Deliver(ctx, u, kind, r); err != nil {
		h.log.Debug("deferred delivery failed", logx.Int64("user_id", u.ID), logx.String("kind", string(kind)), logx.Err(err))
	}
}
