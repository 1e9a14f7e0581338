// Package reminder is the scheduling loop: the per-minute tick that walks
// every user through routines, custom reminders, medications and wellness
// nudges, plus the day-plan and affirmation jobs and the daily, weekly and
// monthly digests.
package reminder

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/eventbus"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	"carebot/internal/task/scheduler"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

// Store is the slice of the repository the engine reads and marks.
type Store interface {
	ListUsers(ctx context.Context) ([]storage.User, error)

	ListUserRoutines(ctx context.Context, userID int64) ([]storage.UserRoutine, error)
	ListRoutineSteps(ctx context.Context, userID, routineID int64) ([]storage.RoutineStep, error)
	EnsureUserTask(ctx context.Context, userID, routineID int64, date string) error
	GetUserTask(ctx context.Context, userID, routineID int64, date string) (storage.UserTask, bool, error)
	SetRoutineSent(ctx context.Context, userID, routineID int64, date string) error

	ListCustomReminders(ctx context.Context, userID int64) ([]storage.CustomReminder, error)
	SetCustomReminderSent(ctx context.Context, id int64, date string) error
	UpsertCustomTask(ctx context.Context, t storage.CustomTask) error
	ArchiveCustomReminder(ctx context.Context, userID, id int64) error

	ListMeds(ctx context.Context, userID int64, activeOnly bool) ([]storage.Medication, error)
	MedLogExists(ctx context.Context, userID, medID int64, date, planned string) (bool, error)
	CreateMedLog(ctx context.Context, userID, medID int64, date, planned string) (int64, bool, error)

	GetWellness(ctx context.Context, userID int64) (storage.WellnessSettings, error)
	SetWellnessKey(ctx context.Context, userID int64, kind storage.WellnessKind, key string) error

	ListBills(ctx context.Context, userID int64) ([]storage.Bill, error)
	EnsureRegularTasks(ctx context.Context, userID int64, today time.Time) error
	ListRegularTasks(ctx context.Context, userID int64) ([]storage.RegularTask, error)
	ExpenseTotals(ctx context.Context, userID int64, from, to time.Time) (map[string]float64, error)
	GetBudget(ctx context.Context, userID int64, month string) (storage.Budget, error)
	SetMark(ctx context.Context, userID int64, mark storage.Mark, date string) error
	ResetMonthPoints(ctx context.Context, month string) (int64, error)

	GetDayPlan(ctx context.Context, userID int64, date string) (storage.DayPlan, bool, error)
	MarkDayPlanMorningSent(ctx context.Context, userID int64, date string) error
	MarkDayPlanPrompted(ctx context.Context, userID int64, date, localDate string) error
	GetAffirmations(ctx context.Context, userID int64) (storage.AffirmationSettings, error)
	SetAffirmationKey(ctx context.Context, userID int64, key string) error
}

// Deliverer is the dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered) (kit.MessageRef, error)
}

// Scheduler hosts the engine's recurring jobs.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job scheduler.Job) (string, error)
}

// Config holds the engine's schedules and thresholds. Schedules use the
// scheduler's syntax ("60s", "daily 09:00", cron).
type Config struct {
	Window time.Duration

	Tick        string
	BillsDigest string
	Finance     string
	PointsReset string
	Care        string
	Weight      string
	ChorePlan   string
	MorningPlan string
	EveningPlan string
	Affirm      string
	JobTimeout  time.Duration

	BillsDaysAhead   int
	ChoreHorizonDays int
	ChorePlanLimit   int
	WeightEveryDays  int
	PlanWindow       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = recurrence.DefaultWindow
	}
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&c.Tick, "60s")
	def(&c.BillsDigest, "daily 09:00")
	def(&c.Finance, "daily 09:00")
	def(&c.PointsReset, "5 0 1 * *")
	def(&c.Care, "daily 09:15")
	def(&c.Weight, "daily 08:30")
	def(&c.ChorePlan, "daily 10:00")
	def(&c.MorningPlan, "5m")
	def(&c.EveningPlan, "5m")
	def(&c.Affirm, "5m")
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.BillsDaysAhead <= 0 {
		c.BillsDaysAhead = 3
	}
	if c.ChoreHorizonDays <= 0 {
		c.ChoreHorizonDays = 7
	}
	if c.ChorePlanLimit <= 0 {
		c.ChorePlanLimit = 15
	}
	if c.WeightEveryDays <= 0 {
		c.WeightEveryDays = 7
	}
	if c.PlanWindow <= 0 {
		c.PlanWindow = recurrence.PlanWindow
	}
	return c
}

type Engine struct {
	store Store
	out   Deliverer
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus
	cfg   Config

	routine recurrence.Routine
	custom  recurrence.Custom
	med     recurrence.Medication
	water   recurrence.Wellness
	meal    recurrence.Wellness
	bill    recurrence.Bill
	chore   recurrence.Chore
	morning recurrence.MorningPlan
	prompt  recurrence.PlanPrompt
	affirm  recurrence.Affirmation
}

func New(store Store, out Deliverer, clk clockwork.Clock, log logx.Logger, bus eventbus.Bus, cfg Config) *Engine {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store: store,
		out:   out,
		clock: clk,
		log:   log.With(logx.String("comp", "reminder")),
		bus:   bus,
		cfg:   cfg,

		routine: recurrence.Routine{Window: cfg.Window},
		custom:  recurrence.Custom{Window: cfg.Window},
		med:     recurrence.Medication{Window: cfg.Window},
		water:   recurrence.Wellness{Window: cfg.Window, Of: storage.Water},
		meal:    recurrence.Wellness{Window: cfg.Window, Of: storage.Meal},
		bill:    recurrence.Bill{DaysAhead: cfg.BillsDaysAhead},
		chore:   recurrence.Chore{HorizonDays: cfg.ChoreHorizonDays},
		morning: recurrence.MorningPlan{Window: cfg.PlanWindow},
		prompt:  recurrence.PlanPrompt{Window: cfg.PlanWindow},
	}
}

// Register adds the tick and the digest jobs to s.
func (e *Engine) Register(s Scheduler) error {
	jobs := []struct {
		name, spec string
		timeout    time.Duration
		fn         scheduler.Job
	}{
		{"reminders.tick", e.cfg.Tick, 55 * time.Second, e.Tick},
		{"bills.digest", e.cfg.BillsDigest, e.cfg.JobTimeout, e.BillsDigest},
		{"finance.weekly", e.cfg.Finance, e.cfg.JobTimeout, e.WeeklyFinance},
		{"points.reset", e.cfg.PointsReset, e.cfg.JobTimeout, e.ResetMonthPoints},
		{"care.nudge", e.cfg.Care, e.cfg.JobTimeout, e.CareNudges},
		{"weight.prompt", e.cfg.Weight, e.cfg.JobTimeout, e.WeightPrompt},
		{"chores.weekly", e.cfg.ChorePlan, e.cfg.JobTimeout, e.WeeklyHomePlan},
		{"plan.morning", e.cfg.MorningPlan, e.cfg.JobTimeout, e.MorningPlans},
		{"plan.evening", e.cfg.EveningPlan, e.cfg.JobTimeout, e.PlanPrompts},
		{"affirmations.tick", e.cfg.Affirm, e.cfg.JobTimeout, e.Affirmations},
	}
	for _, j := range jobs {
		if _, err := s.AddSchedule(j.name, j.spec, j.timeout, j.fn); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return nil
}

type tickStats struct {
	sent, failed int
}

// Tick runs one pass over all users. Users are processed sequentially;
// a failure or panic in one user or kind never stops the others.
func (e *Engine) Tick(ctx context.Context) error {
	start := e.clock.Now()
	now := start
	runID := uuid.NewString()

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("tick: list users: %w", err)
	}
	var st tickStats
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		e.tickUser(ctx, now, u, &st)
	}

	took := e.clock.Since(start)
	e.bus.Publish(eventbus.Event{Type: eventbus.TickDone, Data: eventbus.Tick{
		RunID: runID, Users: len(users), Sent: st.sent, Failed: st.failed, Duration: took,
	}})
	if st.sent > 0 || st.failed > 0 {
		e.log.Info("tick done", logx.String("run", runID), logx.Int("users", len(users)),
			logx.Int("sent", st.sent), logx.Int("failed", st.failed), logx.Duration("took", took))
	}
	return ctx.Err()
}

type kindFunc func(ctx context.Context, now time.Time, u storage.User, st *tickStats) error

func (e *Engine) tickUser(ctx context.Context, now time.Time, u storage.User, st *tickStats) {
	if recurrence.Paused(now, u) {
		return
	}
	kinds := []struct {
		kind recurrence.Kind
		fn   kindFunc
	}{
		{recurrence.KindRoutine, e.routines},
		{recurrence.KindCustom, e.customs},
		{recurrence.KindMedication, e.meds},
		{recurrence.KindWater, e.wellness},
	}
	for _, k := range kinds {
		if u.QuietMode && k.kind != recurrence.KindCustom {
			continue
		}
		e.safe(ctx, now, u, k.kind, k.fn, st)
	}
}

func (e *Engine) safe(ctx context.Context, now time.Time, u storage.User, kind recurrence.Kind, fn kindFunc, st *tickStats) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reminder kind panic", logx.Int64("user_id", u.ID), logx.String("kind", string(kind)),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := fn(ctx, now, u, st); err != nil {
		e.log.Warn("reminder kind failed", logx.Int64("user_id", u.ID), logx.String("kind", string(kind)), logx.Err(err))
	}
}

func (e *Engine) deliver(ctx context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered, st *tickStats) bool {
	if _, err := e.out.Deliver(ctx, u, kind, r); err != nil {
		if st != nil {
			st.failed++
		}
		return false
	}
	if st != nil {
		st.sent++
	}
	return true
}

func (e *Engine) today(now time.Time, u storage.User) string { return clock.LocalDate(now, u.Timezone) }
