package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	"carebot/internal/task/scheduler"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

type delivery struct {
	userID int64
	kind   recurrence.Kind
	text   string
	data   []string
}

// fakeOut records deliveries; failKinds makes a kind fail, panicKinds panic.
type fakeOut struct {
	mu         sync.Mutex
	got        []delivery
	failKinds  map[recurrence.Kind]bool
	panicKinds map[recurrence.Kind]bool
}

func (f *fakeOut) Deliver(_ context.Context, u storage.User, kind recurrence.Kind, r dispatch.Rendered) (kit.MessageRef, error) {
	if f.panicKinds[kind] {
		panic("deliver " + string(kind))
	}
	if f.failKinds[kind] {
		return kit.MessageRef{}, fmt.Errorf("%w: blocked", kit.ErrForbidden)
	}
	var data []string
	for _, row := range r.Keyboard {
		for _, b := range row {
			data = append(data, b.Data)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivery{userID: u.ID, kind: kind, text: r.Text, data: data})
	return kit.MessageRef{ChatID: u.TelegramID, MessageID: len(f.got)}, nil
}

func (f *fakeOut) take() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.got
	f.got = nil
	return out
}

func kinds(ds []delivery) []recurrence.Kind {
	out := make([]recurrence.Kind, len(ds))
	for i, d := range ds {
		out[i] = d.kind
	}
	return out
}

type harness struct {
	db   *storage.DB
	clk  *clockwork.FakeClock
	out  *fakeOut
	eng  *Engine
	ctx  context.Context
	user storage.User
}

// newHarness starts at 2024-03-06 (a Wednesday) at the given UTC time with
// one user in UTC+3 whose routines are bound.
func newHarness(t *testing.T, utc time.Time) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	u, err := db.GetOrCreateUser(ctx, 1001, "Sam")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if err := db.SetTimezone(ctx, u.ID, "UTC+3"); err != nil {
		t.Fatalf("SetTimezone: %v", err)
	}
	if err := db.EnsureUserRoutines(ctx, u.ID); err != nil {
		t.Fatalf("EnsureUserRoutines: %v", err)
	}
	clk := clockwork.NewFakeClockAt(utc)
	out := &fakeOut{}
	h := &harness{db: db, clk: clk, out: out, ctx: ctx}
	h.eng = New(db, out, clk, logx.Nop(), nil, Config{})
	h.reloadUser(t)
	return h
}

func (h *harness) reloadUser(t *testing.T) {
	t.Helper()
	u, err := h.db.GetUserByTelegramID(h.ctx, 1001)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	h.user = u
}

// tickAt moves the clock to the given local (UTC+3) time on the same date
// and runs one tick.
func (h *harness) tickAt(t *testing.T, local string) []delivery {
	t.Helper()
	hh, mm := 0, 0
	if _, err := fmt.Sscanf(local, "%d:%d", &hh, &mm); err != nil {
		t.Fatalf("bad time %q", local)
	}
	now := h.clk.Now()
	target := time.Date(now.Year(), now.Month(), now.Day(), hh-3, mm, 0, 0, time.UTC)
	if d := target.Sub(now); d > 0 {
		h.clk.Advance(d)
	}
	if err := h.eng.Tick(h.ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return h.out.take()
}

func TestMorningRoutineFiresOncePerDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC))

	if got := h.tickAt(t, "07:29"); len(got) != 0 {
		t.Fatalf("07:29 delivered %v", kinds(got))
	}
	got := h.tickAt(t, "07:30")
	if len(got) != 1 || got[0].kind != recurrence.KindRoutine {
		t.Fatalf("07:30 delivered %v", kinds(got))
	}
	if !strings.Contains(got[0].text, "Morning") {
		t.Fatalf("text = %q", got[0].text)
	}
	// Step 5 depends on step 4, so 5 of 6 steps are shown initially.
	toggles := 0
	for _, d := range got[0].data {
		if strings.HasPrefix(d, "rs:toggle:1:2024-03-06:") {
			toggles++
		}
	}
	if toggles != 5 {
		t.Fatalf("toggle buttons = %d, want 5: %v", toggles, got[0].data)
	}
	if got := h.tickAt(t, "07:31"); len(got) != 0 {
		t.Fatalf("07:31 re-delivered %v", kinds(got))
	}
	task, ok, err := h.db.GetUserTask(h.ctx, h.user.ID, 1, "2024-03-06")
	if err != nil || !ok || task.Status != storage.StatusPending {
		t.Fatalf("occurrence = %+v, %v, %v", task, ok, err)
	}
}

func TestFailedDeliveryRetriesWithinWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC))
	h.out.failKinds = map[recurrence.Kind]bool{recurrence.KindRoutine: true}

	_ = h.tickAt(t, "07:30")
	h.out.failKinds = nil
	if got := h.tickAt(t, "07:31"); len(got) != 1 {
		t.Fatalf("retry delivered %v", kinds(got))
	}
}

func TestTwoDoseMedication(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 5, 0, 0, 0, time.UTC))
	if _, err := h.db.CreateMed(h.ctx, storage.Medication{UserID: h.user.ID, Name: "Iron", Times: []string{"09:00", "21:00"}}); err != nil {
		t.Fatalf("CreateMed: %v", err)
	}

	got := h.tickAt(t, "09:00")
	if len(got) != 1 || got[0].kind != recurrence.KindMedication || !strings.Contains(got[0].text, "09:00") {
		t.Fatalf("09:00 delivered %+v", got)
	}
	if got := h.tickAt(t, "09:01"); len(got) != 0 {
		t.Fatalf("09:01 re-delivered %v", kinds(got))
	}
	// The evening routine at 21:30 is outside this window.
	got = h.tickAt(t, "21:00")
	if len(got) != 1 || !strings.Contains(got[0].text, "21:00") {
		t.Fatalf("21:00 delivered %+v", got)
	}
	logs, err := h.db.ListMedLogs(h.ctx, h.user.ID, "2024-03-06")
	if err != nil || len(logs) != 2 {
		t.Fatalf("med logs = %+v, %v", logs, err)
	}
}

func TestMedicationLogKeptOnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 5, 0, 0, 0, time.UTC))
	_, _ = h.db.CreateMed(h.ctx, storage.Medication{UserID: h.user.ID, Name: "Iron", Times: []string{"09:00"}})
	h.out.failKinds = map[recurrence.Kind]bool{recurrence.KindMedication: true}

	_ = h.tickAt(t, "09:00")
	h.out.failKinds = nil
	if got := h.tickAt(t, "09:01"); len(got) != 0 {
		t.Fatalf("dose re-offered after failure: %v", kinds(got))
	}
}

func TestWellnessTwoKeys(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 5, 0, 0, 0, time.UTC))
	w := storage.DefaultWellness(h.user.ID)
	w.WaterEnabled = true
	if err := h.db.SaveWellness(h.ctx, w); err != nil {
		t.Fatalf("SaveWellness: %v", err)
	}

	for _, at := range []string{"11:00", "16:00"} {
		got := h.tickAt(t, at)
		if len(got) != 1 || got[0].kind != recurrence.KindWater {
			t.Fatalf("%s delivered %v", at, kinds(got))
		}
		if got := h.tickAt(t, at[:3]+"01"); len(got) != 0 {
			t.Fatalf("%s re-delivered %v", at, kinds(got))
		}
	}
	saved, _ := h.db.GetWellness(h.ctx, h.user.ID)
	if saved.WaterLastKey != "2024-03-06-16:00" {
		t.Fatalf("water key = %q", saved.WaterLastKey)
	}
}

func TestQuietModeAndPause(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC))
	if _, err := h.db.CreateCustomReminder(h.ctx, storage.CustomReminder{
		UserID: h.user.ID, Title: "Call mum", ReminderTime: "07:30", TargetWeekday: -1,
	}); err != nil {
		t.Fatalf("CreateCustomReminder: %v", err)
	}
	if err := h.db.SetQuietMode(h.ctx, h.user.ID, true); err != nil {
		t.Fatalf("SetQuietMode: %v", err)
	}
	got := h.tickAt(t, "07:30")
	if len(got) != 1 || got[0].kind != recurrence.KindCustom {
		t.Fatalf("quiet mode delivered %v", kinds(got))
	}

	// Pause covers tomorrow too.
	h.clk.Advance(24 * time.Hour)
	if err := h.db.SetPause(h.ctx, h.user.ID, "2024-03-07"); err != nil {
		t.Fatalf("SetPause: %v", err)
	}
	if got := h.tickAt(t, "07:30"); len(got) != 0 {
		t.Fatalf("paused user got %v", kinds(got))
	}
}

func TestOneTimeCustomArchived(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC))
	id, _ := h.db.CreateCustomReminder(h.ctx, storage.CustomReminder{
		UserID: h.user.ID, Title: "Renew passport", ReminderTime: "08:00",
		FrequencyDays: storage.OneTimeFrequency, TargetWeekday: -1,
	})
	if got := h.tickAt(t, "08:00"); len(got) != 1 {
		t.Fatalf("delivered %v", kinds(got))
	}
	r, err := h.db.GetCustomReminder(h.ctx, h.user.ID, id)
	if err != nil || !r.Archived || r.LastSentDate != "2024-03-06" {
		t.Fatalf("reminder = %+v, %v", r, err)
	}
	if _, ok, _ := h.db.GetCustomTask(h.ctx, id, "2024-03-06"); !ok {
		t.Fatalf("custom occurrence not recorded")
	}
}

func TestPanicInOneKindIsIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC))
	_, _ = h.db.CreateCustomReminder(h.ctx, storage.CustomReminder{
		UserID: h.user.ID, Title: "Stretch", ReminderTime: "07:30", TargetWeekday: -1,
	})
	h.out.panicKinds = map[recurrence.Kind]bool{recurrence.KindRoutine: true}

	got := h.tickAt(t, "07:30")
	if len(got) != 1 || got[0].kind != recurrence.KindCustom {
		t.Fatalf("delivered %v", kinds(got))
	}
}

func TestBillsDigestOncePerDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 6, 0, 0, 0, time.UTC))
	_, _ = h.db.CreateBill(h.ctx, storage.Bill{UserID: h.user.ID, Title: "Rent", Amount: 500, DayOfMonth: 8})
	_, _ = h.db.CreateBill(h.ctx, storage.Bill{UserID: h.user.ID, Title: "Gym", Amount: 30, DayOfMonth: 20})

	if err := h.eng.BillsDigest(h.ctx); err != nil {
		t.Fatalf("BillsDigest: %v", err)
	}
	got := h.out.take()
	if len(got) != 1 || !strings.Contains(got[0].text, "Rent") || strings.Contains(got[0].text, "Gym") {
		t.Fatalf("digest = %+v", got)
	}
	_ = h.eng.BillsDigest(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("digest repeated on the same day")
	}
}

func TestSundayJobs(t *testing.T) {
	t.Parallel()
	// 2024-03-10 is a Sunday; 09:00 local.
	h := newHarness(t, time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC))
	_, _ = h.db.AddExpense(h.ctx, storage.Expense{UserID: h.user.ID, Amount: 12.5, Category: "food", CreatedAt: h.clk.Now().Add(-time.Hour)})

	if err := h.eng.WeeklyFinance(h.ctx); err != nil {
		t.Fatalf("WeeklyFinance: %v", err)
	}
	got := h.out.take()
	if len(got) != 1 || got[0].kind != dispatch.KindFinance || !strings.Contains(got[0].text, "12.50") {
		t.Fatalf("finance = %+v", got)
	}

	if err := h.eng.WeeklyHomePlan(h.ctx); err != nil {
		t.Fatalf("WeeklyHomePlan: %v", err)
	}
	got = h.out.take()
	// Freshly seeded chores are due in 7+ days: the weekly ones fall in the horizon.
	if len(got) != 1 || got[0].kind != dispatch.KindChorePlan || !strings.Contains(got[0].text, "Towels") {
		t.Fatalf("home plan = %+v", got)
	}
	if strings.Contains(got[0].text, "Deep-clean the fridge") {
		t.Fatalf("30-day chore listed in weekly plan")
	}

	h.reloadUser(t)
	if h.user.Marks[storage.MarkHomePlan] != "2024-03-10" || h.user.Marks[storage.MarkFinanceDigest] != "2024-03-10" {
		t.Fatalf("marks = %+v", h.user.Marks)
	}
	_ = h.eng.WeeklyFinance(h.ctx)
	_ = h.eng.WeeklyHomePlan(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("sunday jobs repeated: %v", kinds(got))
	}
}

func TestWeekdayJobsSkipNonSunday(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 6, 0, 0, 0, time.UTC))
	_ = h.eng.WeeklyFinance(h.ctx)
	_ = h.eng.WeeklyHomePlan(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("wednesday got %v", kinds(got))
	}
}

func TestCareAndWeightPrompts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 6, 6, 0, 0, 0, time.UTC))
	_ = h.db.SetMark(h.ctx, h.user.ID, storage.MarkCareBrush, "2024-02-01")

	if err := h.eng.CareNudges(h.ctx); err != nil {
		t.Fatalf("CareNudges: %v", err)
	}
	got := h.out.take()
	if len(got) != 1 {
		t.Fatalf("care = %v", kinds(got))
	}
	if strings.Contains(got[0].text, "toothbrush") || len(got[0].data) != 3 {
		t.Fatalf("brush changed 34 days ago must not be listed: %+v", got[0])
	}
	_ = h.eng.CareNudges(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("care repeated the same day")
	}

	_ = h.eng.WeightPrompt(h.ctx)
	if got := h.out.take(); len(got) != 1 || got[0].data[0] != "mv:weight" {
		t.Fatalf("weight = %+v", got)
	}
	h.clk.Advance(6 * 24 * time.Hour)
	_ = h.eng.WeightPrompt(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("weight re-prompted after 6 days")
	}
	h.clk.Advance(24 * time.Hour)
	_ = h.eng.WeightPrompt(h.ctx)
	if got := h.out.take(); len(got) != 1 {
		t.Fatalf("weight not re-prompted after 7 days")
	}
}

type fakeScheduler struct{ names []string }

func (f *fakeScheduler) AddSchedule(name, schedule string, _ time.Duration, _ scheduler.Job) (string, error) {
	f.names = append(f.names, name+"="+schedule)
	return name, nil
}

func TestRegister(t *testing.T) {
	t.Parallel()
	e := New(nil, nil, nil, logx.Nop(), nil, Config{Care: "daily 10:15"})
	s := &fakeScheduler{}
	if err := e.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	joined := strings.Join(s.names, " ")
	for _, want := range []string{
		"reminders.tick=60s", "care.nudge=daily 10:15", "points.reset=5 0 1 * *", "chores.weekly=daily 10:00",
		"plan.morning=5m", "plan.evening=5m", "affirmations.tick=5m",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("registered %v, missing %q", s.names, want)
		}
	}
}

func TestDayPlanMorningAndEvening(t *testing.T) {
	t.Parallel()
	// 08:00 local, the default wake time.
	h := newHarness(t, time.Date(2024, 3, 6, 5, 0, 0, 0, time.UTC))
	_, _ = h.db.AddDayPlanItem(h.ctx, h.user.ID, "2024-03-06", "Groceries", false)
	_, _ = h.db.AddDayPlanItem(h.ctx, h.user.ID, "2024-03-06", "Call the bank", true)

	if err := h.eng.MorningPlans(h.ctx); err != nil {
		t.Fatalf("MorningPlans: %v", err)
	}
	got := h.out.take()
	if len(got) != 1 || got[0].kind != recurrence.KindDayPlan || got[0].data[0] != "dp:ok:2024-03-06" {
		t.Fatalf("morning = %+v", got)
	}
	if strings.Index(got[0].text, "Call the bank") > strings.Index(got[0].text, "Groceries") {
		t.Fatalf("important item not first: %q", got[0].text)
	}
	h.clk.Advance(5 * time.Minute)
	_ = h.eng.MorningPlans(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("morning plan sent twice")
	}

	// 22:00 local, an hour before the default sleep time.
	h.clk.Advance(13*time.Hour + 55*time.Minute)
	if err := h.eng.PlanPrompts(h.ctx); err != nil {
		t.Fatalf("PlanPrompts: %v", err)
	}
	got = h.out.take()
	if len(got) != 1 || got[0].kind != recurrence.KindPlanPrompt || got[0].data[0] != "dp:plan:2024-03-07" {
		t.Fatalf("evening = %+v", got)
	}
	h.clk.Advance(5 * time.Minute)
	_ = h.eng.PlanPrompts(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("evening prompt repeated")
	}

	// The prompt left an empty plan for the 7th: no morning message for it.
	h.clk.Advance(9*time.Hour + 55*time.Minute)
	_ = h.eng.MorningPlans(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("empty plan sent: %+v", got)
	}

	// Tomorrow already planned: no evening prompt.
	_, _ = h.db.AddDayPlanItem(h.ctx, h.user.ID, "2024-03-08", "Dentist", true)
	h.clk.Advance(14 * time.Hour)
	_ = h.eng.PlanPrompts(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("prompted although tomorrow has a plan: %+v", got)
	}
}

func TestAffirmationsOncePerHour(t *testing.T) {
	t.Parallel()
	// 09:10 local.
	h := newHarness(t, time.Date(2024, 3, 6, 6, 10, 0, 0, time.UTC))
	_ = h.eng.Affirmations(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("affirmations are off by default: %+v", got)
	}
	a := storage.DefaultAffirmations(h.user.ID)
	a.Enabled = true
	a.Hours = []int{9, 20}
	if err := h.db.SaveAffirmations(h.ctx, a); err != nil {
		t.Fatalf("SaveAffirmations: %v", err)
	}

	if err := h.eng.Affirmations(h.ctx); err != nil {
		t.Fatalf("Affirmations: %v", err)
	}
	got := h.out.take()
	if len(got) != 1 || got[0].kind != recurrence.KindAffirmation || got[0].data[0] != "af:more" {
		t.Fatalf("affirmation = %+v", got)
	}
	h.clk.Advance(30 * time.Minute)
	_ = h.eng.Affirmations(h.ctx)
	if got := h.out.take(); len(got) != 0 {
		t.Fatalf("two affirmations in one hour")
	}
	h.clk.Advance(10*time.Hour + 25*time.Minute)
	_ = h.eng.Affirmations(h.ctx)
	if got := h.out.take(); len(got) != 1 {
		t.Fatalf("20:05 affirmation = %v", kinds(got))
	}
	stored, _ := h.db.GetAffirmations(h.ctx, h.user.ID)
	if stored.LastKey != "affirm:2024-03-06:20" {
		t.Fatalf("LastKey = %q", stored.LastKey)
	}
}
