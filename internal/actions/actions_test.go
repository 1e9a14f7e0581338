package actions

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	logx "carebot/pkg/logx"
)

const today = "2024-03-06"

type sent struct {
	kind recurrence.Kind
	r    dispatch.Rendered
}

type fakeOut struct {
	mu  sync.Mutex
	got []sent
}

func (f *fakeOut) Deliver(_ context.Context, _ storage.User, kind recurrence.Kind, r dispatch.Rendered) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, sent{kind: kind, r: r})
	return kit.MessageRef{MessageID: len(f.got)}, nil
}

type fakeTimers struct {
	mu    sync.Mutex
	armed map[deferral.Key]deferral.Func
	delay map[deferral.Key]time.Duration
}

func (f *fakeTimers) Schedule(key deferral.Key, delay time.Duration, fn deferral.Func) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[key] = fn
	f.delay[key] = delay
	return time.Time{}, nil
}

func (f *fakeTimers) Cancel(key deferral.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[key]
	delete(f.armed, key)
	return ok
}

// fire runs and disarms the job under key.
func (f *fakeTimers) fire(t *testing.T, key deferral.Key) {
	t.Helper()
	f.mu.Lock()
	fn, ok := f.armed[key]
	delete(f.armed, key)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("nothing armed for %s", key)
	}
	fn(context.Background())
}

type env struct {
	db     *storage.DB
	h      *Handler
	out    *fakeOut
	timers *fakeTimers
	ctx    context.Context
	u      storage.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	u, err := db.GetOrCreateUser(ctx, 7, "Robin")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if err := db.EnsureUserRoutines(ctx, u.ID); err != nil {
		t.Fatalf("EnsureUserRoutines: %v", err)
	}
	e := &env{
		db:     db,
		out:    &fakeOut{},
		timers: &fakeTimers{armed: map[deferral.Key]deferral.Func{}, delay: map[deferral.Key]time.Duration{}},
		ctx:    ctx,
		u:      u,
	}
	clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC))
	e.h = New(db, e.out, e.timers, clk, logx.Nop(), nil, Config{})
	return e
}

func (e *env) points(t *testing.T) int {
	t.Helper()
	u, err := e.db.GetUser(e.ctx, e.u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.PointsTotal
}

func (e *env) handle(t *testing.T, data string) Result {
	t.Helper()
	res, err := e.h.Handle(e.ctx, e.u, data)
	if err != nil {
		t.Fatalf("Handle(%q): %v", data, err)
	}
	return res
}

func TestRoutineLaterRedeliversCurrentState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := routineKey(e.u.ID, 1, today)

	e.handle(t, "rt:later:1:"+today)
	if d := e.timers.delay[key]; d != 30*time.Minute {
		t.Fatalf("later armed after %s", d)
	}
	task, _, _ := e.db.GetUserTask(e.ctx, e.u.ID, 1, today)
	if task.Status != storage.StatusLater {
		t.Fatalf("status = %q", task.Status)
	}

	// A step ticked in the meantime shows up in the re-delivery.
	e.handle(t, "rs:toggle:1:"+today+":0")
	e.timers.fire(t, key)
	if len(e.out.got) != 1 {
		t.Fatalf("re-deliveries = %d", len(e.out.got))
	}
	first := e.out.got[0].r.Keyboard[0][0]
	if !strings.HasPrefix(first.Text, "✅") {
		t.Fatalf("re-delivery does not reflect ticked step: %+v", first)
	}
}

func TestTerminalActionCancelsLater(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := routineKey(e.u.ID, 2, today)
	e.handle(t, "rt:later:2:"+today)
	res := e.handle(t, "rt:done:2:"+today)
	if res.Edit == nil || !strings.Contains(res.Edit.Text, "done") {
		t.Fatalf("done result = %+v", res)
	}
	if _, ok := e.timers.armed[key]; ok {
		t.Fatalf("deferred delivery still armed after done")
	}
	if p := e.points(t); p != 1 {
		t.Fatalf("points = %d, want 1", p)
	}

	again := e.handle(t, "rt:done:2:"+today)
	if again.Toast != "Already closed." || e.points(t) != 1 {
		t.Fatalf("second done = %+v, points %d", again, e.points(t))
	}
}

func TestDeferredSkippedWhenClosedMeanwhile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := routineKey(e.u.ID, 3, today)
	e.handle(t, "rt:later:3:"+today)
	fn := e.timers.armed[key]

	// Simulate a fire racing with the terminal action.
	e.handle(t, "rt:skip:3:"+today)
	fn(context.Background())
	if len(e.out.got) != 0 {
		t.Fatalf("closed occurrence re-delivered")
	}
}

func TestStepsAutoCloseOnlyWhenAllVisibleDone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	// Morning: step index 4 depends on index 3.
	for _, idx := range []string{"0", "1", "2", "5"} {
		res := e.handle(t, "rs:toggle:1:"+today+":"+idx)
		if res.Toast != "Ticked." {
			t.Fatalf("toggle %s = %+v", idx, res)
		}
	}
	if res := e.handle(t, "rs:toggle:1:"+today+":4"); res.Toast != "That step is not available yet." {
		t.Fatalf("hidden step toggled: %+v", res)
	}
	// Ticking the parent reveals step 4, so the routine stays open.
	e.handle(t, "rs:toggle:1:"+today+":3")
	task, _, _ := e.db.GetUserTask(e.ctx, e.u.ID, 1, today)
	if task.Status.Terminal() {
		t.Fatalf("closed before the revealed step was done")
	}
	res := e.handle(t, "rs:toggle:1:"+today+":4")
	if res.Toast != "All steps done!" {
		t.Fatalf("last toggle = %+v", res)
	}
	task, _, _ = e.db.GetUserTask(e.ctx, e.u.ID, 1, today)
	if task.Status != storage.StatusDone || task.Note != "0,1,2,3,4,5" {
		t.Fatalf("task = %+v", task)
	}
	if p := e.points(t); p != 6 {
		t.Fatalf("points = %d, want 6", p)
	}
}

func TestUntickAndFinish(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.handle(t, "rs:toggle:2:"+today+":0")
	if res := e.handle(t, "rs:toggle:2:"+today+":0"); res.Toast != "Unticked." {
		t.Fatalf("untick = %+v", res)
	}
	e.handle(t, "rs:toggle:2:"+today+":1")
	res := e.handle(t, "rs:finish:2:"+today)
	if !strings.Contains(res.Toast, "1 step") {
		t.Fatalf("finish = %+v", res)
	}
	// Two ticks credited, finish adds nothing.
	if p := e.points(t); p != 2 {
		t.Fatalf("points = %d, want 2", p)
	}
}

func TestCustomActions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id, err := e.db.CreateCustomReminder(e.ctx, storage.CustomReminder{UserID: e.u.ID, Title: "Water plants", ReminderTime: "09:00", TargetWeekday: -1})
	if err != nil {
		t.Fatalf("CreateCustomReminder: %v", err)
	}
	data := func(action string) string { return "cu:" + action + ":" + itoa(id) + ":" + today }

	e.handle(t, data("later"))
	e.timers.fire(t, customKey(e.u.ID, id, today))
	if len(e.out.got) != 1 || e.out.got[0].kind != recurrence.KindCustom {
		t.Fatalf("custom re-delivery = %+v", e.out.got)
	}
	e.handle(t, data("done"))
	if p := e.points(t); p != 3 {
		t.Fatalf("points = %d, want 3", p)
	}
	if res := e.handle(t, data("skip")); res.Toast != "Already closed." {
		t.Fatalf("skip after done = %+v", res)
	}
}

func TestMedActions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	medID, _ := e.db.CreateMed(e.ctx, storage.Medication{UserID: e.u.ID, Name: "Iron", Times: []string{"09:00"}})
	logID, _, _ := e.db.CreateMedLog(e.ctx, e.u.ID, medID, today, "09:00")
	data := func(action string) string { return "md:" + action + ":" + itoa(logID) }

	e.handle(t, data("later"))
	key := medKey(e.u.ID, logID)
	fn := e.timers.armed[key]
	e.handle(t, data("take"))
	if _, ok := e.timers.armed[key]; ok {
		t.Fatalf("take did not cancel the deferred dose")
	}
	fn(context.Background())
	if len(e.out.got) != 0 {
		t.Fatalf("taken dose re-delivered")
	}
	if res := e.handle(t, data("later")); res.Toast != "Already recorded." {
		t.Fatalf("later on taken dose = %+v", res)
	}

	stranger, _ := e.db.GetOrCreateUser(e.ctx, 8, "Sky")
	if _, err := e.h.Handle(e.ctx, stranger, data("skip")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign dose err = %v", err)
	}
}

func TestChoreBillCareWellness(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if err := e.db.EnsureRegularTasks(e.ctx, e.u.ID, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("EnsureRegularTasks: %v", err)
	}
	tasks, _ := e.db.ListRegularTasks(e.ctx, e.u.ID)
	towels := tasks[0]
	e.handle(t, "ch:done:"+itoa(towels.ID))
	got, _ := e.db.GetRegularTask(e.ctx, e.u.ID, towels.ID)
	if got.LastDoneDate != today || got.NextDueDate != "2024-03-13" {
		t.Fatalf("chore after done = %+v", got)
	}
	e.handle(t, "ch:snooze:"+itoa(towels.ID))
	got, _ = e.db.GetRegularTask(e.ctx, e.u.ID, towels.ID)
	if got.NextDueDate != "2024-03-14" {
		t.Fatalf("chore after snooze = %+v", got)
	}

	billID, _ := e.db.CreateBill(e.ctx, storage.Bill{UserID: e.u.ID, Title: "Rent", Amount: 500, DayOfMonth: 8})
	e.handle(t, "bl:paid:"+itoa(billID))
	b, _ := e.db.GetBill(e.ctx, e.u.ID, billID)
	if b.LastPaidMonth != "2024-03" {
		t.Fatalf("bill = %+v", b)
	}

	e.handle(t, "care:done:"+string(storage.MarkCareDentist))
	u, _ := e.db.GetUser(e.ctx, e.u.ID)
	if u.Marks[storage.MarkCareDentist] != today {
		t.Fatalf("marks = %+v", u.Marks)
	}
	if _, err := e.h.Handle(e.ctx, e.u, "care:done:last_weight_prompt"); !errors.Is(err, ErrBadData) {
		t.Fatalf("non-care mark err = %v", err)
	}

	before := e.points(t)
	e.handle(t, "wl:water:"+today+":yes")
	if res := e.handle(t, "wl:meal:"+today+":later"); res.Edit != nil {
		t.Fatalf("later edited the nudge: %+v", res)
	}
	if p := e.points(t); p != before+1 {
		t.Fatalf("points = %d, want %d", p, before+1)
	}
}

func TestHandleRejectsMalformedData(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, data := range []string{
		"",
		"zz:done:1",
		"rt:done:x:" + today,
		"rt:done:1:yesterday",
		"rt:explode:1:" + today,
		"rs:toggle:1:" + today,
		"rs:toggle:1:" + today + ":99",
		"md:take",
		"wl:juice:" + today + ":yes",
	} {
		if _, err := e.h.Handle(e.ctx, e.u, data); !errors.Is(err, ErrBadData) {
			t.Fatalf("Handle(%q) err = %v, want ErrBadData", data, err)
		}
	}
}

func buttonData(r *dispatch.Rendered) []string {
	var out []string
	for _, row := range r.Keyboard {
		for _, b := range row {
			out = append(out, b.Data)
		}
	}
	return out
}

func TestOpenScreensListPerItemActions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	rent, _ := e.db.CreateBill(e.ctx, storage.Bill{UserID: e.u.ID, Title: "Rent", Amount: 500, DayOfMonth: 8})
	gym, _ := e.db.CreateBill(e.ctx, storage.Bill{UserID: e.u.ID, Title: "Gym", Amount: 30, DayOfMonth: 2})
	e.handle(t, "bl:paid:"+itoa(gym))

	res := e.handle(t, "bl:open")
	if res.Edit == nil {
		t.Fatalf("bl:open did not edit")
	}
	got := strings.Join(buttonData(res.Edit), " ")
	if got != "bl:paid:"+itoa(rent) {
		t.Fatalf("bills screen buttons = %q", got)
	}

	if err := e.db.EnsureRegularTasks(e.ctx, e.u.ID, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("EnsureRegularTasks: %v", err)
	}
	res = e.handle(t, "ch:open")
	if res.Edit == nil {
		t.Fatalf("ch:open did not edit")
	}
	var done, snooze int
	for _, d := range buttonData(res.Edit) {
		switch {
		case strings.HasPrefix(d, "ch:done:"):
			done++
		case strings.HasPrefix(d, "ch:snooze:"):
			snooze++
		}
	}
	if done == 0 || done != snooze {
		t.Fatalf("chores screen done=%d snooze=%d", done, snooze)
	}

	e.handle(t, "care:done:"+string(storage.MarkCareDentist))
	fresh, err := e.db.GetUser(e.ctx, e.u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	res, err = e.h.Handle(e.ctx, fresh, "care:open")
	if err != nil || res.Edit == nil {
		t.Fatalf("care:open = %+v, %v", res, err)
	}
	care := buttonData(res.Edit)
	if len(care) != 3 {
		t.Fatalf("care screen buttons = %v", care)
	}
	for _, d := range care {
		if d == "care:done:"+string(storage.MarkCareDentist) {
			t.Fatalf("dentist listed right after being done: %v", care)
		}
	}
}

func TestPlanAndAffirmationButtons(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	call, _ := e.db.AddDayPlanItem(e.ctx, e.u.ID, today, "Call the bank", true)
	_, _ = e.db.AddDayPlanItem(e.ctx, e.u.ID, today, "Groceries", false)

	if res := e.handle(t, "dp:ok:"+today); res.Toast == "" || res.Edit != nil {
		t.Fatalf("ok = %+v", res)
	}
	res := e.handle(t, "dp:edit:"+today)
	if res.Edit == nil || len(buttonData(res.Edit)) != 2 {
		t.Fatalf("edit = %+v", res)
	}
	res = e.handle(t, "dp:del:"+today+":"+itoa(call))
	if res.Edit == nil || strings.Contains(res.Edit.Text, "Call the bank") || !strings.Contains(res.Edit.Text, "Groceries") {
		t.Fatalf("after delete = %+v", res)
	}
	stranger, _ := e.db.GetOrCreateUser(e.ctx, 8, "Sky")
	if _, err := e.h.Handle(e.ctx, stranger, "dp:del:"+today+":"+itoa(call)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	res = e.handle(t, "dp:plan:2024-03-07")
	if res.Edit == nil || !strings.Contains(res.Edit.Text, "Nothing planned yet.") {
		t.Fatalf("plan tomorrow = %+v", res)
	}
	if _, err := e.h.Handle(e.ctx, e.u, "dp:ok:tomorrow"); !errors.Is(err, ErrBadData) {
		t.Fatalf("bad date err = %v", err)
	}

	res = e.handle(t, "af:more")
	if res.Edit == nil || strings.Join(buttonData(res.Edit), " ") != "af:more af:thanks" {
		t.Fatalf("more = %+v", res)
	}
	if res := e.handle(t, "af:thanks"); res.Toast == "" || res.Edit != nil {
		t.Fatalf("thanks = %+v", res)
	}
	if _, err := e.h.Handle(e.ctx, e.u, "af:again"); !errors.Is(err, ErrBadData) {
		t.Fatalf("unknown affirmation action err = %v", err)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
