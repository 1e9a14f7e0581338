package actions

import (
	"context"
	"fmt"
	"strconv"

	"carebot/internal/clock"
	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
)

func customKey(userID, id int64, date string) deferral.Key {
	return deferral.Key{UserID: userID, Occurrence: "custom:" + strconv.FormatInt(id, 10) + ":" + date}
}

func medKey(userID, logID int64) deferral.Key {
	return deferral.Key{UserID: userID, Occurrence: "med:" + strconv.FormatInt(logID, 10)}
}

// Custom applies done (+3), skip or later to a custom reminder occurrence.
func (h *Handler) Custom(ctx context.Context, u storage.User, id int64, date, action string) (Result, error) {
	r, err := h.store.GetCustomReminder(ctx, u.ID, id)
	if err != nil {
		return Result{}, err
	}
	task, _, err := h.store.GetCustomTask(ctx, id, date)
	if err != nil {
		return Result{}, err
	}
	if task.Status.Terminal() {
		out := dispatch.RenderClosed("🔔", r.Title, task.Status)
		return Result{Toast: "Already closed.", Edit: &out}, nil
	}

	var (
		status storage.TaskStatus
		toast  string
	)
	switch action {
	case dispatch.ActDone:
		status, toast = storage.StatusDone, "Done, +3 points."
	case dispatch.ActSkip:
		status, toast = storage.StatusSkip, "Skipped."
	case dispatch.ActLater:
		status, toast = storage.StatusLater, "I will remind you in 30 minutes."
	default:
		return Result{}, fmt.Errorf("%w: custom action %q", ErrBadData, action)
	}
	if err := h.store.UpsertCustomTask(ctx, storage.CustomTask{ReminderID: id, UserID: u.ID, Date: date, Status: status}); err != nil {
		return Result{}, err
	}
	key := customKey(u.ID, id, date)
	if status == storage.StatusLater {
		if err := h.later(u, key, func(ctx context.Context, u storage.User) {
			t, _, err := h.store.GetCustomTask(ctx, id, date)
			if err != nil || t.Status.Terminal() {
				return
			}
			h.redeliver(ctx, u, recurrence.KindCustom, dispatch.RenderCustom(r, date))
		}); err != nil {
			return Result{}, fmt.Errorf("arm custom reminder: %w", err)
		}
	} else {
		h.timers.Cancel(key)
	}
	if status == storage.StatusDone {
		h.award(ctx, u, 3, "custom")
	}
	h.applied(u, recurrence.KindCustom, action, key.Occurrence)
	out := dispatch.RenderClosed("🔔", r.Title, status)
	return Result{Toast: toast, Edit: &out}, nil
}

// Med records a dose as taken or skipped, or defers it. The deferred
// reminder is sent only if the dose is still outstanding.
func (h *Handler) Med(ctx context.Context, u storage.User, logID int64, action string) (Result, error) {
	l, err := h.store.GetMedLog(ctx, logID)
	if err != nil {
		return Result{}, err
	}
	if l.UserID != u.ID {
		return Result{}, storage.ErrNotFound
	}
	m, err := h.store.GetMed(ctx, l.MedID)
	if err != nil {
		return Result{}, err
	}
	title := m.Name + " " + l.PlannedTime
	key := medKey(u.ID, logID)

	switch action {
	case dispatch.ActTake:
		if err := h.store.SetMedTaken(ctx, u.ID, logID, h.clock.Now()); err != nil {
			return Result{}, err
		}
		h.timers.Cancel(key)
		h.applied(u, recurrence.KindMedication, action, key.Occurrence)
		out := dispatch.RenderClosed("💊", title, storage.StatusDone)
		return Result{Toast: "Dose recorded.", Edit: &out}, nil
	case dispatch.ActSkip:
		if err := h.store.SetMedSkipped(ctx, u.ID, logID); err != nil {
			return Result{}, err
		}
		h.timers.Cancel(key)
		h.applied(u, recurrence.KindMedication, action, key.Occurrence)
		out := dispatch.RenderClosed("💊", title, storage.StatusSkip)
		return Result{Toast: "Skipped.", Edit: &out}, nil
	case dispatch.ActLater:
		if !l.Outstanding() {
			out := dispatch.RenderClosed("💊", title, storage.StatusDone)
			return Result{Toast: "Already recorded.", Edit: &out}, nil
		}
		if err := h.later(u, key, func(ctx context.Context, u storage.User) {
			cur, err := h.store.GetMedLog(ctx, logID)
			if err != nil || !cur.Outstanding() {
				return
			}
			h.redeliver(ctx, u, recurrence.KindMedication, dispatch.RenderMedication(m, cur))
		}); err != nil {
			return Result{}, fmt.Errorf("arm dose reminder: %w", err)
		}
		h.applied(u, recurrence.KindMedication, action, key.Occurrence)
		out := dispatch.RenderClosed("💊", title, storage.StatusLater)
		return Result{Toast: "I will remind you in 30 minutes.", Edit: &out}, nil
	}
	return Result{}, fmt.Errorf("%w: med action %q", ErrBadData, action)
}

// Wellness acknowledges a water or meal nudge; yes earns a point.
func (h *Handler) Wellness(ctx context.Context, u storage.User, kind storage.WellnessKind, date, answer string) (Result, error) {
	if kind != storage.Water && kind != storage.Meal {
		return Result{}, fmt.Errorf("%w: wellness kind %q", ErrBadData, kind)
	}
	policy := recurrence.Wellness{Of: kind}
	switch answer {
	case dispatch.ActYes:
		h.award(ctx, u, 1, string(kind))
		h.applied(u, policy.Kind(), answer, date)
		out := dispatch.RenderClosed("👍", string(kind), storage.StatusDone)
		return Result{Toast: "+1 point.", Edit: &out}, nil
	case dispatch.ActLater:
		h.applied(u, policy.Kind(), answer, date)
		return Result{Toast: "Okay, a bit later."}, nil
	}
	return Result{}, fmt.Errorf("%w: wellness answer %q", ErrBadData, answer)
}

const choreScreenLimit = 15

// Chore marks a regular task done (advancing its next due date) or
// postpones it by a day.
func (h *Handler) Chore(ctx context.Context, u storage.User, id int64, action string) (Result, error) {
	t, err := h.store.GetRegularTask(ctx, u.ID, id)
	if err != nil {
		return Result{}, err
	}
	switch action {
	case dispatch.ActDone:
		h.chore.MarkSent(&t, h.today(u))
		if err := h.store.SaveRegularTask(ctx, t); err != nil {
			return Result{}, err
		}
		h.award(ctx, u, t.Points, "chore")
		h.applied(u, recurrence.KindChore, action, strconv.FormatInt(id, 10))
		return Result{Toast: fmt.Sprintf("%s done. Next time: %s.", t.Title, clock.FormatDisplay(t.NextDueDate))}, nil
	case dispatch.ActSnooze:
		if err := h.store.PostponeRegularTask(ctx, u.ID, id, 1); err != nil {
			return Result{}, err
		}
		h.applied(u, recurrence.KindChore, action, strconv.FormatInt(id, 10))
		return Result{Toast: t.Title + " moved to tomorrow."}, nil
	}
	return Result{}, fmt.Errorf("%w: chore action %q", ErrBadData, action)
}

// OpenBills replaces a bills nudge with the bills screen: every active
// bill not yet paid this month.
func (h *Handler) OpenBills(ctx context.Context, u storage.User) (Result, error) {
	bills, err := h.store.ListBills(ctx, u.ID)
	if err != nil {
		return Result{}, err
	}
	now := h.clock.Now()
	month := clock.MonthKey(now, u.Timezone)
	var open []dispatch.BillDue
	for _, b := range bills {
		if b.Active && b.LastPaidMonth != month {
			open = append(open, dispatch.BillDue{Bill: b, DueDate: recurrence.DueDate(now, u.Timezone, b)})
		}
	}
	out := dispatch.RenderBills(u, open)
	return Result{Edit: &out}, nil
}

// BillPaid records the current local month as paid.
func (h *Handler) BillPaid(ctx context.Context, u storage.User, id int64) (Result, error) {
	b, err := h.store.GetBill(ctx, u.ID, id)
	if err != nil {
		return Result{}, err
	}
	month := clock.MonthKey(h.clock.Now(), u.Timezone)
	if err := h.store.MarkBillPaid(ctx, u.ID, id, month); err != nil {
		return Result{}, err
	}
	h.applied(u, recurrence.KindBill, dispatch.ActPaid, month)
	return Result{Toast: b.Title + " paid for " + month + "."}, nil
}

// OpenChores replaces the home plan with the chores screen.
func (h *Handler) OpenChores(ctx context.Context, u storage.User) (Result, error) {
	tasks, err := h.store.ListRegularTasks(ctx, u.ID)
	if err != nil {
		return Result{}, err
	}
	out := dispatch.RenderChores(u, tasks, choreScreenLimit)
	return Result{Edit: &out}, nil
}

// OpenCare replaces a care nudge with the checklist of items still overdue.
func (h *Handler) OpenCare(u storage.User) Result {
	out := dispatch.RenderCareChecklist(u, recurrence.OverdueCare(u, h.today(u)))
	return Result{Edit: &out}
}

var careMarks = map[storage.Mark]bool{
	storage.MarkCareDentist:  true,
	storage.MarkCareVision:   true,
	storage.MarkCareFirstAid: true,
	storage.MarkCareBrush:    true,
}

// CareDone stores today as the last time a care check was done.
func (h *Handler) CareDone(ctx context.Context, u storage.User, mark storage.Mark) (Result, error) {
	if !careMarks[mark] {
		return Result{}, fmt.Errorf("%w: care mark %q", ErrBadData, mark)
	}
	if err := h.store.SetMark(ctx, u.ID, mark, h.today(u)); err != nil {
		return Result{}, err
	}
	h.applied(u, dispatch.KindCare, dispatch.ActDone, string(mark))
	return Result{Toast: "Noted, thank you."}, nil
}
