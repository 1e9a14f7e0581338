package reminder

import (
	"context"
	"fmt"
	"time"

	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

// routines sends each due routine and marks it sent only after a
// successful delivery, so a transient failure retries within the window.
func (e *Engine) routines(ctx context.Context, now time.Time, u storage.User, st *tickStats) error {
	rs, err := e.store.ListUserRoutines(ctx, u.ID)
	if err != nil {
		return err
	}
	today := e.today(now, u)
	for _, r := range rs {
		if !e.routine.Due(now, u, r) {
			continue
		}
		if err := e.store.EnsureUserTask(ctx, u.ID, r.RoutineID, today); err != nil {
			return fmt.Errorf("routine %d occurrence: %w", r.RoutineID, err)
		}
		task, _, err := e.store.GetUserTask(ctx, u.ID, r.RoutineID, today)
		if err != nil {
			return err
		}
		steps, err := e.store.ListRoutineSteps(ctx, u.ID, r.RoutineID)
		if err != nil {
			return err
		}
		if !e.deliver(ctx, u, recurrence.KindRoutine, dispatch.RenderRoutine(u, r, steps, task), st) {
			continue
		}
		if err := e.store.SetRoutineSent(ctx, u.ID, r.RoutineID, today); err != nil {
			return fmt.Errorf("routine %d mark sent: %w", r.RoutineID, err)
		}
	}
	return nil
}

func (e *Engine) customs(ctx context.Context, now time.Time, u storage.User, st *tickStats) error {
	rs, err := e.store.ListCustomReminders(ctx, u.ID)
	if err != nil {
		return err
	}
	today := e.today(now, u)
	for _, r := range rs {
		if !e.custom.Due(now, u, r) {
			continue
		}
		if !e.deliver(ctx, u, recurrence.KindCustom, dispatch.RenderCustom(r, today), st) {
			continue
		}
		if err := e.store.SetCustomReminderSent(ctx, r.ID, today); err != nil {
			return fmt.Errorf("custom %d mark sent: %w", r.ID, err)
		}
		if err := e.store.UpsertCustomTask(ctx, storage.CustomTask{
			ReminderID: r.ID, UserID: u.ID, Date: today, Status: storage.StatusPending,
		}); err != nil {
			return err
		}
		if e.custom.Once(r) {
			if err := e.store.ArchiveCustomReminder(ctx, u.ID, r.ID); err != nil {
				return fmt.Errorf("custom %d archive: %w", r.ID, err)
			}
		}
	}
	return nil
}

// meds creates the dose log row before dispatch. The row is the marker and
// stays even if delivery fails: a dose is offered at most once.
func (e *Engine) meds(ctx context.Context, now time.Time, u storage.User, st *tickStats) error {
	meds, err := e.store.ListMeds(ctx, u.ID, true)
	if err != nil {
		return err
	}
	today := e.today(now, u)
	for _, m := range meds {
		for _, d := range recurrence.Doses(m) {
			logged, err := e.store.MedLogExists(ctx, u.ID, m.ID, today, d.Time)
			if err != nil {
				return err
			}
			d.Logged = logged
			if !e.med.Due(now, u, d) {
				continue
			}
			id, created, err := e.store.CreateMedLog(ctx, u.ID, m.ID, today, d.Time)
			if err != nil {
				return fmt.Errorf("med %d log: %w", m.ID, err)
			}
			if !created {
				continue
			}
			r := dispatch.RenderMedication(m, storage.MedLog{ID: id, UserID: u.ID, MedID: m.ID, Date: today, PlannedTime: d.Time})
			if !e.deliver(ctx, u, recurrence.KindMedication, r, st) {
				e.log.Debug("dose log kept after failed delivery", logx.Int64("user_id", u.ID), logx.Int64("log_id", id))
			}
		}
	}
	return nil
}

func (e *Engine) wellness(ctx context.Context, now time.Time, u storage.User, st *tickStats) error {
	w, err := e.store.GetWellness(ctx, u.ID)
	if err != nil {
		return err
	}
	today := e.today(now, u)
	streams := []struct {
		policy  recurrence.Wellness
		enabled bool
		times   []string
		lastKey string
	}{
		{e.water, w.WaterEnabled, w.WaterTimes, w.WaterLastKey},
		{e.meal, w.MealEnabled, w.MealTimes, w.MealLastKey},
	}
	for _, s := range streams {
		if !s.enabled {
			continue
		}
		n := recurrence.Nudge{Kind: s.policy.Of, LastKey: s.lastKey}
		for _, t := range s.times {
			n.Time = t
			if !s.policy.Due(now, u, n) {
				continue
			}
			if !e.deliver(ctx, u, s.policy.Kind(), dispatch.RenderWellness(s.policy.Of, today, w.Tone), st) {
				continue
			}
			s.policy.MarkSent(&n, today)
			if err := e.store.SetWellnessKey(ctx, u.ID, s.policy.Of, n.LastKey); err != nil {
				return fmt.Errorf("%s mark sent: %w", s.policy.Of, err)
			}
		}
	}
	return nil
}
