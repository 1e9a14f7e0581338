package reminder

import (
	"context"
	"fmt"
	"time"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
)

// MorningPlans sends today's plan around each user's wake time, once per
// plan.
func (e *Engine) MorningPlans(ctx context.Context) error {
	return e.forEachUser(ctx, "plan.morning", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		plan, ok, err := e.store.GetDayPlan(ctx, u.ID, today)
		if err != nil || !ok || !e.morning.Due(now, u, plan) {
			return err
		}
		if !e.deliver(ctx, u, e.morning.Kind(), dispatch.RenderMorningPlan(plan), nil) {
			return nil
		}
		e.morning.MarkSent(&plan, today)
		return e.store.MarkDayPlanMorningSent(ctx, u.ID, today)
	})
}

// PlanPrompts asks users an hour before sleep to plan tomorrow while
// tomorrow is still empty.
func (e *Engine) PlanPrompts(ctx context.Context) error {
	return e.forEachUser(ctx, "plan.evening", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		tomorrow := clock.AddDays(today, 1)
		plan, _, err := e.store.GetDayPlan(ctx, u.ID, tomorrow)
		if err != nil || !e.prompt.Due(now, u, plan) {
			return err
		}
		if !e.deliver(ctx, u, e.prompt.Kind(), dispatch.RenderPlanPrompt(tomorrow), nil) {
			return nil
		}
		e.prompt.MarkSent(&plan, today)
		return e.store.MarkDayPlanPrompted(ctx, u.ID, tomorrow, today)
	})
}

// Affirmations sends one affirmation per configured local hour.
func (e *Engine) Affirmations(ctx context.Context) error {
	return e.forEachUser(ctx, "affirmations.tick", func(ctx context.Context, now time.Time, u storage.User) error {
		a, err := e.store.GetAffirmations(ctx, u.ID)
		if err != nil || !a.Enabled {
			return err
		}
		today := e.today(now, u)
		for _, h := range a.Hours {
			slot := recurrence.AffirmSlot{Hour: h, LastKey: a.LastKey}
			if !e.affirm.Due(now, u, slot) {
				continue
			}
			key := recurrence.AffirmationKey(today, h)
			text := dispatch.PickAffirmation(a.Categories, fmt.Sprintf("%d:%s", u.ID, key))
			if !e.deliver(ctx, u, e.affirm.Kind(), dispatch.RenderAffirmation(text), nil) {
				return nil
			}
			e.affirm.MarkSent(&slot, today)
			return e.store.SetAffirmationKey(ctx, u.ID, slot.LastKey)
		}
		return nil
	})
}
