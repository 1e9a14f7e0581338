package actions

import (
	"context"
	"fmt"
	"strconv"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	"carebot/pkg/tgui"
)

// Plan answers the buttons of the morning plan, the plan screen and the
// evening planning prompt.
func (h *Handler) Plan(ctx context.Context, u storage.User, action string, payload []string) (Result, error) {
	date := tgui.StringAt(payload, 0)
	if _, err := clock.ParseDate(date); err != nil {
		return Result{}, fmt.Errorf("%w: plan date %q", ErrBadData, date)
	}
	switch action {
	case dispatch.ActOK:
		h.applied(u, recurrence.KindDayPlan, action, date)
		return Result{Toast: "Have a good day!"}, nil
	case dispatch.ActEdit, dispatch.ActPlan:
		return h.planScreen(ctx, u, date, "")
	case dispatch.ActDelete:
		id, err := tgui.Int64At(payload, 1)
		if err != nil {
			return Result{}, fmt.Errorf("%w: plan item %v", ErrBadData, err)
		}
		if err := h.store.DeleteDayPlanItem(ctx, u.ID, id); err != nil {
			return Result{}, err
		}
		h.applied(u, recurrence.KindDayPlan, action, date+":"+strconv.FormatInt(id, 10))
		return h.planScreen(ctx, u, date, "Removed.")
	}
	return Result{}, fmt.Errorf("%w: plan action %q", ErrBadData, action)
}

func (h *Handler) planScreen(ctx context.Context, u storage.User, date, toast string) (Result, error) {
	plan, _, err := h.store.GetDayPlan(ctx, u.ID, date)
	if err != nil {
		return Result{}, err
	}
	out := dispatch.RenderPlanScreen(u, plan)
	return Result{Toast: toast, Edit: &out}, nil
}

// Affirm answers an affirmation: more swaps in another line, thanks only
// acknowledges.
func (h *Handler) Affirm(ctx context.Context, u storage.User, action string) (Result, error) {
	switch action {
	case dispatch.ActMore:
		a, err := h.store.GetAffirmations(ctx, u.ID)
		if err != nil {
			return Result{}, err
		}
		seed := strconv.FormatInt(h.clock.Now().UnixNano(), 10)
		out := dispatch.RenderAffirmation(dispatch.PickAffirmation(a.Categories, seed))
		return Result{Edit: &out}, nil
	case dispatch.ActThanks:
		return Result{Toast: "I am here whenever you need another one."}, nil
	}
	return Result{}, fmt.Errorf("%w: affirmation action %q", ErrBadData, action)
}
