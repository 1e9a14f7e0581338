package actions

import (
	"context"
	"fmt"
	"strconv"

	"carebot/internal/deferral"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
)

func routineKey(userID, routineID int64, date string) deferral.Key {
	return deferral.Key{UserID: userID, Occurrence: "routine:" + strconv.FormatInt(routineID, 10) + ":" + date}
}

type routineState struct {
	r     storage.UserRoutine
	steps []storage.RoutineStep
	task  storage.UserTask
}

func (h *Handler) loadRoutine(ctx context.Context, u storage.User, routineID int64, date string) (routineState, error) {
	r, err := h.store.GetUserRoutine(ctx, u.ID, routineID)
	if err != nil {
		return routineState{}, err
	}
	steps, err := h.store.ListRoutineSteps(ctx, u.ID, routineID)
	if err != nil {
		return routineState{}, err
	}
	task, _, err := h.store.GetUserTask(ctx, u.ID, routineID, date)
	if err != nil {
		return routineState{}, err
	}
	return routineState{r: r, steps: steps, task: task}, nil
}

func (s routineState) closed() Result {
	out := dispatch.RenderClosed(dispatch.RoutineEmoji(s.r.Slot), s.r.Title, s.task.Status)
	return Result{Toast: "Already closed.", Edit: &out}
}

// Routine applies done, skip or later to one routine occurrence. Step
// points are credited when steps are ticked, so done adds a single point
// only when no step was completed.
func (h *Handler) Routine(ctx context.Context, u storage.User, routineID int64, date, action string) (Result, error) {
	s, err := h.loadRoutine(ctx, u, routineID, date)
	if err != nil {
		return Result{}, err
	}
	if s.task.Status.Terminal() {
		return s.closed(), nil
	}
	key := routineKey(u.ID, routineID, date)

	var toast string
	switch action {
	case dispatch.ActDone:
		s.task.Status = storage.StatusDone
		toast = "Nice, routine closed."
	case dispatch.ActSkip:
		s.task.Status = storage.StatusSkip
		toast = "Skipped. Tomorrow is another day."
	case dispatch.ActLater:
		s.task.Status = storage.StatusLater
		toast = "I will remind you in 30 minutes."
	default:
		return Result{}, fmt.Errorf("%w: routine action %q", ErrBadData, action)
	}
	if err := h.store.UpsertUserTask(ctx, s.task); err != nil {
		return Result{}, err
	}

	if action == dispatch.ActLater {
		if err := h.later(u, key, func(ctx context.Context, u storage.User) {
			h.redeliverRoutine(ctx, u, routineID, date)
		}); err != nil {
			return Result{}, fmt.Errorf("arm routine reminder: %w", err)
		}
	} else {
		h.timers.Cancel(key)
	}
	if action == dispatch.ActDone && len(dispatch.ParseCompleted(s.task.Note)) == 0 {
		h.award(ctx, u, 1, "routine")
	}
	h.applied(u, recurrence.KindRoutine, action, key.Occurrence)
	out := dispatch.RenderClosed(dispatch.RoutineEmoji(s.r.Slot), s.r.Title, s.task.Status)
	return Result{Toast: toast, Edit: &out}, nil
}

func (h *Handler) redeliverRoutine(ctx context.Context, u storage.User, routineID int64, date string) {
	s, err := h.loadRoutine(ctx, u, routineID, date)
	if err != nil || s.task.Status.Terminal() {
		return
	}
	h.redeliver(ctx, u, recurrence.KindRoutine, dispatch.RenderRoutine(u, s.r, s.steps, s.task))
}

// ToggleStep ticks or unticks one step. A newly ticked step credits its
// points. The occurrence closes as done once every visible step is ticked;
// a tick that reveals new steps keeps it open.
func (h *Handler) ToggleStep(ctx context.Context, u storage.User, routineID int64, date string, idx int) (Result, error) {
	s, err := h.loadRoutine(ctx, u, routineID, date)
	if err != nil {
		return Result{}, err
	}
	if s.task.Status.Terminal() {
		return s.closed(), nil
	}
	if idx < 0 || idx >= len(s.steps) {
		return Result{}, fmt.Errorf("%w: step index %d", ErrBadData, idx)
	}
	completed := dispatch.ParseCompleted(s.task.Note)
	if !visible(s.steps, completed, idx) {
		out := dispatch.RenderRoutine(u, s.r, s.steps, s.task)
		return Result{Toast: "That step is not available yet.", Edit: &out}, nil
	}

	ticked := !completed[idx]
	if ticked {
		completed[idx] = true
	} else {
		delete(completed, idx)
	}
	s.task.Note = dispatch.FormatCompleted(completed)

	vis := dispatch.VisibleSteps(s.steps, completed)
	allDone := len(vis) > 0
	for _, i := range vis {
		if !completed[i] {
			allDone = false
			break
		}
	}
	if allDone {
		s.task.Status = storage.StatusDone
	}
	if err := h.store.UpsertUserTask(ctx, s.task); err != nil {
		return Result{}, err
	}
	if ticked {
		h.award(ctx, u, max(1, s.steps[idx].Points), "routine step")
	}
	key := routineKey(u.ID, routineID, date)
	if allDone {
		h.timers.Cancel(key)
		h.applied(u, recurrence.KindRoutine, dispatch.ActDone, key.Occurrence)
		out := dispatch.RenderClosed(dispatch.RoutineEmoji(s.r.Slot), s.r.Title, storage.StatusDone)
		return Result{Toast: "All steps done!", Edit: &out}, nil
	}
	out := dispatch.RenderRoutine(u, s.r, s.steps, s.task)
	toast := "Unticked."
	if ticked {
		toast = "Ticked."
	}
	return Result{Toast: toast, Edit: &out}, nil
}

// FinishSteps closes the occurrence as done with whatever steps are ticked.
func (h *Handler) FinishSteps(ctx context.Context, u storage.User, routineID int64, date string) (Result, error) {
	s, err := h.loadRoutine(ctx, u, routineID, date)
	if err != nil {
		return Result{}, err
	}
	if s.task.Status.Terminal() {
		return s.closed(), nil
	}
	s.task.Status = storage.StatusDone
	if err := h.store.UpsertUserTask(ctx, s.task); err != nil {
		return Result{}, err
	}
	key := routineKey(u.ID, routineID, date)
	h.timers.Cancel(key)
	h.applied(u, recurrence.KindRoutine, dispatch.ActFinish, key.Occurrence)
	n := len(dispatch.ParseCompleted(s.task.Note))
	out := dispatch.RenderClosed(dispatch.RoutineEmoji(s.r.Slot), s.r.Title, storage.StatusDone)
	return Result{Toast: fmt.Sprintf("Finished with %d step(s) done.", n), Edit: &out}, nil
}

func visible(steps []storage.RoutineStep, completed map[int]bool, idx int) bool {
	for _, i := range dispatch.VisibleSteps(steps, completed) {
		if i == idx {
			return true
		}
	}
	return false
}
