package reminder

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

// forEachUser runs fn for every user that is neither paused nor in quiet
// mode, isolating per-user failures.
func (e *Engine) forEachUser(ctx context.Context, job string, fn func(ctx context.Context, now time.Time, u storage.User) error) error {
	now := e.clock.Now()
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("%s: list users: %w", job, err)
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if u.QuietMode || recurrence.Paused(now, u) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("job panic", logx.String("job", job), logx.Int64("user_id", u.ID),
						logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			if err := fn(ctx, now, u); err != nil {
				e.log.Warn("job failed for user", logx.String("job", job), logx.Int64("user_id", u.ID), logx.Err(err))
			}
		}()
	}
	return nil
}

// BillsDigest lists bills due within the configured days, once per local day.
func (e *Engine) BillsDigest(ctx context.Context) error {
	return e.forEachUser(ctx, "bills.digest", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		if u.Marks[storage.MarkBillsDigest] == today {
			return nil
		}
		bills, err := e.store.ListBills(ctx, u.ID)
		if err != nil {
			return err
		}
		var due []dispatch.BillDue
		for _, b := range bills {
			if e.bill.Due(now, u, b) {
				due = append(due, dispatch.BillDue{Bill: b, DueDate: recurrence.DueDate(now, u.Timezone, b)})
			}
		}
		if len(due) == 0 {
			return nil
		}
		if !e.deliver(ctx, u, dispatch.KindBillsDigest, dispatch.RenderBillsDigest(due), nil) {
			return nil
		}
		return e.store.SetMark(ctx, u.ID, storage.MarkBillsDigest, today)
	})
}

// WeeklyFinance sends the spending digest on the user's local Sunday.
func (e *Engine) WeeklyFinance(ctx context.Context) error {
	return e.forEachUser(ctx, "finance.weekly", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		if clock.Weekday(now, u.Timezone) != 6 || u.Marks[storage.MarkFinanceDigest] == today {
			return nil
		}
		local := clock.Local(now, u.Timezone)
		monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, local.Location())

		week, err := e.store.ExpenseTotals(ctx, u.ID, now.AddDate(0, 0, -7), now.Add(time.Second))
		if err != nil {
			return err
		}
		month, err := e.store.ExpenseTotals(ctx, u.ID, monthStart, now.Add(time.Second))
		if err != nil {
			return err
		}
		budget, err := e.store.GetBudget(ctx, u.ID, clock.MonthKey(now, u.Timezone))
		if err != nil {
			return err
		}
		r := dispatch.RenderFinance(dispatch.FinanceSummary{Week: week, MonthSpent: month, Budget: budget})
		if !e.deliver(ctx, u, dispatch.KindFinance, r, nil) {
			return nil
		}
		return e.store.SetMark(ctx, u.ID, storage.MarkFinanceDigest, today)
	})
}

// ResetMonthPoints zeroes monthly points; users already reset for the
// current UTC month are left alone.
func (e *Engine) ResetMonthPoints(ctx context.Context) error {
	month := clock.MonthKey(e.clock.Now(), "UTC")
	n, err := e.store.ResetMonthPoints(ctx, month)
	if err != nil {
		return fmt.Errorf("points reset %s: %w", month, err)
	}
	e.log.Info("monthly points reset", logx.String("month", month), logx.Int64("users", n))
	return nil
}

// CareNudges sends one message listing overdue self-care items, at most
// once per local day.
func (e *Engine) CareNudges(ctx context.Context) error {
	return e.forEachUser(ctx, "care.nudge", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		if u.Marks[storage.MarkCarePrompt] == today {
			return nil
		}
		items := recurrence.OverdueCare(u, today)
		if len(items) == 0 {
			return nil
		}
		if !e.deliver(ctx, u, dispatch.KindCare, dispatch.RenderCare(items), nil) {
			return nil
		}
		return e.store.SetMark(ctx, u.ID, storage.MarkCarePrompt, today)
	})
}

// WeightPrompt asks for a weight update every WeightEveryDays days.
func (e *Engine) WeightPrompt(ctx context.Context) error {
	return e.forEachUser(ctx, "weight.prompt", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		if n, ok := recurrence.DaysSince(u.Marks[storage.MarkWeightPrompt], today); ok && n < e.cfg.WeightEveryDays {
			return nil
		}
		if !e.deliver(ctx, u, dispatch.KindWeight, dispatch.RenderWeightPrompt(), nil) {
			return nil
		}
		return e.store.SetMark(ctx, u.ID, storage.MarkWeightPrompt, today)
	})
}

// WeeklyHomePlan seeds default chores if the user has none and, on the
// local Sunday, lists chores due within the horizon.
func (e *Engine) WeeklyHomePlan(ctx context.Context) error {
	return e.forEachUser(ctx, "chores.weekly", func(ctx context.Context, now time.Time, u storage.User) error {
		today := e.today(now, u)
		if clock.Weekday(now, u.Timezone) != 6 || u.Marks[storage.MarkHomePlan] == today {
			return nil
		}
		day, err := clock.ParseDate(today)
		if err != nil {
			return err
		}
		if err := e.store.EnsureRegularTasks(ctx, u.ID, day); err != nil {
			return fmt.Errorf("seed chores: %w", err)
		}
		tasks, err := e.store.ListRegularTasks(ctx, u.ID)
		if err != nil {
			return err
		}
		var due []storage.RegularTask
		for _, t := range tasks {
			if e.chore.Due(now, u, t) {
				due = append(due, t)
			}
		}
		if !e.deliver(ctx, u, dispatch.KindChorePlan, dispatch.RenderChorePlan(due, e.cfg.ChorePlanLimit), nil) {
			return nil
		}
		return e.store.SetMark(ctx, u.ID, storage.MarkHomePlan, today)
	})
}
