package bot

import (
	"context"
	"strconv"
	"strings"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

// cmdPlan adds an item to tomorrow's plan, or today's after "today". A
// leading "!" marks it important. Without a task it shows the plan. The
// first item of a day earns a point.
func (b *Bot) cmdPlan(ctx context.Context, req *Request) error {
	u := req.User
	today := b.today(u)
	date := clock.AddDays(today, 1)
	args := req.Args
	if len(args) > 0 && strings.EqualFold(args[0], "today") {
		date, args = today, args[1:]
	}
	plan, _, err := b.store.GetDayPlan(ctx, u.ID, date)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(strings.Join(args, " "))
	if title == "" {
		out := dispatch.RenderPlanScreen(u, plan)
		b.replyKB(ctx, req.ChatID, out.Text, out.Keyboard)
		return nil
	}
	important := strings.HasPrefix(title, "!")
	title = strings.TrimSpace(strings.TrimPrefix(title, "!"))
	if title == "" {
		return usage("Usage: /plan [today] [!]task")
	}
	if _, err := b.store.AddDayPlanItem(ctx, u.ID, date, title, important); err != nil {
		return err
	}
	msg := "Added to the plan for " + clock.FormatDisplay(date) + ": " + title
	if len(plan.Items) == 0 {
		if err := b.store.AddPoints(ctx, u.ID, 1, today, "plan"); err != nil {
			req.Logger.Warn("plan points failed", logx.Err(err))
		}
		msg += " (+1 point)"
	}
	return b.sayLine(ctx, req, msg)
}

// cmdAffirm sends an affirmation now, or with on|off toggles the hourly
// ones.
func (b *Bot) cmdAffirm(ctx context.Context, req *Request) error {
	u := req.User
	a, err := b.store.GetAffirmations(ctx, u.ID)
	if err != nil {
		return err
	}
	if len(req.Args) == 0 {
		seed := strconv.FormatInt(b.clock.Now().UnixNano(), 10)
		out := dispatch.RenderAffirmation(dispatch.PickAffirmation(a.Categories, seed))
		b.replyKB(ctx, req.ChatID, out.Text, out.Keyboard)
		return nil
	}
	on, err := onOff(req.Args)
	if err != nil {
		return err
	}
	a.Enabled = on
	if len(req.Args) > 1 {
		if a.Hours, err = parseHours(strings.Join(req.Args[1:], ",")); err != nil {
			return err
		}
	}
	if err := b.store.SaveAffirmations(ctx, a); err != nil {
		return err
	}
	if !on {
		return b.sayLine(ctx, req, "Okay, no scheduled affirmations.")
	}
	saved, err := b.store.GetAffirmations(ctx, u.ID)
	if err != nil {
		return err
	}
	return b.sayLine(ctx, req, "I will send an affirmation at "+hoursText(saved)+".")
}

func parseHours(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		h, err := strconv.Atoi(strings.TrimSuffix(p, ":00"))
		if err != nil || h < 0 || h > 23 {
			return nil, usage("Hours must be 0-23, like 9,20.")
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, usage("Give at least one hour, like 9.")
	}
	return out, nil
}

func hoursText(a storage.AffirmationSettings) string {
	parts := make([]string, len(a.Hours))
	for i, h := range a.Hours {
		parts[i] = strconv.Itoa(h) + ":00"
	}
	return strings.Join(parts, ", ")
}
