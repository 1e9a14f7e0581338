package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"carebot/internal/clock"
	"carebot/internal/dispatch"
	"carebot/internal/focus"
	"carebot/internal/storage"
	"carebot/pkg/tgui"
)

func (b *Bot) commandList() []Command {
	return []Command{
		{Name: "start", Description: "set up reminders", Usage: "/start", Handle: b.cmdStart},
		{Name: "help", Aliases: []string{"h"}, Description: "list commands", Usage: "/help [command]", Handle: b.cmdHelp},
		{Name: "tz", Description: "show or set your time zone", Usage: "/tz [Europe/Moscow|UTC+3]", Handle: b.cmdTZ},
		{Name: "pause", Description: "pause reminders for some days", Usage: "/pause days", Handle: b.cmdPause},
		{Name: "gentle", Description: "toggle a short gentle break", Usage: "/gentle", Handle: b.cmdGentle},
		{Name: "resume", Description: "end a pause", Usage: "/resume", Handle: b.cmdResume},
		{Name: "quiet", Description: "only custom reminders", Usage: "/quiet on|off", Handle: b.cmdQuiet},
		{Name: "remind", Description: "add a reminder", Usage: "/remind HH:MM [daily|once|every N|weekday D] title", Handle: b.cmdRemind},
		{Name: "med", Description: "add a medication", Usage: "/med name HH:MM[,HH:MM] [dose]", Handle: b.cmdMed},
		{Name: "bill", Description: "add a monthly bill", Usage: "/bill day amount title", Handle: b.cmdBill},
		{Name: "water", Description: "water nudges", Usage: "/water on|off [HH:MM,HH:MM]", Handle: b.cmdWellness(storage.Water)},
		{Name: "meal", Description: "meal nudges", Usage: "/meal on|off [HH:MM,HH:MM]", Handle: b.cmdWellness(storage.Meal)},
		{Name: "routine", Description: "move a routine", Usage: "/routine morning|day|evening HH:MM", Handle: b.cmdRoutine},
		{Name: "step", Description: "add a routine step", Usage: "/step morning|day|evening title [after N]", Handle: b.cmdStep},
		{Name: "chores", Description: "household plan", Usage: "/chores", Handle: b.cmdChores},
		{Name: "plan", Description: "plan tomorrow (or today)", Usage: "/plan [today] [!]task", Handle: b.cmdPlan},
		{Name: "affirm", Description: "an affirmation, or scheduled ones", Usage: "/affirm [on|off] [hours like 9,20]", Handle: b.cmdAffirm},
		{Name: "spend", Description: "log an expense", Usage: "/spend amount [category] [note]", Handle: b.cmdSpend},
		{Name: "focus", Description: "start a focus session", Usage: "/focus [minutes task]", Handle: b.cmdFocus},
		{Name: "rounds", Description: "work/rest rounds", Usage: "/rounds [work rest]", Handle: b.cmdRounds},
		{Name: "stop", Description: "stop rounds", Usage: "/stop", Handle: b.cmdStop},
		{Name: "weight", Description: "log your weight", Usage: "/weight [kg]", Handle: b.cmdWeight},
		{Name: "points", Description: "your points", Usage: "/points", Handle: b.cmdPoints},
		{Name: "cancel", Description: "cancel the current dialog", Usage: "/cancel", Handle: b.cmdCancel},
		{Name: "status", Description: "service status", Usage: "/status", Access: AccessOwnerOnly, Handle: b.cmdStatus},
	}
}

func (b *Bot) today(u storage.User) string { return clock.LocalDate(b.clock.Now(), u.Timezone) }

func (b *Bot) say(ctx context.Context, req *Request, m tgui.Message) error {
	b.replyKB(ctx, req.ChatID, m.Text, m.Keyboard)
	return nil
}

func (b *Bot) sayLine(ctx context.Context, req *Request, line string) error {
	return b.say(ctx, req, tgui.New().Line(line).Build())
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	u := req.User
	day, err := clock.ParseDate(b.today(u))
	if err != nil {
		return err
	}
	if err := b.store.EnsureRegularTasks(ctx, u.ID, day); err != nil {
		return err
	}
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = "there"
	}
	m := tgui.New().Title("👋", "Hi, "+name+"!").
		Line("I will remind you about routines, medication, water, bills and chores.").
		KV("Time zone", u.Timezone).
		Line("Set yours with /tz, then see /help for everything else.").
		Build()
	return b.say(ctx, req, m)
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	owner := isOwner(req.FromID, b.config().Owners)
	return b.say(ctx, req, helpMessage(b.Commands(), req.Args, owner))
}

func (b *Bot) cmdTZ(ctx context.Context, req *Request) error {
	u := req.User
	if len(req.Args) == 0 {
		now := b.clock.Now()
		return b.say(ctx, req, tgui.New().Title("🕰", "Time zone").
			KV("Zone", u.Timezone).
			KV("Local time", clock.LocalDate(now, u.Timezone)+" "+clock.LocalTime(now, u.Timezone)).
			Build())
	}
	tz := strings.TrimSpace(req.Args[0])
	if !clock.Valid(tz) {
		return usage("Unknown time zone. Use a name like Europe/Moscow or an offset like UTC+3.")
	}
	if err := b.store.SetTimezone(ctx, u.ID, tz); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Time zone set to "+tz+". Local time is "+clock.LocalTime(b.clock.Now(), tz)+".")
}

func (b *Bot) cmdPause(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usage("Usage: /pause days, for example /pause 3")
	}
	days, err := strconv.Atoi(req.Args[0])
	if err != nil || days < 1 || days > 365 {
		return usage("Days must be a whole number from 1 to 365.")
	}
	until := clock.AddDays(b.today(req.User), days)
	if err := b.store.SetPause(ctx, req.User.ID, until); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Reminders paused until "+clock.FormatDisplay(until)+". Send /resume to come back earlier.")
}

func (b *Bot) cmdGentle(ctx context.Context, req *Request) error {
	u := req.User
	if u.PauseUntil != "" && u.PauseUntil >= b.today(u) {
		if err := b.store.SetPause(ctx, u.ID, ""); err != nil {
			return err
		}
		return b.sayLine(ctx, req, "Gentle mode off, reminders are back.")
	}
	until := clock.AddDays(b.today(u), b.config().GentleDays)
	if err := b.store.SetPause(ctx, u.ID, until); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Gentle mode on. No reminders until "+clock.FormatDisplay(until)+". Take care of yourself.")
}

func (b *Bot) cmdResume(ctx context.Context, req *Request) error {
	if err := b.store.SetPause(ctx, req.User.ID, ""); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Pause lifted, reminders are active again.")
}

func (b *Bot) cmdQuiet(ctx context.Context, req *Request) error {
	on, err := onOff(req.Args)
	if err != nil {
		return err
	}
	if err := b.store.SetQuietMode(ctx, req.User.ID, on); err != nil {
		return err
	}
	if on {
		return b.sayLine(ctx, req, "Quiet mode on: only your own reminders will come through.")
	}
	return b.sayLine(ctx, req, "Quiet mode off.")
}

var weekdayNames = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// parseWeekday accepts 0-6 (Monday = 0) or a day name.
func parseWeekday(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return n, true
	}
	if len(s) >= 3 {
		if d, ok := weekdayNames[s[:3]]; ok {
			return d, true
		}
	}
	return 0, false
}

// parseRemind reads "HH:MM [daily|once|every N|weekday D] title".
func parseRemind(args []string) (storage.CustomReminder, error) {
	const help = "Usage: /remind HH:MM [daily|once|every N|weekday D] title"
	r := storage.CustomReminder{FrequencyDays: 1, TargetWeekday: -1}
	if len(args) < 2 {
		return r, usage(help)
	}
	hhmm, err := clock.NormalizeHHMM(args[0])
	if err != nil {
		return r, usage("Time must look like 09:30.")
	}
	r.ReminderTime = hhmm
	rest := args[1:]
	switch strings.ToLower(rest[0]) {
	case "daily":
		rest = rest[1:]
	case "once":
		r.FrequencyDays = storage.OneTimeFrequency
		rest = rest[1:]
	case "every":
		if len(rest) < 2 {
			return r, usage(help)
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil || n < 1 || n > 365 {
			return r, usage("Repeat every 1 to 365 days.")
		}
		r.FrequencyDays = n
		rest = rest[2:]
	case "weekday":
		if len(rest) < 2 {
			return r, usage(help)
		}
		d, ok := parseWeekday(rest[1])
		if !ok {
			return r, usage("Weekday is mon..sun or 0-6 with Monday = 0.")
		}
		r.TargetWeekday = d
		rest = rest[2:]
	}
	r.Title = strings.TrimSpace(strings.Join(rest, " "))
	if r.Title == "" {
		return r, usage(help)
	}
	return r, nil
}

func (b *Bot) cmdRemind(ctx context.Context, req *Request) error {
	r, err := parseRemind(req.Args)
	if err != nil {
		return err
	}
	r.UserID = req.User.ID
	if _, err := b.store.CreateCustomReminder(ctx, r); err != nil {
		return err
	}
	when := "every day"
	switch {
	case r.FrequencyDays >= storage.OneTimeFrequency:
		when = "once"
	case r.TargetWeekday >= 0:
		when = "on weekday " + strconv.Itoa(r.TargetWeekday)
	case r.FrequencyDays > 1:
		when = fmt.Sprintf("every %d days", r.FrequencyDays)
	}
	return b.say(ctx, req, tgui.New().Title("🔔", r.Title).KV("At", r.ReminderTime).KV("Repeats", when).Build())
}

func parseTimes(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		t, err := clock.NormalizeHHMM(p)
		if err != nil {
			return nil, usage("Times must look like 09:00,21:00.")
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, usage("Give at least one time, like 09:00.")
	}
	return out, nil
}

func (b *Bot) cmdMed(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return usage("Usage: /med name HH:MM[,HH:MM] [dose]")
	}
	times, err := parseTimes(req.Args[1])
	if err != nil {
		return err
	}
	m := storage.Medication{
		UserID:       req.User.ID,
		Name:         req.Args[0],
		DoseText:     strings.Join(req.Args[2:], " "),
		ScheduleType: "daily",
		Times:        times,
	}
	if _, err := b.store.CreateMed(ctx, m); err != nil {
		return err
	}
	return b.say(ctx, req, tgui.New().Title("💊", m.Name).KV("Times", strings.Join(times, ", ")).KV("Dose", m.DoseText).Build())
}

func (b *Bot) cmdBill(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return usage("Usage: /bill day amount title")
	}
	day, err := strconv.Atoi(req.Args[0])
	if err != nil || day < 1 || day > 31 {
		return usage("Day must be 1 to 31.")
	}
	amount, err := parseAmount(req.Args[1])
	if err != nil {
		return err
	}
	bill := storage.Bill{UserID: req.User.ID, DayOfMonth: day, Amount: amount, Title: strings.Join(req.Args[2:], " ")}
	if _, err := b.store.CreateBill(ctx, bill); err != nil {
		return err
	}
	return b.say(ctx, req, tgui.New().Title("🧾", bill.Title).
		KV("Amount", fmt.Sprintf("%.2f", amount)).
		KV("Due", fmt.Sprintf("day %d of every month", day)).
		Build())
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || v <= 0 {
		return 0, usage("Amount must be a positive number, like 12.50.")
	}
	return v, nil
}

func (b *Bot) cmdWellness(kind storage.WellnessKind) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		on, err := onOff(req.Args)
		if err != nil {
			return err
		}
		w, err := b.store.GetWellness(ctx, req.User.ID)
		if err != nil {
			return err
		}
		var times []string
		if len(req.Args) > 1 {
			if times, err = parseTimes(strings.Join(req.Args[1:], ",")); err != nil {
				return err
			}
		}
		switch kind {
		case storage.Water:
			w.WaterEnabled = on
			if times != nil {
				w.WaterTimes = times
			}
			times = w.WaterTimes
		case storage.Meal:
			w.MealEnabled = on
			if times != nil {
				w.MealTimes = times
			}
			times = w.MealTimes
		}
		if err := b.store.SaveWellness(ctx, w); err != nil {
			return err
		}
		if !on {
			return b.sayLine(ctx, req, "Okay, no more "+string(kind)+" nudges.")
		}
		return b.sayLine(ctx, req, "I will nudge you about "+string(kind)+" at "+strings.Join(times, ", ")+".")
	}
}

func onOff(args []string) (bool, error) {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "yes", "1":
			return true, nil
		case "off", "no", "0":
			return false, nil
		}
	}
	return false, usage("Say on or off.")
}

func (b *Bot) cmdRoutine(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return usage("Usage: /routine morning|day|evening HH:MM")
	}
	r, err := b.store.GetRoutineBySlot(ctx, req.Args[0])
	if err != nil {
		return usage("Routine is morning, day or evening.")
	}
	hhmm, err := clock.NormalizeHHMM(req.Args[1])
	if err != nil {
		return usage("Time must look like 07:30.")
	}
	if err := b.store.SetRoutineTime(ctx, req.User.ID, r.ID, hhmm); err != nil {
		return err
	}
	return b.sayLine(ctx, req, r.Title+" routine moved to "+hhmm+".")
}

func (b *Bot) cmdStep(ctx context.Context, req *Request) error {
	const help = "Usage: /step morning|day|evening title [after N]"
	if len(req.Args) < 2 {
		return usage(help)
	}
	r, err := b.store.GetRoutineBySlot(ctx, req.Args[0])
	if err != nil {
		return usage("Routine is morning, day or evening.")
	}
	words := req.Args[1:]
	st := storage.RoutineStep{UserID: req.User.ID, RoutineID: r.ID}
	if n := len(words); n >= 3 && strings.EqualFold(words[n-2], "after") {
		pos, err := strconv.Atoi(words[n-1])
		if err != nil {
			return usage(help)
		}
		steps, err := b.store.ListRoutineSteps(ctx, req.User.ID, r.ID)
		if err != nil {
			return err
		}
		if pos < 1 || pos > len(steps) {
			return usage(fmt.Sprintf("Step number must be 1 to %d.", len(steps)))
		}
		st.DependsOn = steps[pos-1].ID
		words = words[:n-2]
	}
	st.Title = strings.Join(words, " ")
	if _, err := b.store.AddRoutineStep(ctx, st); err != nil {
		return err
	}
	return b.sayLine(ctx, req, "Added to "+r.Title+": "+st.Title)
}

func (b *Bot) cmdChores(ctx context.Context, req *Request) error {
	tasks, err := b.store.ListRegularTasks(ctx, req.User.ID)
	if err != nil {
		return err
	}
	out := dispatch.RenderChores(req.User, tasks, 15)
	b.replyKB(ctx, req.ChatID, out.Text, out.Keyboard)
	return nil
}

func (b *Bot) cmdSpend(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usage("Usage: /spend amount [category] [note]")
	}
	amount, err := parseAmount(req.Args[0])
	if err != nil {
		return err
	}
	e := storage.Expense{UserID: req.User.ID, Amount: amount, CreatedAt: b.clock.Now()}
	if len(req.Args) > 1 {
		e.Category = req.Args[1]
		e.Note = strings.Join(req.Args[2:], " ")
	}
	if _, err := b.store.AddExpense(ctx, e); err != nil {
		return err
	}
	cat := strings.ToLower(strings.TrimSpace(e.Category))
	if cat == "" {
		cat = "other"
	}
	return b.sayLine(ctx, req, fmt.Sprintf("Logged %.2f in %s.", amount, cat))
}

func (b *Bot) cmdRounds(ctx context.Context, req *Request) error {
	var work, rest int
	if len(req.Args) > 0 {
		if len(req.Args) < 2 {
			return usage("Usage: /rounds [work rest], for example /rounds 25 5")
		}
		var err1, err2 error
		work, err1 = strconv.Atoi(req.Args[0])
		rest, err2 = strconv.Atoi(req.Args[1])
		if err1 != nil || err2 != nil || work <= 0 || rest <= 0 {
			return usage("Work and rest are minutes, like /rounds 25 5.")
		}
	}
	if _, _, err := b.focus.StartRounds(ctx, req.User, work, rest); err != nil {
		if errors.Is(err, focus.ErrDuration) {
			return usage("Work is 2 to 180 minutes and rest 1 to 180.")
		}
		return err
	}
	return nil
}

func (b *Bot) cmdStop(ctx context.Context, req *Request) error {
	if b.focus.StopRounds(req.User.ID) == 0 {
		return b.sayLine(ctx, req, "No rounds are running.")
	}
	return b.sayLine(ctx, req, "Rounds stopped. Nice work.")
}

func (b *Bot) cmdPoints(ctx context.Context, req *Request) error {
	u := req.User
	return b.say(ctx, req, tgui.New().Title("⭐", "Points").
		KV("This month", strconv.Itoa(u.PointsMonth)).
		KV("All time", strconv.Itoa(u.PointsTotal)).
		Build())
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	// mwUser already cleared the dialog.
	return b.sayLine(ctx, req, "Cancelled.")
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	if b.status == nil {
		return b.sayLine(ctx, req, "ok")
	}
	b.replyKB(ctx, req.ChatID, b.status(ctx), nil)
	return nil
}
