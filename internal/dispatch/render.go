package dispatch

import (
	"fmt"
	"sort"
	"strconv"

	"carebot/internal/clock"
	"carebot/internal/recurrence"
	"carebot/internal/storage"
	kit "carebot/internal/transport"
	"carebot/pkg/tgui"
)

// Rendered is a ready-to-send HTML message with its inline keyboard.
type Rendered struct {
	Text     string
	Keyboard kit.Keyboard
}

func fromMessage(m tgui.Message) Rendered { return Rendered{Text: m.Text, Keyboard: m.Keyboard} }

func id(v int64) string { return strconv.FormatInt(v, 10) }

var routineEmoji = map[string]string{"morning": "🌅", "day": "☀️", "evening": "🌙"}

// Button label lengths in runes. ADHD mode keeps buttons short.
const (
	labelRunes      = 40
	labelRunesShort = 24
)

func labelLimit(u storage.User) int {
	if u.ADHDMode {
		return labelRunesShort
	}
	return labelRunes
}

// RenderRoutine shows a routine occurrence. Visible steps are listed in the
// text, completed ones struck through, and get one toggle button each,
// followed by the done/later/skip row.
func RenderRoutine(u storage.User, r storage.UserRoutine, steps []storage.RoutineStep, task storage.UserTask) Rendered {
	completed := ParseCompleted(task.Note)
	rid := id(r.RoutineID)

	b := tgui.New().Title(routineEmoji[r.Slot], r.Title)
	kb := tgui.NewInline()
	visible := VisibleSteps(steps, completed)
	for _, i := range visible {
		title := steps[i].Title
		mark := "⬜"
		if completed[i] {
			mark = "✅"
			b.RawLine(tgui.Raw("• " + tgui.S(title).String()))
		} else {
			b.Bullets(title)
		}
		kb.Row(tgui.Btn(mark+" "+tgui.TruncRunes(title, labelLimit(u)),
			tgui.Data(PrefixStep, ActToggle, rid, task.Date, strconv.Itoa(i))))
	}
	if len(visible) > 0 {
		b.Line("Tap a step when it is done.")
		kb.Row(tgui.Btn("🏁 Finish", tgui.Data(PrefixStep, ActFinish, rid, task.Date)))
	}
	kb.Row(
		tgui.Btn("✅ Done", tgui.Data(PrefixRoutine, ActDone, rid, task.Date)),
		tgui.Btn("⏰ Later", tgui.Data(PrefixRoutine, ActLater, rid, task.Date)),
		tgui.Btn("⏭ Skip", tgui.Data(PrefixRoutine, ActSkip, rid, task.Date)),
	)
	return fromMessage(b.Inline(kb).Build())
}

func RenderCustom(r storage.CustomReminder, date string) Rendered {
	rid := id(r.ID)
	b := tgui.New().Title("🔔", r.Title)
	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Done", tgui.Data(PrefixCustom, ActDone, rid, date)),
		tgui.Btn("⏰ Later", tgui.Data(PrefixCustom, ActLater, rid, date)),
		tgui.Btn("⏭ Skip", tgui.Data(PrefixCustom, ActSkip, rid, date)),
	)
	return fromMessage(b.Inline(kb).Build())
}

func RenderMedication(m storage.Medication, log storage.MedLog) Rendered {
	lid := id(log.ID)
	b := tgui.New().Title("💊", "Time for "+m.Name)
	if m.DoseText != "" {
		b.KV("Dose", m.DoseText)
	}
	b.KV("Planned", log.PlannedTime)
	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Taken", tgui.Data(PrefixMed, ActTake, lid)),
		tgui.Btn("⏭ Skip", tgui.Data(PrefixMed, ActSkip, lid)),
		tgui.Btn("⏰ Later", tgui.Data(PrefixMed, ActLater, lid)),
	)
	return fromMessage(b.Inline(kb).Build())
}

var wellnessText = map[storage.WellnessKind]map[string]string{
	storage.Water: {
		"soft":    "Maybe a glass of water would feel nice now?",
		"neutral": "Time for a glass of water.",
		"pushy":   "Water. Now. Your body will thank you.",
	},
	storage.Meal: {
		"soft":    "Have you had a chance to eat something?",
		"neutral": "Time to eat something.",
		"pushy":   "Stop and eat. A proper meal, not just coffee.",
	},
}

// RenderWellness picks the text by tone; unknown tones read as neutral.
func RenderWellness(kind storage.WellnessKind, date, tone string) Rendered {
	texts := wellnessText[kind]
	text, ok := texts[tone]
	if !ok {
		text = texts["neutral"]
	}
	emoji := "💧"
	if kind == storage.Meal {
		emoji = "🍽"
	}
	kb := tgui.NewInline().Row(
		tgui.Btn("👍 Yes", tgui.Data(PrefixWellness, string(kind), date, ActYes)),
		tgui.Btn("⏰ Later", tgui.Data(PrefixWellness, string(kind), date, ActLater)),
	)
	return fromMessage(tgui.New().Line(emoji + " " + text).Inline(kb).Build())
}

// BillDue is a bill with its resolved due date for this month.
type BillDue struct {
	Bill    storage.Bill
	DueDate string
}

func billLines(b *tgui.Builder, bills []BillDue) {
	for _, d := range bills {
		b.Bullets(fmt.Sprintf("%s: %.2f by %s", d.Bill.Title, d.Bill.Amount, clock.FormatDisplay(d.DueDate)))
	}
}

// RenderBillsDigest is the daily nudge: the list of bills due soon and a
// single action opening the bills screen.
func RenderBillsDigest(bills []BillDue) Rendered {
	b := tgui.New().Title("🧾", "Bills due soon")
	billLines(b, bills)
	kb := tgui.NewInline().Row(tgui.Btn("🧾 Open bills", tgui.Data(PrefixBill, ActOpen)))
	return fromMessage(b.Inline(kb).Build())
}

// RenderBills is the bills screen with one paid action per bill.
func RenderBills(u storage.User, bills []BillDue) Rendered {
	b := tgui.New().Title("🧾", "Bills this month")
	if len(bills) == 0 {
		b.Line("Everything is paid.")
	}
	billLines(b, bills)
	kb := tgui.NewInline()
	for _, d := range bills {
		kb.Row(tgui.Btn("✅ Paid: "+tgui.TruncRunes(d.Bill.Title, labelLimit(u)), tgui.Data(PrefixBill, ActPaid, id(d.Bill.ID))))
	}
	return fromMessage(b.Inline(kb).Build())
}

func soonestChores(tasks []storage.RegularTask, limit int) []storage.RegularTask {
	sorted := append([]storage.RegularTask(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].NextDueDate < sorted[j].NextDueDate })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func choreLines(b *tgui.Builder, tasks []storage.RegularTask) {
	if len(tasks) == 0 {
		b.Line("Nothing due this week.")
	}
	for _, t := range tasks {
		due := "now"
		if t.NextDueDate != "" {
			due = clock.FormatDisplay(t.NextDueDate)
		}
		b.Bullets(fmt.Sprintf("%s (%s): %s", t.Title, t.Zone, due))
	}
}

// RenderChorePlan is the weekly home plan: chores due within the horizon,
// soonest first, and a single action opening the chores screen.
func RenderChorePlan(tasks []storage.RegularTask, limit int) Rendered {
	b := tgui.New().Title("🏠", "Home plan for the week")
	choreLines(b, soonestChores(tasks, limit))
	kb := tgui.NewInline().Row(tgui.Btn("🏠 Open chores", tgui.Data(PrefixChore, ActOpen)))
	return fromMessage(b.Inline(kb).Build())
}

// RenderChores is the chores screen with done and postpone actions per
// chore.
func RenderChores(u storage.User, tasks []storage.RegularTask, limit int) Rendered {
	sorted := soonestChores(tasks, limit)
	b := tgui.New().Title("🏠", "Chores")
	choreLines(b, sorted)
	kb := tgui.NewInline()
	for _, t := range sorted {
		kb.Row(
			tgui.Btn("✅ "+tgui.TruncRunes(t.Title, labelLimit(u)), tgui.Data(PrefixChore, ActDone, id(t.ID))),
			tgui.Btn("➡️ +1d", tgui.Data(PrefixChore, ActSnooze, id(t.ID))),
		)
	}
	return fromMessage(b.Inline(kb).Build())
}

// FinanceSummary is the input of the weekly digest.
type FinanceSummary struct {
	Week       map[string]float64
	MonthSpent map[string]float64
	Budget     storage.Budget
}

func RenderFinance(s FinanceSummary) Rendered {
	b := tgui.New().Title("💰", "Weekly spending")
	cats := make([]string, 0, len(s.Week))
	weekTotal := 0.0
	for c, v := range s.Week {
		cats = append(cats, c)
		weekTotal += v
	}
	sort.Strings(cats)
	if len(cats) == 0 {
		b.Line("No expenses in the last 7 days.")
	}
	for _, c := range cats {
		b.KV(c, fmt.Sprintf("%.2f", s.Week[c]))
	}
	b.KV("Week total", fmt.Sprintf("%.2f", weekTotal))

	monthTotal := 0.0
	for _, v := range s.MonthSpent {
		monthTotal += v
	}
	if s.Budget.LimitTotal > 0 {
		b.Blank().KV("Month", fmt.Sprintf("%.2f of %.2f", monthTotal, s.Budget.LimitTotal))
		if monthTotal > s.Budget.LimitTotal {
			b.Line("⚠️ Monthly budget exceeded.")
		}
	} else {
		b.Blank().KV("Month", fmt.Sprintf("%.2f", monthTotal))
	}
	limits := make([]string, 0, len(s.Budget.Categories))
	for c := range s.Budget.Categories {
		limits = append(limits, c)
	}
	sort.Strings(limits)
	for _, c := range limits {
		if spent, limit := s.MonthSpent[c], s.Budget.Categories[c]; limit > 0 && spent > limit {
			b.Line(fmt.Sprintf("⚠️ %s: %.2f over the %.2f limit", c, spent-limit, limit))
		}
	}
	return fromMessage(b.Build())
}

type CareItem = recurrence.CareItem

func careLines(b *tgui.Builder, items []CareItem) {
	for _, it := range items {
		last := "never"
		if it.LastDone != "" {
			last = clock.FormatDisplay(it.LastDone)
		}
		b.Bullets(fmt.Sprintf("%s (last: %s)", it.Title, last))
	}
}

// RenderCare is the self-care nudge with a single action opening the
// checklist.
func RenderCare(items []CareItem) Rendered {
	b := tgui.New().Title("🩺", "Self-care check")
	careLines(b, items)
	kb := tgui.NewInline().Row(tgui.Btn("🩺 Open checklist", tgui.Data(PrefixCare, ActOpen)))
	return fromMessage(b.Inline(kb).Build())
}

// RenderCareChecklist offers one done action per overdue item.
func RenderCareChecklist(u storage.User, items []CareItem) Rendered {
	b := tgui.New().Title("🩺", "Self-care checklist")
	if len(items) == 0 {
		b.Line("All caught up.")
	}
	careLines(b, items)
	kb := tgui.NewInline()
	for _, it := range items {
		kb.Row(tgui.Btn("✅ "+tgui.TruncRunes(it.Title, labelLimit(u)), tgui.Data(PrefixCare, ActDone, string(it.Mark))))
	}
	return fromMessage(b.Inline(kb).Build())
}

func RenderWeightPrompt() Rendered {
	kb := tgui.NewInline().Row(tgui.Btn("⚖️ Log weight", tgui.Data(PrefixWeight, ActWeight)))
	return fromMessage(tgui.New().Line("⚖️ Weekly check-in: how much do you weigh today?").Inline(kb).Build())
}

func RenderFocusCheckin(f storage.FocusSession) Rendered {
	sid := id(f.ID)
	kb := tgui.NewInline().Row(
		tgui.Btn("👍 Going well", tgui.Data(PrefixFocus, ActCheckin, sid, "ok")),
		tgui.Btn("😵 Struggling", tgui.Data(PrefixFocus, ActCheckin, sid, "struggling")),
	)
	return fromMessage(tgui.New().Title("⏱", "Halfway through: "+f.TaskTitle).Inline(kb).Build())
}

func RenderFocusEnd(f storage.FocusSession) Rendered {
	sid := id(f.ID)
	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Done", tgui.Data(PrefixFocus, ActFinish, sid, string(storage.FocusDone))),
		tgui.Btn("🌓 Partly", tgui.Data(PrefixFocus, ActFinish, sid, string(storage.FocusPartial))),
		tgui.Btn("❌ Failed", tgui.Data(PrefixFocus, ActFinish, sid, string(storage.FocusFail))),
	)
	b := tgui.New().Title("🔔", "Time is up: "+f.TaskTitle).Line("How did it go?")
	return fromMessage(b.Inline(kb).Build())
}

// RenderRound announces a work or rest phase of focus rounds. The rest
// message offers another round with the same lengths.
func RenderRound(work bool, workMin, restMin int) Rendered {
	if work {
		kb := tgui.NewInline().Row(tgui.Btn("⏹ Stop", tgui.Data(PrefixRounds, ActStop)))
		return fromMessage(tgui.New().Line(fmt.Sprintf("🍅 Work for %d minutes.", workMin)).Inline(kb).Build())
	}
	kb := tgui.NewInline().Row(
		tgui.Btn(fmt.Sprintf("🔁 Again %d/%d", workMin, restMin), tgui.Data(PrefixRounds, ActAgain, strconv.Itoa(workMin), strconv.Itoa(restMin))),
		tgui.Btn("⏹ Enough", tgui.Data(PrefixRounds, ActStop)),
	)
	text := fmt.Sprintf("☕ Stop. Rest for %d minutes, then start another round?", restMin)
	return fromMessage(tgui.New().Line(text).Inline(kb).Build())
}

var closedLabel = map[storage.TaskStatus]string{
	storage.StatusDone:  "done ✔",
	storage.StatusSkip:  "skipped",
	storage.StatusLater: "I will remind you in a bit",
}

// RenderClosed replaces an answered reminder with a one-line summary and no
// keyboard.
func RenderClosed(emoji, title string, status storage.TaskStatus) Rendered {
	label, ok := closedLabel[status]
	if !ok {
		label = string(status)
	}
	return fromMessage(tgui.New().Title(emoji, title+": "+label).Build())
}

// RoutineEmoji returns the slot's emoji.
func RoutineEmoji(slot string) string { return routineEmoji[slot] }
