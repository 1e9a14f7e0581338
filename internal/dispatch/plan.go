package dispatch

import (
	"hash/fnv"
	"sort"

	"carebot/internal/clock"
	"carebot/internal/storage"
	"carebot/pkg/tgui"
)

func planBullets(b *tgui.Builder, plan storage.DayPlan) {
	for _, it := range plan.Items {
		if it.Important {
			b.Bullets("❗ " + it.Title)
			continue
		}
		b.Bullets(it.Title)
	}
}

// RenderMorningPlan greets the user with the plan they made for today.
func RenderMorningPlan(plan storage.DayPlan) Rendered {
	b := tgui.New().Title("☀️", "Good morning. Here is what you planned for today:")
	planBullets(b, plan)
	b.Line("Anything to drop or add?")
	kb := tgui.NewInline().
		Row(tgui.Btn("👌 All good", tgui.Data(PrefixPlan, ActOK, plan.Date))).
		Row(tgui.Btn("✏️ Edit plan", tgui.Data(PrefixPlan, ActEdit, plan.Date)))
	return fromMessage(b.Inline(kb).Build())
}

// RenderPlanScreen lists a plan with one remove button per item.
func RenderPlanScreen(u storage.User, plan storage.DayPlan) Rendered {
	b := tgui.New().Title("📝", "Plan for "+clock.FormatDisplay(plan.Date))
	if len(plan.Items) == 0 {
		b.Line("Nothing planned yet.")
	}
	planBullets(b, plan)
	b.Line("Add with /plan task, or /plan !task for something important.")
	kb := tgui.NewInline()
	for _, it := range plan.Items {
		kb.Row(tgui.Btn("🗑 "+tgui.TruncRunes(it.Title, labelLimit(u)), tgui.Data(PrefixPlan, ActDelete, plan.Date, id(it.ID))))
	}
	return fromMessage(b.Inline(kb).Build())
}

// RenderPlanPrompt is the evening nudge to plan date.
func RenderPlanPrompt(date string) Rendered {
	kb := tgui.NewInline().Row(tgui.Btn("📝 Plan tomorrow", tgui.Data(PrefixPlan, ActPlan, date)))
	return fromMessage(tgui.New().
		Line("🌙 Time to empty your head and sketch a plan for tomorrow.").
		Line("It helps you sleep easier (+1 point for planning).").
		Inline(kb).Build())
}

var affirmations = map[string][]string{
	"motivation": {
		"Small steps still move you forward.",
		"You do not have to do everything today. One thing is enough.",
		"Starting is the hardest part, and you have done hard things before.",
		"Progress counts even when nobody sees it.",
	},
	"calm": {
		"Breathe in slowly. This moment is manageable.",
		"You are allowed to rest without earning it.",
		"Not everything needs an answer right now.",
		"Your pace is a good pace.",
	},
	"self_worth": {
		"You matter on your unproductive days too.",
		"Being kind to yourself is not a reward, it is a baseline.",
		"You are more than your to-do list.",
	},
}

// AffirmationCategories lists the known categories in a stable order.
func AffirmationCategories() []string {
	out := make([]string, 0, len(affirmations))
	for c := range affirmations {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PickAffirmation chooses a line from the given categories, falling back
// to all of them when none is known. The same seed picks the same line.
func PickAffirmation(categories []string, seed string) string {
	var pool []string
	for _, c := range categories {
		pool = append(pool, affirmations[c]...)
	}
	if len(pool) == 0 {
		for _, c := range AffirmationCategories() {
			pool = append(pool, affirmations[c]...)
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return pool[h.Sum32()%uint32(len(pool))]
}

func RenderAffirmation(text string) Rendered {
	kb := tgui.NewInline().Row(
		tgui.Btn("🌟 One more", tgui.Data(PrefixAffirm, ActMore)),
		tgui.Btn("💚 Thanks", tgui.Data(PrefixAffirm, ActThanks)),
	)
	return fromMessage(tgui.New().Line("🌿 " + text).Inline(kb).Build())
}
