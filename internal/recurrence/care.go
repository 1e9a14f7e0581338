package recurrence

import (
	"carebot/internal/clock"
	"carebot/internal/storage"
)

// CareItem is one overdue self-care check.
type CareItem struct {
	Mark     storage.Mark
	Title    string
	LastDone string
}

type careCheck struct {
	mark  storage.Mark
	title string
	every int // days
}

var careChecks = []careCheck{
	{storage.MarkCareDentist, "Dentist check-up", 180},
	{storage.MarkCareVision, "Eye test", 365},
	{storage.MarkCareFirstAid, "First-aid kit review", 180},
	{storage.MarkCareBrush, "New toothbrush head", 90},
}

// DaysSince reports whole days from last to today; ok is false when last
// is empty or unparseable.
func DaysSince(last, today string) (int, bool) {
	if last == "" {
		return 0, false
	}
	n, err := clock.DaysBetween(last, today)
	return n, err == nil
}

// OverdueCare returns the care items whose interval has elapsed since the
// stored mark. A missing or unreadable mark counts as overdue.
func OverdueCare(u storage.User, today string) []CareItem {
	var out []CareItem
	for _, c := range careChecks {
		last := u.Marks[c.mark]
		if n, ok := DaysSince(last, today); ok && n < c.every {
			continue
		}
		out = append(out, CareItem{Mark: c.mark, Title: c.title, LastDone: last})
	}
	return out
}
