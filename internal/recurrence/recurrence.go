// Package recurrence decides, per reminder kind, whether an occurrence is
// due now and how it is marked as handled.
//
// Each kind keeps its own idempotency marker: routines and custom
// reminders compare a last-sent date, medications rely on a dose log row,
// wellness nudges on a "{date}-{HH:MM}" key, chores on an absolute next-due
// date, bills on a paid month, day plans on sent dates stored with the plan
// and affirmations on an "affirm:{date}:{hour}" key. The policies are
// pure: persistence of the marker is up to the caller.
package recurrence

import (
	"strings"
	"time"

	"carebot/internal/clock"
	"carebot/internal/storage"
)

type Kind string

const (
	KindRoutine    Kind = "routine"
	KindCustom     Kind = "custom"
	KindMedication Kind = "medication"
	KindWater      Kind = "water"
	KindMeal       Kind = "meal"
	KindChore      Kind = "chore"
	KindBill       Kind = "bill"
)

// DefaultWindow is the trigger tolerance after a target time.
const DefaultWindow = 2 * time.Minute

// Policy answers "is this occurrence due now" for one entity type and
// applies the kind's "handled" marker for a local date.
type Policy[E any] interface {
	Kind() Kind
	Due(now time.Time, u storage.User, e E) bool
	MarkSent(e *E, localDate string)
}

// Paused reports whether the user's pause covers today. It overrides every
// kind and is checked once per user before any policy.
func Paused(now time.Time, u storage.User) bool {
	if strings.TrimSpace(u.PauseUntil) == "" {
		return false
	}
	return u.PauseUntil >= clock.LocalDate(now, u.Timezone)
}

func windowOr(w time.Duration) time.Duration {
	if w <= 0 {
		return DefaultWindow
	}
	return w
}

// Routine fires once per local day at the routine's reminder time.
type Routine struct{ Window time.Duration }

func (Routine) Kind() Kind { return KindRoutine }

func (p Routine) Due(now time.Time, u storage.User, r storage.UserRoutine) bool {
	if r.LastSentDate == clock.LocalDate(now, u.Timezone) {
		return false
	}
	return clock.IsDue(now, u.Timezone, r.ReminderTime, windowOr(p.Window))
}

func (Routine) MarkSent(r *storage.UserRoutine, localDate string) { r.LastSentDate = localDate }

// Custom handles daily, every-N-days, weekday-only and one-time reminders.
type Custom struct{ Window time.Duration }

func (Custom) Kind() Kind { return KindCustom }

func (p Custom) Due(now time.Time, u storage.User, r storage.CustomReminder) bool {
	if !r.Active || r.Archived {
		return false
	}
	today := clock.LocalDate(now, u.Timezone)
	if r.LastSentDate == today {
		return false
	}
	if r.LastSentDate != "" {
		if r.FrequencyDays >= storage.OneTimeFrequency {
			return false
		}
		// An unparseable last-sent date does not block delivery.
		if days, err := clock.DaysBetween(r.LastSentDate, today); err == nil && days < max(1, r.FrequencyDays) {
			return false
		}
	}
	if r.TargetWeekday >= 0 && clock.Weekday(now, u.Timezone) != r.TargetWeekday {
		return false
	}
	return clock.IsDue(now, u.Timezone, r.ReminderTime, windowOr(p.Window))
}

func (Custom) MarkSent(r *storage.CustomReminder, localDate string) { r.LastSentDate = localDate }

// Once reports whether the reminder should be archived after its send.
func (Custom) Once(r storage.CustomReminder) bool { return r.FrequencyDays >= storage.OneTimeFrequency }

// Dose is one planned medication time on the current local date. Logged
// mirrors the existence of the dose log row.
type Dose struct {
	Med    storage.Medication
	Time   string
	Logged bool
}

// Doses expands a medication into its planned times.
func Doses(m storage.Medication) []Dose {
	out := make([]Dose, 0, len(m.Times))
	for _, t := range m.Times {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, Dose{Med: m, Time: t})
		}
	}
	return out
}

// Medication fires each dose once; the log row is the marker.
type Medication struct{ Window time.Duration }

func (Medication) Kind() Kind { return KindMedication }

func (p Medication) Due(now time.Time, u storage.User, d Dose) bool {
	if d.Logged || !d.Med.Active {
		return false
	}
	if len(d.Med.DaysOfWeek) > 0 {
		wd := clock.Weekday(now, u.Timezone)
		found := false
		for _, day := range d.Med.DaysOfWeek {
			if day == wd {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return clock.IsDue(now, u.Timezone, d.Time, windowOr(p.Window))
}

func (Medication) MarkSent(d *Dose, _ string) { d.Logged = true }

// Nudge is one wellness time slot with the stored last-fired key.
type Nudge struct {
	Kind    storage.WellnessKind
	Time    string
	LastKey string
}

// NudgeKey is the idempotency key of a wellness nudge.
func NudgeKey(localDate, hhmm string) string { return localDate + "-" + hhmm }

// Wellness fires a nudge when its fresh key differs from the stored one.
// Of selects water or meal; it only affects Kind.
type Wellness struct {
	Window time.Duration
	Of     storage.WellnessKind
}

func (p Wellness) Kind() Kind {
	if p.Of == storage.Meal {
		return KindMeal
	}
	return KindWater
}

func (p Wellness) Due(now time.Time, u storage.User, n Nudge) bool {
	if NudgeKey(clock.LocalDate(now, u.Timezone), n.Time) == n.LastKey {
		return false
	}
	return clock.IsDue(now, u.Timezone, n.Time, windowOr(p.Window))
}

func (Wellness) MarkSent(n *Nudge, localDate string) { n.LastKey = NudgeKey(localDate, n.Time) }

// Chore lists a regular task when its next due date falls within the
// horizon. Chores have no time of day.
type Chore struct{ HorizonDays int }

func (Chore) Kind() Kind { return KindChore }

func (p Chore) Due(now time.Time, u storage.User, t storage.RegularTask) bool {
	if !t.Active {
		return false
	}
	if t.NextDueDate == "" {
		return true
	}
	limit := clock.AddDays(clock.LocalDate(now, u.Timezone), max(0, p.HorizonDays))
	return t.NextDueDate <= limit
}

// MarkSent records completion on localDate and advances the next due date.
func (Chore) MarkSent(t *storage.RegularTask, localDate string) {
	t.LastDoneDate = localDate
	t.NextDueDate = clock.AddDays(localDate, max(1, t.FrequencyDays))
}

// Bill is due-soon when this month's due date lies in [today, today+DaysAhead]
// and the month is not yet paid.
type Bill struct{ DaysAhead int }

func (Bill) Kind() Kind { return KindBill }

func (p Bill) Due(now time.Time, u storage.User, b storage.Bill) bool {
	if !b.Active || b.LastPaidMonth == clock.MonthKey(now, u.Timezone) {
		return false
	}
	today := clock.LocalDate(now, u.Timezone)
	due := DueDate(now, u.Timezone, b)
	return today <= due && due <= clock.AddDays(today, max(0, p.DaysAhead))
}

// MarkSent records localDate's month as paid.
func (Bill) MarkSent(b *storage.Bill, localDate string) {
	if len(localDate) >= 7 {
		b.LastPaidMonth = localDate[:7]
	}
}

// DueDate returns this month's due date (YYYY-MM-DD) with the configured
// day clamped to the month length.
func DueDate(now time.Time, tz string, b storage.Bill) string {
	return clock.ClampDay(clock.Local(now, tz), b.DayOfMonth).Format(clock.DateLayout)
}
