package recurrence

import (
	"fmt"
	"strings"
	"time"

	"carebot/internal/clock"
	"carebot/internal/storage"
)

const (
	KindDayPlan     Kind = "day_plan"
	KindPlanPrompt  Kind = "plan_prompt"
	KindAffirmation Kind = "affirmation"
)

// PlanWindow is the trigger tolerance of the morning and evening plan pings.
const PlanWindow = 15 * time.Minute

func planWindowOr(w time.Duration) time.Duration {
	if w <= 0 {
		return PlanWindow
	}
	return w
}

// MorningPlan sends today's plan once, shortly after wake time. The entity
// is today's plan; a plan without items is never sent.
type MorningPlan struct{ Window time.Duration }

func (MorningPlan) Kind() Kind { return KindDayPlan }

func (p MorningPlan) Due(now time.Time, u storage.User, plan storage.DayPlan) bool {
	today := clock.LocalDate(now, u.Timezone)
	if plan.Date != today || len(plan.Items) == 0 || plan.MorningSent == today {
		return false
	}
	wake := u.WakeTime
	if strings.TrimSpace(wake) == "" {
		wake = "08:00"
	}
	return clock.IsDue(now, u.Timezone, wake, planWindowOr(p.Window))
}

func (MorningPlan) MarkSent(p *storage.DayPlan, localDate string) { p.MorningSent = localDate }

// EveningTarget is one hour before sleep time, or 22:00 when sleep time is
// unreadable.
func EveningTarget(sleep string) string {
	if strings.TrimSpace(sleep) == "" {
		sleep = "23:00"
	}
	h, m, err := clock.ParseHHMM(sleep)
	if err != nil {
		return "22:00"
	}
	return fmt.Sprintf("%02d:%02d", (h+23)%24, m)
}

// PlanPrompt asks, an hour before sleep, to plan tomorrow. The entity is
// tomorrow's plan; it fires only while that plan has no items and at most
// once per local evening.
type PlanPrompt struct{ Window time.Duration }

func (PlanPrompt) Kind() Kind { return KindPlanPrompt }

func (p PlanPrompt) Due(now time.Time, u storage.User, plan storage.DayPlan) bool {
	today := clock.LocalDate(now, u.Timezone)
	if plan.Date != clock.AddDays(today, 1) || len(plan.Items) > 0 || plan.PromptSent == today {
		return false
	}
	return clock.IsDue(now, u.Timezone, EveningTarget(u.SleepTime), planWindowOr(p.Window))
}

func (PlanPrompt) MarkSent(p *storage.DayPlan, localDate string) { p.PromptSent = localDate }

// AffirmSlot is one configured local hour with the stored last-fired key.
type AffirmSlot struct {
	Hour    int
	LastKey string
}

// AffirmationKey is the idempotency key of an affirmation slot.
func AffirmationKey(localDate string, hour int) string {
	return fmt.Sprintf("affirm:%s:%d", localDate, hour)
}

// Affirmation fires during the slot's local hour when the fresh key differs
// from the stored one.
type Affirmation struct{}

func (Affirmation) Kind() Kind { return KindAffirmation }

func (Affirmation) Due(now time.Time, u storage.User, s AffirmSlot) bool {
	local := clock.Local(now, u.Timezone)
	if local.Hour() != s.Hour {
		return false
	}
	return AffirmationKey(local.Format(clock.DateLayout), s.Hour) != s.LastKey
}

func (Affirmation) MarkSent(s *AffirmSlot, localDate string) {
	s.LastKey = AffirmationKey(localDate, s.Hour)
}
