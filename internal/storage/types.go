package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrInvalid  = errors.New("storage: invalid argument")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// NeverDate is the pause_until value meaning "paused indefinitely".
const NeverDate = "9999-12-31"

type User struct {
	ID                 int64
	TelegramID         int64
	Name               string
	Timezone           string
	WakeTime           string
	SleepTime          string
	PauseUntil         string
	Gender             string
	ADHDMode           bool
	QuietMode          bool
	FocusStrikes       int
	FocusCooldownUntil time.Time // zero when no cooldown
	PointsTotal        int
	PointsMonth        int

	Marks map[Mark]string
	// CreatedAt is the first-contact time.
	CreatedAt time.Time
}

// Mark names a per-user "last done/prompted" date column.
type Mark string

const (
	MarkCareDentist    Mark = "last_care_dentist"
	MarkCareVision     Mark = "last_care_vision"
	MarkCareFirstAid   Mark = "last_care_firstaid"
	MarkCareBrush      Mark = "last_care_brush"
	MarkCarePrompt     Mark = "last_care_prompt"
	MarkWeightPrompt   Mark = "last_weight_prompt"
	MarkFinanceDigest  Mark = "last_finance_digest"
	MarkHomePlan       Mark = "last_home_plan"
	MarkBillsDigest    Mark = "last_bills_digest"
	MarkPointsResetKey Mark = "last_points_reset"
)

var allMarks = []Mark{
	MarkCareDentist, MarkCareVision, MarkCareFirstAid, MarkCareBrush, MarkCarePrompt,
	MarkWeightPrompt, MarkFinanceDigest, MarkHomePlan, MarkBillsDigest, MarkPointsResetKey,
}

func (m Mark) valid() bool {
	for _, k := range allMarks {
		if k == m {
			return true
		}
	}
	return false
}

type Routine struct {
	ID          int64
	Slot        string
	Title       string
	DefaultTime string
}

// RoutineStep is a per-user clone of a template step. DependsOn, when
// non-zero, is the id of another step of the same user and routine that
// must be completed before this one becomes visible.
type RoutineStep struct {
	ID        int64
	UserID    int64
	RoutineID int64
	Title     string
	Order     int
	Points    int
	Active    bool
	DependsOn int64
}

type UserRoutine struct {
	UserID       int64
	RoutineID    int64
	Slot         string
	Title        string
	ReminderTime string
	LastSentDate string
}

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusDone    TaskStatus = "done"
	StatusSkip    TaskStatus = "skip"
	StatusLater   TaskStatus = "later"
)

// Terminal reports whether no further follow-up is expected.
func (s TaskStatus) Terminal() bool { return s == StatusDone || s == StatusSkip }

// UserTask is one routine occurrence. Note holds the comma-separated
// completed step indices.
type UserTask struct {
	UserID    int64
	RoutineID int64
	Date      string
	Status    TaskStatus
	Note      string
}

// OneTimeFrequency marks a custom reminder that fires once.
const OneTimeFrequency = 9999

type CustomReminder struct {
	ID            int64
	UserID        int64
	Title         string
	ReminderTime  string
	FrequencyDays int
	// TargetWeekday is Monday = 0 ... Sunday = 6, or -1 when unset.
	TargetWeekday int
	LastSentDate  string
	Active        bool
	Archived      bool
}

type CustomTask struct {
	ReminderID int64
	UserID     int64
	Date       string
	Status     TaskStatus
}

type Medication struct {
	ID           int64
	UserID       int64
	Name         string
	DoseText     string
	ScheduleType string
	Times        []string
	// DaysOfWeek uses Monday = 0; empty means every day.
	DaysOfWeek []int
	Active     bool
}

type MedLog struct {
	ID          int64
	UserID      int64
	MedID       int64
	Date        string
	PlannedTime string
	TakenAt     time.Time
	Skipped     bool
}

// Outstanding reports whether the dose is neither taken nor skipped.
func (l MedLog) Outstanding() bool { return l.TakenAt.IsZero() && !l.Skipped }

type WellnessKind string

const (
	Water WellnessKind = "water"
	Meal  WellnessKind = "meal"
)

type WellnessSettings struct {
	UserID       int64
	WaterEnabled bool
	WaterTimes   []string
	WaterLastKey string
	MealEnabled  bool
	MealTimes    []string
	MealLastKey  string
	Tone         string
	FocusWork    int
	FocusRest    int
}

// DefaultWellness returns the settings used before a user saves any.
func DefaultWellness(userID int64) WellnessSettings {
	return WellnessSettings{
		UserID:     userID,
		WaterTimes: []string{"11:00", "16:00"},
		MealTimes:  []string{"13:00", "19:00"},
		Tone:       "neutral",
		FocusWork:  20,
		FocusRest:  10,
	}
}

type RegularTask struct {
	ID            int64
	UserID        int64
	Title         string
	Zone          string
	FrequencyDays int
	Points        int
	LastDoneDate  string
	NextDueDate   string
	Active        bool
}

type Bill struct {
	ID            int64
	UserID        int64
	Title         string
	Amount        float64
	DayOfMonth    int
	LastPaidMonth string
	Active        bool
}

type Expense struct {
	ID        int64
	UserID    int64
	Amount    float64
	Category  string
	Note      string
	CreatedAt time.Time
}

// Budget is a monthly limit with optional per-category limits.
type Budget struct {
	Month      string
	LimitTotal float64
	Categories map[string]float64
}

type FocusResult string

const (
	FocusOpen       FocusResult = ""
	FocusDone       FocusResult = "done"
	FocusPartial    FocusResult = "partial"
	FocusFail       FocusResult = "fail"
	FocusMissed     FocusResult = "missed"
	FocusSuperseded FocusResult = "superseded"
)

type FocusSession struct {
	ID              int64
	UserID          int64
	TaskTitle       string
	DurationMin     int
	StartTS         time.Time
	CheckinTS       time.Time
	EndTS           time.Time
	CheckinSent     bool
	CheckinResponse string
	EndSent         bool
	Result          FocusResult
}

// Active reports whether the session has no recorded result yet.
func (s FocusSession) Active() bool { return s.Result == FocusOpen }

// Conversation is the in-flight multi-step dialog of one user.
type Conversation struct {
	UserID    int64
	Flow      string
	Step      string
	Data      map[string]string
	UpdatedAt time.Time
}

// DayPlan is a user's list for one local date. MorningSent and PromptSent
// hold the local date the morning summary and the evening planning prompt
// went out.
type DayPlan struct {
	UserID      int64
	Date        string
	MorningSent string
	PromptSent  string
	Items       []DayPlanItem
}

type DayPlanItem struct {
	ID        int64
	UserID    int64
	Date      string
	Title     string
	Important bool
}

type AffirmationSettings struct {
	UserID     int64
	Enabled    bool
	Hours      []int // local hours 0-23
	Categories []string
	LastKey    string
}

// DefaultAffirmations returns the settings used before a user saves any.
func DefaultAffirmations(userID int64) AffirmationSettings {
	return AffirmationSettings{
		UserID:     userID,
		Hours:      []int{9},
		Categories: []string{"motivation", "calm"},
	}
}
