// Package clock converts UTC instants to a user's local wall clock and
// answers trigger-window questions.
//
// Timezones are IANA names ("Europe/Moscow") or fixed offsets ("UTC+3",
// "UTC-05:30", "GMT+2"). Anything unparseable resolves to UTC.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
	TimeLayout  = "15:04"
)

var locCache sync.Map // string -> *time.Location

// Location resolves tz, falling back to UTC.
func Location(tz string) *time.Location {
	loc, _ := resolve(tz)
	return loc
}

// Valid reports whether tz resolves without falling back.
func Valid(tz string) bool {
	_, ok := resolve(tz)
	return ok
}

func resolve(tz string) (*time.Location, bool) {
	key := strings.TrimSpace(tz)
	if v, ok := locCache.Load(key); ok {
		e := v.(cacheEntry)
		return e.loc, e.ok
	}
	loc, ok := parseLocation(key)
	locCache.Store(key, cacheEntry{loc: loc, ok: ok})
	return loc, ok
}

type cacheEntry struct {
	loc *time.Location
	ok  bool
}

func parseLocation(tz string) (*time.Location, bool) {
	up := strings.ToUpper(tz)
	switch up {
	case "UTC", "GMT", "Z":
		return time.UTC, true
	case "":
		return time.UTC, false
	}
	for _, prefix := range []string{"UTC", "GMT"} {
		if strings.HasPrefix(up, prefix) {
			off, err := parseOffset(up[len(prefix):])
			if err != nil {
				return time.UTC, false
			}
			return time.FixedZone(up, off), true
		}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// parseOffset accepts "+3", "-5", "+05:30", "+0530".
func parseOffset(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := s[1:]
	var hh, mm string
	switch {
	case strings.Contains(body, ":"):
		hh, mm, _ = strings.Cut(body, ":")
	case len(body) == 4:
		hh, mm = body[:2], body[2:]
	default:
		hh = body
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("invalid offset hours %q", hh)
	}
	m := 0
	if mm != "" {
		m, err = strconv.Atoi(mm)
		if err != nil || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid offset minutes %q", mm)
		}
	}
	return sign * (h*3600 + m*60), nil
}

// Local returns now in the user's timezone.
func Local(now time.Time, tz string) time.Time {
	return now.In(Location(tz))
}

// LocalDate returns the user's local calendar date as YYYY-MM-DD.
func LocalDate(now time.Time, tz string) string {
	return Local(now, tz).Format(DateLayout)
}

// LocalTime returns the user's local wall clock as HH:MM.
func LocalTime(now time.Time, tz string) string {
	return Local(now, tz).Format(TimeLayout)
}

// MonthKey returns the user's local month as YYYY-MM.
func MonthKey(now time.Time, tz string) string {
	return Local(now, tz).Format(MonthLayout)
}

// Weekday returns the local weekday with Monday = 0 ... Sunday = 6.
func Weekday(now time.Time, tz string) int {
	return MondayFirst(Local(now, tz).Weekday())
}

// MondayFirst maps time.Weekday (Sunday = 0) onto Monday = 0.
func MondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// ParseHHMM parses a 24h "HH:MM" string.
func ParseHHMM(s string) (h, m int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err = strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err = strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 || len(ms) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// NormalizeHHMM parses and re-formats "7:05" as "07:05".
func NormalizeHHMM(s string) (string, error) {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// IsDue reports whether the local target time has just passed:
// 0 <= localNow - target < window. It never fires early and stops firing
// once the window elapses. An unparseable target is never due.
func IsDue(now time.Time, tz, target string, window time.Duration) bool {
	h, m, err := ParseHHMM(target)
	if err != nil {
		return false
	}
	local := Local(now, tz)
	at := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, local.Location())
	delta := local.Sub(at)
	return delta >= 0 && delta < window
}

// ParseDate parses YYYY-MM-DD as a civil date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
}

// AddDays shifts a YYYY-MM-DD date by n calendar days. Invalid input is
// returned unchanged.
func AddDays(date string, n int) string {
	d, err := ParseDate(date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, n).Format(DateLayout)
}

// DaysBetween returns to - from in whole calendar days.
func DaysBetween(from, to string) (int, error) {
	a, err := ParseDate(from)
	if err != nil {
		return 0, err
	}
	b, err := ParseDate(to)
	if err != nil {
		return 0, err
	}
	return int(b.Sub(a).Hours() / 24), nil
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay returns the date of day-of-month dom in the month of ref,
// clamping dom into [1, days in month].
func ClampDay(ref time.Time, dom int) time.Time {
	last := DaysIn(ref.Year(), ref.Month())
	dom = max(1, min(dom, last))
	return time.Date(ref.Year(), ref.Month(), dom, 0, 0, 0, 0, time.UTC)
}

// FormatDisplay renders YYYY-MM-DD as DD.MM.YYYY; invalid input is
// returned unchanged.
func FormatDisplay(date string) string {
	d, err := ParseDate(date)
	if err != nil {
		return date
	}
	return d.Format("02.01.2006")
}
