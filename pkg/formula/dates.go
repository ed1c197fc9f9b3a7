package formula

import (
	"regexp"
	"time"
)

// Day counts inside this range are plausible dates (roughly 2011 to 2038).
// Only formulas that did date arithmetic have their results mapped back.
const (
	minDateDays = 15000
	maxDateDays = 25000
)

const isoLayout = "2006-01-02"

// EOMONTH accepts month offsets within ten thousand years and day counts
// within a few million days (past year 9999) either way.
const (
	maxMonthOffset = 12 * 10000
	maxDayCount    = 4_000_000
)

var (
	isoPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

	// field +/- number, or number +/- field
	dateArithPattern = regexp.MustCompile(`\{\{[^}]+\}\}\s*[-+]\s*\d|\d\s*[-+]\s*\{\{`)

	epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
)

// dateValue is a date that came from a field. It behaves like its original
// text until it takes part in arithmetic, where it becomes a day count. An
// invalid date (ISO-shaped but not a calendar day) has no day count.
type dateValue struct {
	days    int
	text    string
	invalid bool
}

// asDate recognises strings with an ISO date prefix. A prefix such as
// 2024-13-45 still counts, as an invalid date.
func asDate(s string) (dateValue, bool) {
	if !isoPrefix.MatchString(s) {
		return dateValue{}, false
	}
	t, err := time.Parse(isoLayout, s[:10])
	if err != nil {
		return dateValue{text: s, invalid: true}, true
	}
	return dateValue{days: daysSinceEpoch(t), text: s}, true
}

const secondsPerDay = 24 * 60 * 60

// daysSinceEpoch counts whole days from 1970-01-01 to t's calendar day. t is
// moved to midnight UTC first, so the division is exact on both sides of
// the epoch.
func daysSinceEpoch(t time.Time) int {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Unix() / secondsPerDay)
}

func fromDays(days int) time.Time {
	return epoch.AddDate(0, 0, days)
}

// FormatDays renders a day count as an ISO date.
func FormatDays(days int) string {
	return fromDays(days).Format(isoLayout)
}

// endOfMonth returns the day count of the last day of the month that is
// offset months after the month containing days.
func endOfMonth(days, offset int) int {
	t := fromDays(days)
	last := time.Date(t.Year(), t.Month()+time.Month(offset)+1, 0, 0, 0, 0, 0, time.UTC)
	return daysSinceEpoch(last)
}

// usesDateArithmetic is the textual half of the date-result guard.
func usesDateArithmetic(src string) bool {
	return containsFold(src, "EOMONTH(") || dateArithPattern.MatchString(src)
}
