package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Score bounds for scored tasks.
const (
	MinScore = 0
	MaxScore = 10
)

// ValidateScore validates that score is within [MinScore, MaxScore].
func ValidateScore(score int) error {
	if score < MinScore || score > MaxScore {
		return ErrInvalidScore(score)
	}
	return nil
}

// relativePattern matches relative date formats like +7d, -3d, +2w, +1m
var relativePattern = regexp.MustCompile(`^([+-])(\d+)([dwm])$`)

// parseRelativeDate parses relative date strings like "today", "tomorrow", "yesterday", "+7d", "-3d", "+2w", "+1m".
// Returns nil if the string is not a relative date format.
func parseRelativeDate(dateStr string, today time.Time) (*time.Time, error) {
	lower := strings.ToLower(dateStr)

	switch lower {
	case "today":
		return &today, nil
	case "tomorrow":
		t := today.AddDate(0, 0, 1)
		return &t, nil
	case "yesterday":
		t := today.AddDate(0, 0, -1)
		return &t, nil
	}

	matches := relativePattern.FindStringSubmatch(lower)
	if matches == nil {
		return nil, nil
	}

	num, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	if matches[1] == "-" {
		num = -num
	}

	var result time.Time
	switch matches[3] {
	case "d":
		result = today.AddDate(0, 0, num)
	case "w":
		result = today.AddDate(0, 0, num*7)
	case "m":
		result = today.AddDate(0, num, 0)
	}
	return &result, nil
}

// Today returns the local calendar day as a midnight UTC date.
func Today() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDateFlag parses a date string supporting both relative and absolute formats.
// Supported relative formats: today, tomorrow, yesterday, +Nd, -Nd, +Nw, +Nm
// Supported absolute format: YYYY-MM-DD
// Dates are returned as midnight UTC. Returns nil, nil for an empty string.
func ParseDateFlag(dateStr string) (*time.Time, error) {
	return parseDateFlagAt(dateStr, Today())
}

func parseDateFlagAt(dateStr string, today time.Time) (*time.Time, error) {
	if dateStr == "" {
		return nil, nil
	}

	t, err := parseRelativeDate(dateStr, today)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	parsed, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	return &parsed, nil
}

// ParseTimeOfDay validates an HH:MM value and normalizes it to two-digit hours.
func ParseTimeOfDay(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return "", ErrInvalidTime(value)
	}
	return t.Format("15:04"), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses a comma separated weekday list ("mon,thu" or "1,4",
// Sunday=0). Duplicates are dropped; order follows the week.
func ParseWeekdays(value string) ([]time.Weekday, error) {
	var seen [7]bool
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if d, ok := weekdayNames[part]; ok {
			seen[d] = true
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, ErrInvalidWeekdays(value)
		}
		seen[n] = true
	}

	var days []time.Weekday
	for d, ok := range seen {
		if ok {
			days = append(days, time.Weekday(d))
		}
	}
	if len(days) == 0 {
		return nil, ErrInvalidWeekdays(value)
	}
	return days, nil
}

// FormatWeekdays renders days as short names.
func FormatWeekdays(days []time.Weekday) string {
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(names, ",")
}
