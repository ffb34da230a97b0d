// Package timeutil renders timestamps as the human phrases used in
// recalled-memory annotations ("yesterday in the morning", "3 weeks ago")
// and parses the loose timestamp formats found in stored memories.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DayPart names the part of day for an hour of the clock.
// 6-12 morning, 13-19 afternoon, 20-0 night, 1-5 early morning.
func DayPart(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 6 && h <= 12:
		return "in the morning"
	case h >= 13 && h <= 19:
		return "in the afternoon"
	case h >= 20 || h == 0:
		return "at night"
	default:
		return "in the early morning"
	}
}

// RelativeLabel describes how long ago ts was, as of now. The wording
// gets coarser with distance: seconds and minutes, then hours, then
// calendar days, weeks, months and years.
func RelativeLabel(ts, now time.Time) string {
	d := now.Sub(ts)
	if d < time.Minute {
		return "just a moment ago"
	}

	days := calendarDaysBetween(ts, now)
	if days == 0 {
		return sameDayLabel(ts, d)
	}

	switch {
	case days == 1:
		return "yesterday " + DayPart(ts)
	case days == 2:
		return "the day before yesterday " + DayPart(ts)
	case days <= 6:
		return fmt.Sprintf("%d days ago %s", days, DayPart(ts))
	case days <= 13:
		return "last week"
	case days <= 29:
		return fmt.Sprintf("%d weeks ago", days/7)
	}

	months := days / 30
	switch {
	case months <= 1:
		return "a month ago"
	case months <= 10:
		return fmt.Sprintf("%d months ago", months)
	case months == 11:
		return "almost a year ago"
	}

	years := days / 365
	extraMonths := (days % 365) / 30
	switch {
	case years == 0:
		return "almost a year ago"
	case years == 1:
		if extraMonths >= 9 {
			return "almost 2 years ago"
		}
		if extraMonths >= 2 {
			return "a year and a few months ago"
		}
		return "a year ago"
	case years <= 4:
		if extraMonths >= 9 {
			return fmt.Sprintf("almost %d years ago", years+1)
		}
		if extraMonths <= 2 {
			return fmt.Sprintf("%d years ago", years)
		}
		return fmt.Sprintf("%d years ago or so", years)
	default:
		return fmt.Sprintf("about %d years ago", years)
	}
}

func sameDayLabel(ts time.Time, d time.Duration) string {
	minutes := int(d.Minutes())
	switch {
	case minutes <= 1:
		return "a minute ago"
	case minutes <= 5:
		return "a few minutes ago"
	case minutes < 60:
		return fmt.Sprintf("about %d minutes ago", minutes)
	}

	hours := d.Hours()
	switch {
	case hours < 1.25:
		return "almost 1h ago"
	case hours < 6:
		return fmt.Sprintf("less than %dh ago", int(hours)+1)
	case hours < 12:
		return "a few hours ago"
	default:
		return thisDayPart(ts)
	}
}

func thisDayPart(ts time.Time) string {
	switch DayPart(ts) {
	case "in the morning":
		return "this morning"
	case "in the afternoon":
		return "this afternoon"
	case "at night":
		return "tonight"
	default:
		return "this early morning"
	}
}

// CalendarDate formats ts as "2 Jan", adding the year when it differs
// from now's year.
func CalendarDate(ts, now time.Time) string {
	if ts.Year() == now.Year() {
		return ts.Format("2 Jan")
	}
	return ts.Format("2 Jan 2006")
}

// Annotate combines the relative label with the calendar date, the full
// prefix attached to each recalled memory.
func Annotate(ts, now time.Time) string {
	return RelativeLabel(ts, now) + " — " + CalendarDate(ts, now)
}

// calendarDaysBetween counts midnight boundaries between ts and now in
// now's location. A memory from 23:50 read at 00:10 is "yesterday".
func calendarDaysBetween(ts, now time.Time) int {
	loc := now.Location()
	a := ts.In(loc)
	start := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	days := int(end.Sub(start) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats that appear in stored
// memories and transcript lines. Layouts without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
