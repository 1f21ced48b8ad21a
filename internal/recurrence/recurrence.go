// Package recurrence computes the next occurrence of a repeating task.
// All functions are pure; callers supply "now".
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHorizonDays bounds the day-by-day weekday scan.
const DefaultHorizonDays = 30

const cronPrefix = "cron:"

// Frequency describes how a task repeats.
//
// Exactly one of Weekdays / CronSpec is set; both empty means the task
// runs once.
type Frequency struct {
	// Weekdays holds ISO weekday numbers, 1=Monday .. 7=Sunday, sorted
	// and deduplicated.
	Weekdays []int

	// CronSpec is a standard 5-field cron expression, without the
	// "cron:" marker.
	CronSpec string
}

func (f Frequency) IsOnce() bool { return len(f.Weekdays) == 0 && f.CronSpec == "" }

// String renders the on-disk frequency field: "", "135", or "cron:<spec>".
func (f Frequency) String() string {
	if f.CronSpec != "" {
		return cronPrefix + f.CronSpec
	}
	var b strings.Builder
	for _, d := range f.Weekdays {
		fmt.Fprintf(&b, "%d", d)
	}
	return b.String()
}

// ParseFrequency maps a persisted frequency field to a Frequency.
//
// Accepted forms:
//   - ""                 run once
//   - "135" or "1,3,5"   weekday set, 1=Monday .. 7=Sunday
//   - "cron:<spec>"      standard cron expression
//
// Weekday digits outside 1..7 are discarded. A frequency that sanitizes
// to nothing (e.g. "089") is an error so the caller can warn and treat
// the task as one-shot.
func ParseFrequency(s string) (Frequency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Frequency{}, nil
	}
	if strings.HasPrefix(s, cronPrefix) {
		spec := strings.TrimSpace(strings.TrimPrefix(s, cronPrefix))
		if _, err := cron.ParseStandard(spec); err != nil {
			return Frequency{}, fmt.Errorf("bad cron spec %q: %w", spec, err)
		}
		return Frequency{CronSpec: spec}, nil
	}

	seen := map[int]bool{}
	var days []int
	for _, r := range s {
		if r == ',' || r == ' ' {
			continue
		}
		d := int(r - '0')
		if d < 1 || d > 7 {
			continue
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return Frequency{}, fmt.Errorf("frequency %q has no valid weekdays", s)
	}
	sort.Ints(days)
	return Frequency{Weekdays: days}, nil
}

// Calculator computes successor occurrences.
type Calculator struct {
	// HorizonDays caps the weekday scan. Zero means DefaultHorizonDays.
	HorizonDays int
}

// Next returns the first occurrence strictly after now.
//
// For weekday frequencies it scans day by day from max(anchor, now),
// keeping the anchor's time of day. ok=false means the frequency is
// empty or no candidate exists inside the horizon; the caller should
// drop the recurrence and warn.
func (c Calculator) Next(anchor time.Time, f Frequency, now time.Time) (time.Time, bool) {
	if f.CronSpec != "" {
		sched, err := cron.ParseStandard(f.CronSpec)
		if err != nil {
			return time.Time{}, false
		}
		after := now
		if anchor.After(after) {
			after = anchor
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}

	if len(f.Weekdays) == 0 {
		return time.Time{}, false
	}

	horizon := c.HorizonDays
	if horizon <= 0 {
		horizon = DefaultHorizonDays
	}

	set := map[time.Weekday]bool{}
	for _, d := range f.Weekdays {
		if d < 1 || d > 7 {
			continue
		}
		// ISO 7=Sunday maps to time.Sunday (0).
		set[time.Weekday(d%7)] = true
	}
	if len(set) == 0 {
		return time.Time{}, false
	}

	start := anchor
	if now.After(start) {
		start = now
	}
	for i := 0; i <= horizon; i++ {
		day := start.AddDate(0, 0, i)
		cand := time.Date(day.Year(), day.Month(), day.Day(),
			anchor.Hour(), anchor.Minute(), anchor.Second(), 0, anchor.Location())
		if set[cand.Weekday()] && cand.After(now) {
			return cand, true
		}
	}
	return time.Time{}, false
}
