package domain

import (
	"sort"
	"time"
)

// civilDate truncates t to its calendar date in loc, represented at UTC midnight.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// advanceStreak applies one activity date to the running streak.
// Same-day and late arrivals leave the streak untouched.
func advanceStreak(streak int, last, day time.Time) (int, time.Time) {
	if last.IsZero() {
		return 1, day
	}
	switch {
	case day.Equal(last), day.Before(last):
		return streak, last
	case day.Equal(last.AddDate(0, 0, 1)):
		return streak + 1, day
	default:
		return 1, day
	}
}

// longestRun is the longest run of consecutive calendar days in days.
// Duplicates are ignored.
func longestRun(days []time.Time) int {
	if len(days) == 0 {
		return 0
	}
	sorted := append([]time.Time(nil), days...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	best, run := 1, 1
	for i := 1; i < len(sorted); i++ {
		switch {
		case sorted[i].Equal(sorted[i-1]):
			continue
		case sorted[i].Equal(sorted[i-1].AddDate(0, 0, 1)):
			run++
		default:
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
