package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdvanceStreak(t *testing.T) {
	d0 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	streak, last := advanceStreak(0, time.Time{}, d0)
	require.Equal(t, 1, streak)
	require.Equal(t, d0, last)

	streak, last = advanceStreak(streak, last, d0)
	require.Equal(t, 1, streak, "same day collapses")

	streak, last = advanceStreak(streak, last, d0.AddDate(0, 0, 1))
	require.Equal(t, 2, streak, "consecutive day extends")

	streak, last = advanceStreak(streak, last, d0.AddDate(0, 0, -3))
	require.Equal(t, 2, streak, "late arrival ignored")
	require.Equal(t, d0.AddDate(0, 0, 1), last)

	streak, last = advanceStreak(streak, last, d0.AddDate(0, 0, 6))
	require.Equal(t, 1, streak, "gap resets")
	require.Equal(t, d0.AddDate(0, 0, 6), last)
}

func TestLongestRun(t *testing.T) {
	day := func(n int) time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }

	require.Zero(t, longestRun(nil))
	require.Equal(t, 1, longestRun([]time.Time{day(4)}))
	require.Equal(t, 3, longestRun([]time.Time{day(9), day(1), day(2), day(2), day(3), day(7), day(8)}))
}

func TestCivilDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	late := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), civilDate(late, loc))
}

func TestDaysSince(t *testing.T) {
	joined := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 1, daysSince(joined, joined.Add(3*time.Hour)))
	require.Equal(t, 10, daysSince(joined, joined.AddDate(0, 0, 10).Add(time.Hour)))
	require.Equal(t, 1, daysSince(time.Time{}, joined))
}
