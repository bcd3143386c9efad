package marketcal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWeekStart(t *testing.T) {
	t.Parallel()

	// 2025-03-17 is a Monday.
	monday := date(2025, 3, 17)
	for i := 0; i < 7; i++ {
		got := WeekStart(monday.AddDate(0, 0, i))
		require.True(t, got.Equal(monday), "day offset %d: got %s", i, got)
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	wed := date(2025, 3, 19)
	require.Equal(t, "2025-03-19", DayKey(wed))
	require.Equal(t, "2025-03-17", WeekKey(wed))

	parsed, err := ParseKey("2025-03-19")
	require.NoError(t, err)
	require.True(t, SameDay(parsed, wed))
}

func TestPrevNextSessionSkipWeekends(t *testing.T) {
	t.Parallel()

	monday := date(2025, 3, 17)
	friday := date(2025, 3, 14)

	require.True(t, PrevSession(monday).Equal(friday))
	require.True(t, NextSession(friday).Equal(monday))
}

func TestWeekEndingDay(t *testing.T) {
	t.Parallel()

	require.True(t, IsWeekEndingDay(date(2025, 3, 21))) // Friday
	require.False(t, IsWeekEndingDay(date(2025, 3, 19)))
	require.True(t, WeekEnd(date(2025, 3, 17)).Equal(date(2025, 3, 21)))
}
