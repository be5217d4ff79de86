package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartTime(t *testing.T) {
	h, m, err := ParseStartTime("02:30")
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "2:30", "02:3", "24:00", "12:60", "ab:cd", "02-30", "02:30:00"} {
		_, _, err := ParseStartTime(bad)
		require.Error(t, err, "input %q", bad)
		var ise *InvalidScheduleError
		assert.True(t, errors.As(err, &ise), "input %q", bad)
	}
}

func TestNextRunSameDay(t *testing.T) {
	now := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	next, err := NextRun("02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC), next)
}

func TestNextRunRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	next, err := NextRun("02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC), next)
}

func TestNextRunEqualMinuteRollsToTomorrow(t *testing.T) {
	// 02:30 exactly must not re-fire within the same minute.
	now := time.Date(2025, 6, 1, 2, 30, 0, 0, time.UTC)
	next, err := NextRun("02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC), next)

	// Seconds into the same minute also roll over.
	now = now.Add(25 * time.Second)
	next, err = NextRun("02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC), next)
}

func TestNextRunAlwaysFutureWithin24h(t *testing.T) {
	times := []string{"00:00", "02:30", "12:00", "23:59"}
	nows := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 23, 59, 59, 0, time.UTC),
		time.Date(2025, 6, 15, 2, 30, 0, 1, time.UTC),
		time.Date(2025, 12, 31, 13, 37, 42, 0, time.UTC),
	}
	for _, st := range times {
		for _, now := range nows {
			next, err := NextRun(st, now)
			require.NoError(t, err)
			assert.True(t, next.After(now), "start=%s now=%v next=%v", st, now, next)
			assert.False(t, next.After(now.Add(24*time.Hour)), "start=%s now=%v next=%v", st, now, next)
		}
	}
}
