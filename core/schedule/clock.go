package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InvalidScheduleError reports a malformed start time.
type InvalidScheduleError struct {
	Value  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid start time %q: %s", e.Value, e.Reason)
}

// ParseStartTime parses a wall-clock "HH:MM" start time at minute resolution.
func ParseStartTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, &InvalidScheduleError{Value: s, Reason: "expected HH:MM"}
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, &InvalidScheduleError{Value: s, Reason: "hour out of range"}
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, &InvalidScheduleError{Value: s, Reason: "minute out of range"}
	}
	return hour, minute, nil
}

// NextRun returns the nearest occurrence of the given time of day strictly
// after now. A start time equal to the current minute rolls to tomorrow so an
// armed timer never re-fires within the same minute.
func NextRun(startTime string, now time.Time) (time.Time, error) {
	hour, minute, err := ParseStartTime(startTime)
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
