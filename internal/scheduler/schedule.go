// ABOUTME: Schedule expression validation and next-occurrence computation
// ABOUTME: Supports five-field cron, fixed intervals in seconds, and one-shots

package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/crewd/internal/store"
)

// MinInterval is the smallest accepted interval schedule.
const MinInterval = 10 * time.Second

// ErrInvalidSchedule wraps all schedule validation failures.
var ErrInvalidSchedule = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks a schedule expression against its type.
func ValidateSchedule(scheduleType, value string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
	case store.ScheduleInterval:
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: interval %q is not a number of seconds", ErrInvalidSchedule, value)
		}
		if time.Duration(secs)*time.Second < MinInterval {
			return fmt.Errorf("%w: interval %q is below the %s minimum", ErrInvalidSchedule, value, MinInterval)
		}
	case store.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("%w: once %q is not an RFC3339 timestamp", ErrInvalidSchedule, value)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
	}
	return nil
}

// NextRun computes the occurrence following after. A one-shot in the
// past is still returned so it runs immediately rather than never.
func NextRun(scheduleType, value string, after time.Time) (time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		return sched.Next(after), nil
	case store.ScheduleInterval:
		secs, err := strconv.Atoi(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: interval %q is not a number of seconds", ErrInvalidSchedule, value)
		}
		return after.Add(time.Duration(secs) * time.Second), nil
	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: once %q is not an RFC3339 timestamp", ErrInvalidSchedule, value)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
	}
}

// completesAfterRun reports whether the occurrence being dispatched is
// the task's last: one-shots always, capped tasks on their final run.
func completesAfterRun(t *store.ScheduledTask) bool {
	if t.ScheduleType == store.ScheduleOnce {
		return true
	}
	return t.MaxRuns > 0 && t.RunCount+1 >= t.MaxRuns
}
