package escalation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a timezone-less time of day
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClockTime parses "15:04" or "15:04:05"
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
		}
		nums[i] = n
	}
	ct := ClockTime{Hour: nums[0], Minute: nums[1]}
	if len(nums) == 3 {
		ct.Second = nums[2]
	}
	if ct.Hour > 23 || ct.Minute > 59 || ct.Second > 59 {
		return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
	}
	return ct, nil
}

func (c ClockTime) seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// onDay anchors the clock time to the day of t, in UTC
func (c ClockTime) onDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, c.Second, 0, time.UTC)
}

func clockOf(t time.Time) ClockTime {
	t = t.UTC()
	return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// NextEligibleTime computes the next now-or-later instant at which a step
// restricted to the clock-time window [fromTime, toTime) may fire. All
// targets are expressed in UTC.
//
// Three orderings carry distinct semantics:
//   - fromTime < toTime: a plain same-day window
//   - fromTime > toTime: the window spans midnight
//   - fromTime == toTime: degenerate single-instant window; the comparison
//     operators of the branches are deliberately not unified, the boundary
//     instant fires immediately
func NextEligibleTime(fromTime, toTime ClockTime, now time.Time) time.Time {
	now = now.UTC()
	nowClock := clockOf(now)

	switch {
	case fromTime.seconds() < toTime.seconds():
		if nowClock.seconds() < fromTime.seconds() {
			return fromTime.onDay(now)
		}
		if nowClock.seconds() >= toTime.seconds() {
			return fromTime.onDay(now.Add(24 * time.Hour))
		}
		return now

	case fromTime.seconds() > toTime.seconds():
		if nowClock.seconds() >= fromTime.seconds() || nowClock.seconds() < toTime.seconds() {
			return now
		}
		return fromTime.onDay(now)

	default: // fromTime == toTime
		if nowClock.seconds() < fromTime.seconds() {
			return fromTime.onDay(now)
		}
		if nowClock.seconds() > fromTime.seconds() {
			return fromTime.onDay(now.Add(24 * time.Hour))
		}
		return now
	}
}
