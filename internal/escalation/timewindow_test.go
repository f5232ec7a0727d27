package escalation

import (
	"testing"
	"time"
)

func mustClock(t *testing.T, s string) ClockTime {
	t.Helper()
	ct, err := ParseClockTime(s)
	if err != nil {
		t.Fatalf("failed to parse clock time %q: %v", s, err)
	}
	return ct
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("failed to parse time %q: %v", s, err)
	}
	return ts.UTC()
}

func TestNextEligibleTime_NormalWindow(t *testing.T) {
	from := mustClock(t, "10:30")
	to := mustClock(t, "18:45")

	// before the window opens: wait for today's opening
	now := at(t, "2026-08-29T09:00:00Z")
	got := NextEligibleTime(from, to, now)
	want := at(t, "2026-08-29T10:30:00Z")
	if !got.Equal(want) {
		t.Errorf("before window: got %v, want %v", got, want)
	}

	// inside the window: fire immediately
	now = at(t, "2026-08-29T12:00:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(now) {
		t.Errorf("inside window: got %v, want %v", got, now)
	}

	// exactly at the opening boundary: fire immediately
	now = at(t, "2026-08-29T10:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(now) {
		t.Errorf("at opening boundary: got %v, want %v", got, now)
	}

	// after the window closed: wait for tomorrow's opening
	now = at(t, "2026-08-29T19:00:00Z")
	want = at(t, "2026-08-30T10:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(want) {
		t.Errorf("after window: got %v, want %v", got, want)
	}
}

func TestNextEligibleTime_WrapsMidnight(t *testing.T) {
	from := mustClock(t, "22:00")
	to := mustClock(t, "06:00")

	// late evening, inside the wrapped window
	now := at(t, "2026-08-29T23:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(now) {
		t.Errorf("evening inside window: got %v, want %v", got, now)
	}

	// early morning, still inside
	now = at(t, "2026-08-29T05:00:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(now) {
		t.Errorf("morning inside window: got %v, want %v", got, now)
	}

	// midday, outside: wait for today's opening
	now = at(t, "2026-08-29T12:00:00Z")
	want := at(t, "2026-08-29T22:00:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(want) {
		t.Errorf("midday outside window: got %v, want %v", got, want)
	}
}

func TestNextEligibleTime_DegenerateWindow(t *testing.T) {
	from := mustClock(t, "10:30")
	to := mustClock(t, "10:30")

	// before the instant: wait for it today
	now := at(t, "2026-08-29T09:00:00Z")
	want := at(t, "2026-08-29T10:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(want) {
		t.Errorf("before instant: got %v, want %v", got, want)
	}

	// past the instant: wait for it tomorrow
	now = at(t, "2026-08-29T10:30:01Z")
	want = at(t, "2026-08-30T10:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(want) {
		t.Errorf("past instant: got %v, want %v", got, want)
	}

	// exactly at the instant: fire immediately
	now = at(t, "2026-08-29T10:30:00Z")
	if got := NextEligibleTime(from, to, now); !got.Equal(now) {
		t.Errorf("at instant: got %v, want %v", got, now)
	}
}

func TestParseClockTime(t *testing.T) {
	ct, err := ParseClockTime("15:04:05")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct.Hour != 15 || ct.Minute != 4 || ct.Second != 5 {
		t.Errorf("got %+v", ct)
	}

	if _, err := ParseClockTime("25:00"); err == nil {
		t.Error("expected error for hour out of range")
	}
	if _, err := ParseClockTime("banana"); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := ParseClockTime("10:-5"); err == nil {
		t.Error("expected error for negative minutes")
	}
}
