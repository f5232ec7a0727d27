package oncall

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func scoreOf(t *testing.T, report *QualityReport, axis string) int {
	t.Helper()
	for _, s := range report.Scores {
		if s.Axis == axis {
			return s.Value
		}
	}
	t.Fatalf("axis %q missing from report", axis)
	return 0
}

func TestQualityReport_PerfectRotation(t *testing.T) {
	db := setupTestDB(t)
	seedUsers(t, db, "alice", "bob")

	// alice and bob alternate in equal 12h blocks, no gaps
	primary := calendar(
		vevent(
			"UID:day",
			"DTSTART:20260801T000000Z",
			"DTEND:20260801T120000Z",
			"SUMMARY:alice",
			"RRULE:FREQ=DAILY",
		),
		vevent(
			"UID:night",
			"DTSTART:20260801T120000Z",
			"DTEND:20260802T000000Z",
			"SUMMARY:bob",
			"RRULE:FREQ=DAILY",
		),
	)
	schedule := seedSchedule(t, db, primary, "")
	resolver := NewResolver(db, zerolog.Nop())

	report, err := resolver.QualityReport(context.Background(), schedule.ID, day(t, "2026-08-10T00:00:00Z"), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := scoreOf(t, report, AxisCoverage); got != 100 {
		t.Errorf("coverage: got %d", got)
	}
	if got := scoreOf(t, report, AxisBalance); got != 100 {
		t.Errorf("balance: got %d", got)
	}
	if got := scoreOf(t, report, AxisKnownMembers); got != 100 {
		t.Errorf("known members: got %d", got)
	}
	if report.TotalScore != 100 {
		t.Errorf("total: got %d", report.TotalScore)
	}
}

func TestQualityReport_UnknownMembersAndGaps(t *testing.T) {
	db := setupTestDB(t)
	seedUsers(t, db, "alice")

	// alice covers half the day; a stranger covers nothing resolvable
	primary := calendar(
		vevent(
			"UID:day",
			"DTSTART:20260801T000000Z",
			"DTEND:20260801T120000Z",
			"SUMMARY:alice",
			"RRULE:FREQ=DAILY",
		),
		vevent(
			"UID:night",
			"DTSTART:20260801T120000Z",
			"DTEND:20260802T000000Z",
			"SUMMARY:ghost",
			"RRULE:FREQ=DAILY",
		),
	)
	schedule := seedSchedule(t, db, primary, "")
	resolver := NewResolver(db, zerolog.Nop())

	report, err := resolver.QualityReport(context.Background(), schedule.ID, day(t, "2026-08-10T00:00:00Z"), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := scoreOf(t, report, AxisCoverage); got != 50 {
		t.Errorf("coverage with unresolvable half: got %d, want 50", got)
	}
	if got := scoreOf(t, report, AxisKnownMembers); got != 50 {
		t.Errorf("known members: got %d, want 50", got)
	}
	// a single resolvable member is trivially balanced
	if got := scoreOf(t, report, AxisBalance); got != 100 {
		t.Errorf("balance: got %d", got)
	}
	if report.TotalScore != 67 {
		t.Errorf("total: got %d, want 67", report.TotalScore)
	}
}

func TestBalanceScore_NearPerfectRoundsUp(t *testing.T) {
	events := []Event{
		{Start: day(t, "2026-08-10T00:00:00Z"), End: day(t, "2026-08-10T12:00:00Z"), UserIDs: []uint{1}},
		{Start: day(t, "2026-08-10T12:00:00Z"), End: day(t, "2026-08-10T23:30:00Z"), UserIDs: []uint{2}},
	}
	// 11.5h vs 12h is ~96%, above the threshold
	if got := balanceScore(events); got != 100 {
		t.Errorf("near-perfect balance should round to 100, got %d", got)
	}

	skewed := []Event{
		{Start: day(t, "2026-08-10T00:00:00Z"), End: day(t, "2026-08-10T18:00:00Z"), UserIDs: []uint{1}},
		{Start: day(t, "2026-08-10T18:00:00Z"), End: day(t, "2026-08-11T00:00:00Z"), UserIDs: []uint{2}},
	}
	// 6h vs 18h is 33%
	if got := balanceScore(skewed); got != 33 {
		t.Errorf("skewed balance: got %d, want 33", got)
	}
}
