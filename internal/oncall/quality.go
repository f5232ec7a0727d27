package oncall

import (
	"context"
	"math"
	"time"
)

// Quality axes
const (
	AxisCoverage     = "coverage"
	AxisBalance      = "balance"
	AxisKnownMembers = "known_members"
)

// balancePerfectThreshold rounds near-perfect balance up: minor duration
// skew from calendar granularity should not keep a fair rotation below 100
const balancePerfectThreshold = 95

// AxisScore is one scored quality axis, 0-100
type AxisScore struct {
	Axis  string `json:"axis"`
	Value int    `json:"value"`
}

// QualityReport scores how healthy a schedule's rotation is over a range
type QualityReport struct {
	Scores     []AxisScore `json:"scores"`
	TotalScore int         `json:"total_score"`
}

// QualityReport resolves the schedule over [date, date+days) and scores it
// on coverage (how much of the range has someone on duty), balance (how
// evenly duty time spreads across members) and known members (how much duty
// time belongs to resolvable users).
func (r *Resolver) QualityReport(ctx context.Context, scheduleID uint, date time.Time, days int) (*QualityReport, error) {
	schedule, err := r.getSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	start := date.UTC()
	end := start.Add(time.Duration(days) * 24 * time.Hour)

	events, err := r.ResolveRange(ctx, schedule, start, end)
	if err != nil {
		return nil, err
	}

	report := &QualityReport{
		Scores: []AxisScore{
			{Axis: AxisCoverage, Value: coverageScore(events, start, end)},
			{Axis: AxisBalance, Value: balanceScore(events)},
			{Axis: AxisKnownMembers, Value: knownMembersScore(events)},
		},
	}
	sum := 0
	for _, s := range report.Scores {
		sum += s.Value
	}
	report.TotalScore = int(math.Round(float64(sum) / float64(len(report.Scores))))
	return report, nil
}

// coverageScore is the covered fraction of the range. Gap events and events
// with no resolvable member both count as uncovered.
func coverageScore(events []Event, start, end time.Time) int {
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	var covered []interval
	for _, ev := range events {
		if !ev.IsGap && len(ev.UserIDs) > 0 {
			covered = append(covered, interval{maxTime(ev.Start, start), minTime(ev.End, end)})
		}
	}
	uncovered := time.Duration(0)
	for _, frag := range subtract(interval{start, end}, covered) {
		uncovered += frag.end.Sub(frag.start)
	}
	return int(math.Round(float64(total-uncovered) / float64(total) * 100))
}

// balanceScore compares duty durations pairwise: each pair contributes
// min/max, the average scales to 100. Scores at or above the perfection
// threshold round up to 100; one member or fewer is trivially balanced.
func balanceScore(events []Event) int {
	durations := map[uint]time.Duration{}
	for _, ev := range events {
		if ev.IsGap {
			continue
		}
		d := ev.End.Sub(ev.Start)
		for _, id := range ev.UserIDs {
			durations[id] += d
		}
	}
	if len(durations) <= 1 {
		return 100
	}

	ids := make([]uint, 0, len(durations))
	for id := range durations {
		ids = append(ids, id)
	}
	var sum float64
	var pairs int
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := float64(durations[ids[i]]), float64(durations[ids[j]])
			if a > b {
				a, b = b, a
			}
			sum += a / b
			pairs++
		}
	}
	score := int(math.Round(sum / float64(pairs) * 100))
	if score >= balancePerfectThreshold {
		return 100
	}
	return score
}

// knownMembersScore is the duty-time fraction whose calendar handles all
// resolved to known users
func knownMembersScore(events []Event) int {
	var total, known time.Duration
	for _, ev := range events {
		if ev.IsGap {
			continue
		}
		d := ev.End.Sub(ev.Start)
		total += d
		handles := len(ev.Users)
		if handles == 0 {
			// shift-sourced events carry ids directly
			handles = len(ev.UserIDs)
		}
		if handles > 0 && len(ev.UserIDs) == handles {
			known += d
		}
	}
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(known) / float64(total) * 100))
}
