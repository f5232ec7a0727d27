package oncall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/swap"
)

// ErrScheduleNotFound is returned when a schedule id does not exist
var ErrScheduleNotFound = errors.New("on-call schedule not found")

// Event is one resolved slot of a schedule's final timeline
type Event struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Users holds the raw member handles from the calendar source; UserIDs
	// the subset that resolved to known users
	Users   []string `json:"users,omitempty"`
	UserIDs []uint   `json:"user_ids,omitempty"`

	Priority   int    `json:"priority"`
	IsOverride bool   `json:"is_override,omitempty"`
	IsGap      bool   `json:"is_gap,omitempty"`
	Source     string `json:"source,omitempty"`
}

// layerEvent is an expanded occurrence tagged with its layering rank
type layerEvent struct {
	Event
	createdAt time.Time
}

// Resolver turns a schedule's layered sources into final events. It is
// stateless: every call re-reads the schedule row and re-expands sources.
type Resolver struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// NewResolver creates a schedule resolver
func NewResolver(db *gorm.DB, log zerolog.Logger) *Resolver {
	return &Resolver{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the resolver's clock; used by tests
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// ResolveRange computes the final timeline of a schedule over [start, end):
// calendar sources and ad-hoc shifts are expanded, layered by (override,
// priority, recency), taken shift swaps substitute the on-call user, and
// uncovered time surfaces as gap events.
func (r *Resolver) ResolveRange(ctx context.Context, schedule *database.OnCallSchedule, start, end time.Time) ([]Event, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, fmt.Errorf("invalid resolve range: end %s not after start %s", end, start)
	}

	var layers []layerEvent
	layers = append(layers, r.calendarLayer(schedule.PrimaryICal, "primary", false, start, end)...)
	layers = append(layers, r.calendarLayer(schedule.OverridesICal, "overrides", true, start, end)...)

	shiftEvents, err := r.shiftLayer(ctx, schedule, start, end)
	if err != nil {
		return nil, err
	}
	layers = append(layers, shiftEvents...)

	final := resolveLayers(layers, start, end)

	final, err = r.applySwaps(ctx, schedule.ID, final, start, end)
	if err != nil {
		return nil, err
	}

	final = append(final, gapEvents(final, start, end)...)
	sort.Slice(final, func(i, j int) bool {
		if !final[i].Start.Equal(final[j].Start) {
			return final[i].Start.Before(final[j].Start)
		}
		return final[i].Priority > final[j].Priority
	})
	return final, nil
}

// calendarLayer expands one iCal source. A malformed calendar degrades to an
// empty layer with a warning; it must never take resolution down.
func (r *Resolver) calendarLayer(source, name string, override bool, start, end time.Time) []layerEvent {
	if source == "" {
		return nil
	}
	raws, err := expandCalendar(source, start, end)
	if err != nil {
		r.log.Warn().Err(err).Str("calendar", name).Msg("malformed calendar source, treating as empty")
		return nil
	}
	out := make([]layerEvent, 0, len(raws))
	for _, raw := range raws {
		ev := layerEvent{
			Event: Event{
				Start:      raw.Start,
				End:        raw.End,
				Users:      raw.Members,
				UserIDs:    r.resolveMembers(raw.Members),
				Priority:   raw.Priority,
				IsOverride: override,
				Source:     raw.UID,
			},
			createdAt: raw.CreatedAt,
		}
		out = append(out, ev)
	}
	return out
}

// shiftLayer expands the schedule's ad-hoc shifts. Web-authored shifts are
// clamped to [rotation_start, until]; API shifts expand as defined.
func (r *Resolver) shiftLayer(ctx context.Context, schedule *database.OnCallSchedule, start, end time.Time) ([]layerEvent, error) {
	var shifts []database.CustomShift
	if err := r.db.WithContext(ctx).Where("schedule_id = ?", schedule.ID).Find(&shifts).Error; err != nil {
		return nil, fmt.Errorf("failed to load custom shifts: %w", err)
	}

	padded := extraLookupDays * 24 * time.Hour
	var out []layerEvent
	for _, shift := range shifts {
		var userIDs []uint
		if len(shift.UserIDs) > 0 {
			if err := json.Unmarshal([]byte(shift.UserIDs), &userIDs); err != nil {
				r.log.Warn().Err(err).Uint("shift_id", shift.ID).Msg("unreadable shift members, skipping shift")
				continue
			}
		}
		duration := time.Duration(shift.DurationSeconds) * time.Second

		clampStart, clampEnd := start, end
		if shift.Source == database.ShiftSourceWeb {
			if shift.RotationStart.After(clampStart) {
				clampStart = shift.RotationStart
			}
			if shift.Until != nil && shift.Until.Before(clampEnd) {
				clampEnd = *shift.Until
			}
			if !clampEnd.After(clampStart) {
				continue
			}
		}

		var starts []time.Time
		if shift.RRule == "" {
			starts = []time.Time{shift.Start.UTC()}
		} else {
			opt, err := rrule.StrToROption(shift.RRule)
			if err != nil {
				r.log.Warn().Err(err).Uint("shift_id", shift.ID).Msg("invalid shift rrule, skipping shift")
				continue
			}
			opt.Dtstart = shift.Start.UTC()
			rr, err := rrule.NewRRule(*opt)
			if err != nil {
				r.log.Warn().Err(err).Uint("shift_id", shift.ID).Msg("invalid shift rrule, skipping shift")
				continue
			}
			starts = rr.Between(clampStart.Add(-padded), clampEnd.Add(padded), true)
		}

		for _, occStart := range starts {
			occEnd := occStart.Add(duration)
			if shift.Source == database.ShiftSourceWeb {
				if occStart.Before(clampStart) {
					occStart = clampStart
				}
				if occEnd.After(clampEnd) {
					occEnd = clampEnd
				}
			}
			if !occEnd.After(occStart) {
				continue
			}
			if occEnd.After(start) && occStart.Before(end) {
				out = append(out, layerEvent{
					Event: Event{
						Start:    occStart,
						End:      occEnd,
						UserIDs:  userIDs,
						Priority: shift.Priority,
						Source:   shift.PublicID,
					},
					createdAt: shift.CreatedAt,
				})
			}
		}
	}
	return out, nil
}

// resolveMembers maps calendar handles (usernames or emails) to user ids.
// Unknown handles stay in Users but contribute no id.
func (r *Resolver) resolveMembers(handles []string) []uint {
	if len(handles) == 0 {
		return nil
	}
	var users []database.User
	if err := r.db.Where("username IN ? OR email IN ?", handles, handles).Find(&users).Error; err != nil {
		r.log.Warn().Err(err).Msg("failed to resolve calendar members")
		return nil
	}
	byHandle := make(map[string]uint, len(users)*2)
	for _, u := range users {
		byHandle[u.Username] = u.ID
		if u.Email != "" {
			byHandle[u.Email] = u.ID
		}
	}
	var ids []uint
	seen := map[uint]bool{}
	for _, h := range handles {
		if id, ok := byHandle[h]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// interval is a half-open [start, end) span
type interval struct {
	start, end time.Time
}

// resolveLayers flattens layered events: overrides shadow everything,
// higher priority shadows lower, newer shadows older within a level. An
// event only yields the fragments of its span not already reserved by a
// higher layer.
func resolveLayers(events []layerEvent, start, end time.Time) []Event {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.IsOverride != b.IsOverride {
			return a.IsOverride
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.createdAt.After(b.createdAt)
	})

	type rank struct {
		override bool
		priority int
	}
	var reserved []interval
	var levelSpans []interval
	var current rank
	first := true
	var final []Event

	flushLevel := func() {
		reserved = append(reserved, levelSpans...)
		levelSpans = levelSpans[:0]
	}

	for _, ev := range events {
		rk := rank{ev.IsOverride, ev.Priority}
		if first || rk != current {
			if !first {
				flushLevel()
			}
			current = rk
			first = false
		}

		span := interval{maxTime(ev.Start, start), minTime(ev.End, end)}
		if !span.end.After(span.start) {
			continue
		}
		// events inside the same level coexist: subtract only higher levels
		for _, frag := range subtract(span, reserved) {
			out := ev.Event
			out.Start = frag.start
			out.End = frag.end
			final = append(final, out)
		}
		levelSpans = append(levelSpans, span)
	}
	flushLevel()
	return final
}

// subtract removes every blocked interval from span, returning the
// remaining fragments in order
func subtract(span interval, blocked []interval) []interval {
	remaining := []interval{span}
	for _, b := range blocked {
		var next []interval
		for _, r := range remaining {
			if !b.end.After(r.start) || !r.end.After(b.start) {
				next = append(next, r)
				continue
			}
			if b.start.After(r.start) {
				next = append(next, interval{r.start, b.start})
			}
			if r.end.After(b.end) {
				next = append(next, interval{b.end, r.end})
			}
		}
		remaining = next
	}
	return remaining
}

// applySwaps substitutes the benefactor for the beneficiary inside every
// taken swap window, splitting events that straddle a window boundary
func (r *Resolver) applySwaps(ctx context.Context, scheduleID uint, events []Event, start, end time.Time) ([]Event, error) {
	var swaps []database.ShiftSwapRequest
	err := r.db.WithContext(ctx).
		Where("schedule_id = ? AND benefactor_id IS NOT NULL AND swap_start < ? AND swap_end > ?", scheduleID, end, start).
		Find(&swaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load shift swaps: %w", err)
	}

	for _, sr := range swaps {
		if swap.StatusOf(&sr, r.now()) != swap.StatusTaken {
			continue
		}
		var next []Event
		for _, ev := range events {
			if ev.IsGap || !containsUser(ev.UserIDs, sr.BeneficiaryID) ||
				!ev.End.After(sr.SwapStart) || !sr.SwapEnd.After(ev.Start) {
				next = append(next, ev)
				continue
			}
			// leading fragment keeps the beneficiary
			if ev.Start.Before(sr.SwapStart) {
				lead := ev
				lead.End = sr.SwapStart
				next = append(next, lead)
			}
			mid := ev
			mid.Start = maxTime(ev.Start, sr.SwapStart)
			mid.End = minTime(ev.End, sr.SwapEnd)
			mid.UserIDs = replaceUser(ev.UserIDs, sr.BeneficiaryID, *sr.BenefactorID)
			next = append(next, mid)
			if ev.End.After(sr.SwapEnd) {
				trail := ev
				trail.Start = sr.SwapEnd
				next = append(next, trail)
			}
		}
		events = next
	}
	return events, nil
}

// gapEvents returns one gap event per uncovered span of [start, end)
func gapEvents(events []Event, start, end time.Time) []Event {
	var covered []interval
	for _, ev := range events {
		if !ev.IsGap {
			covered = append(covered, interval{ev.Start, ev.End})
		}
	}
	var gaps []Event
	for _, frag := range subtract(interval{start, end}, covered) {
		gaps = append(gaps, Event{Start: frag.start, End: frag.end, IsGap: true})
	}
	return gaps
}

// ResolveAt returns the non-gap events on duty at instant t
func (r *Resolver) ResolveAt(ctx context.Context, scheduleID uint, t time.Time) ([]Event, error) {
	schedule, err := r.getSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	events, err := r.ResolveRange(ctx, schedule, t, t.Add(time.Second))
	if err != nil {
		return nil, err
	}
	var active []Event
	for _, ev := range events {
		if !ev.IsGap && !ev.Start.After(t) && ev.End.After(t) {
			active = append(active, ev)
		}
	}
	return active, nil
}

// UsersOnCallNow returns the distinct user ids on duty right now; it backs
// the escalation snapshot builder
func (r *Resolver) UsersOnCallNow(ctx context.Context, scheduleID uint) ([]uint, error) {
	active, err := r.ResolveAt(ctx, scheduleID, r.now())
	if err != nil {
		return nil, err
	}
	var ids []uint
	seen := map[uint]bool{}
	for _, ev := range active {
		for _, id := range ev.UserIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// ScheduleName returns a schedule's display name
func (r *Resolver) ScheduleName(ctx context.Context, scheduleID uint) (string, error) {
	schedule, err := r.getSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	return schedule.Name, nil
}

func (r *Resolver) getSchedule(ctx context.Context, scheduleID uint) (*database.OnCallSchedule, error) {
	var schedule database.OnCallSchedule
	if err := r.db.WithContext(ctx).First(&schedule, scheduleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &schedule, nil
}

func containsUser(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func replaceUser(ids []uint, from, to uint) []uint {
	out := make([]uint, len(ids))
	for i, v := range ids {
		if v == from {
			out[i] = to
		} else {
			out[i] = v
		}
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
