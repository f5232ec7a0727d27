// Package oncall resolves layered on-call schedules (iCal calendars, ad-hoc
// shifts, overrides and shift swaps) into a flat timeline of final events,
// detects coverage gaps and scores schedule quality.
package oncall

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// extraLookupDays pads the expansion window on both sides so recurring
// occurrences that start before the requested range but overlap it (and
// occurrences clipped at the far edge) are not lost.
const extraLookupDays = 16

// priorityTagRe matches the priority tag in an event summary, e.g. "[L2]"
var priorityTagRe = regexp.MustCompile(`\[L(\d+)\]`)

// rawEvent is one expanded calendar occurrence before layering
type rawEvent struct {
	UID       string
	Start     time.Time
	End       time.Time
	Priority  int
	Members   []string // usernames or emails, unresolved
	Sequence  int
	CreatedAt time.Time
}

var icalTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

func parseICalTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range icalTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable ical time %q", s)
}

// parsePriorityTag extracts the "[Ln]" priority from a summary and returns
// the priority and the summary with the tag removed
func parsePriorityTag(summary string) (int, string) {
	m := priorityTagRe.FindStringSubmatch(summary)
	if m == nil {
		return 0, summary
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, summary
	}
	return n, strings.TrimSpace(priorityTagRe.ReplaceAllString(summary, ""))
}

// memberNames splits a de-tagged summary into member handles
func memberNames(summary string) []string {
	var out []string
	for _, part := range strings.Split(summary, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// expandCalendar parses an iCal document and expands every VEVENT into
// concrete occurrences over [start-extraLookupDays, end+extraLookupDays],
// filtered back to the ones overlapping [start, end]. Duplicate UIDs keep
// only the highest SEQUENCE; RECURRENCE-ID events replace the matching
// occurrence of their recurrence set.
func expandCalendar(source string, start, end time.Time) ([]rawEvent, error) {
	cal, err := ics.ParseCalendar(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	padded := extraLookupDays * 24 * time.Hour
	lookupStart := start.Add(-padded)
	lookupEnd := end.Add(padded)

	type eventDef struct {
		uid      string
		sequence int
		start    time.Time
		end      time.Time
		priority int
		members  []string
		rruleStr string
		exdates  []time.Time
		recurID  *time.Time
		created  time.Time
	}

	// Per UID: the winning base definition (max SEQUENCE) plus overrides
	bases := map[string]eventDef{}
	overrides := map[string][]eventDef{}
	var uidOrder []string

	for _, e := range cal.Events() {
		def := eventDef{uid: e.Id()}

		dtStart, err := e.GetStartAt()
		if err != nil {
			continue
		}
		dtEnd, err := e.GetEndAt()
		if err != nil || !dtEnd.After(dtStart) {
			continue
		}
		def.start = dtStart.UTC()
		def.end = dtEnd.UTC()

		if p := e.GetProperty(ics.ComponentProperty("SUMMARY")); p != nil {
			def.priority, def.members = parsePriorityWithMembers(p.Value)
		}
		if p := e.GetProperty(ics.ComponentProperty("SEQUENCE")); p != nil {
			if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
				def.sequence = n
			}
		}
		if p := e.GetProperty(ics.ComponentProperty("RRULE")); p != nil {
			def.rruleStr = p.Value
		}
		if p := e.GetProperty(ics.ComponentProperty("RECURRENCE-ID")); p != nil {
			if t, err := parseICalTime(p.Value); err == nil {
				def.recurID = &t
			}
		}
		if p := e.GetProperty(ics.ComponentProperty("CREATED")); p != nil {
			if t, err := parseICalTime(p.Value); err == nil {
				def.created = t
			}
		}
		for _, p := range e.Properties {
			switch strings.ToUpper(p.IANAToken) {
			case "EXDATE":
				for _, v := range strings.Split(p.Value, ",") {
					if t, err := parseICalTime(v); err == nil {
						def.exdates = append(def.exdates, t)
					}
				}
			case "ATTENDEE":
				handle := strings.TrimPrefix(strings.TrimSpace(p.Value), "mailto:")
				if handle != "" {
					def.members = append(def.members, handle)
				}
			}
		}

		if def.recurID != nil {
			overrides[def.uid] = append(overrides[def.uid], def)
			continue
		}
		prev, seen := bases[def.uid]
		if !seen {
			uidOrder = append(uidOrder, def.uid)
			bases[def.uid] = def
		} else if def.sequence > prev.sequence {
			bases[def.uid] = def
		}
	}

	var out []rawEvent
	for _, uid := range uidOrder {
		def := bases[uid]
		duration := def.end.Sub(def.start)

		var starts []time.Time
		if def.rruleStr == "" {
			starts = []time.Time{def.start}
		} else {
			opt, err := rrule.StrToROption(def.rruleStr)
			if err != nil {
				return nil, fmt.Errorf("invalid RRULE on event %s: %w", uid, err)
			}
			opt.Dtstart = def.start
			r, err := rrule.NewRRule(*opt)
			if err != nil {
				return nil, fmt.Errorf("invalid RRULE on event %s: %w", uid, err)
			}
			starts = r.Between(lookupStart, lookupEnd, true)
		}

	occurrences:
		for _, occStart := range starts {
			for _, ex := range def.exdates {
				if ex.Equal(occStart) {
					continue occurrences
				}
			}
			ev := rawEvent{
				UID:       uid,
				Start:     occStart,
				End:       occStart.Add(duration),
				Priority:  def.priority,
				Members:   def.members,
				Sequence:  def.sequence,
				CreatedAt: def.created,
			}
			// a RECURRENCE-ID event replaces its occurrence wholesale
			for _, ov := range overrides[uid] {
				if ov.recurID.Equal(occStart) {
					ev.Start = ov.start
					ev.End = ov.end
					ev.Priority = ov.priority
					ev.Members = ov.members
					break
				}
			}
			if ev.End.After(start) && ev.Start.Before(end) {
				out = append(out, ev)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

// parsePriorityWithMembers splits a summary into the priority tag and the
// member handles named after it
func parsePriorityWithMembers(summary string) (int, []string) {
	priority, rest := parsePriorityTag(summary)
	return priority, memberNames(rest)
}
