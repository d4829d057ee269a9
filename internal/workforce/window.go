package workforce

import (
	"fmt"
	"time"

	"github.com/agenticmail/engine/internal/store"
)

const minutesPerDay = 24 * 60

// dayWindow is the effective working window for one calendar day.
// Overnight windows (start > end) span midnight into the next day.
type dayWindow struct {
	working bool
	start   int // minutes of day
	end     int
}

// windowFor resolves the working window for the schedule on one local
// date. Rule order: custom-date rule, then standard weekly pattern, then
// shift pattern.
func windowFor(s *store.WorkSchedule, local time.Time) dayWindow {
	date := local.Format("2006-01-02")
	for _, rule := range s.Config.CustomRules {
		if rule.Date != date {
			continue
		}
		if !rule.Working {
			return dayWindow{}
		}
		start, end := 0, minutesPerDay-1
		if rule.Start != "" {
			start, _ = parseHHMM(rule.Start)
		}
		if rule.End != "" {
			end, _ = parseHHMM(rule.End)
		}
		return dayWindow{working: true, start: start, end: end}
	}

	weekday := int(local.Weekday())
	switch s.ScheduleType {
	case store.ScheduleStandard:
		if p := s.Config.Standard; p != nil && containsInt(p.Days, weekday) {
			start, ok1 := parseHHMM(p.Start)
			end, ok2 := parseHHMM(p.End)
			if ok1 && ok2 {
				return dayWindow{working: true, start: start, end: end}
			}
		}
	case store.ScheduleShift:
		if p := s.Config.Shift; p != nil && containsInt(p.Days, weekday) {
			start, ok1 := parseHHMM(p.Start)
			end, ok2 := parseHHMM(p.End)
			if ok1 && ok2 {
				return dayWindow{working: true, start: start, end: end}
			}
		}
	case store.ScheduleCustom:
		// Custom schedules work only on dates with an explicit rule.
	}
	return dayWindow{}
}

// inWorkingWindow reports whether the local time falls inside the
// schedule's working hours, grace applied symmetrically at both edges.
// Overnight shifts are treated as [start,24:00) on the shift day plus
// [00:00,end) on the following day.
func inWorkingWindow(s *store.WorkSchedule, local time.Time) bool {
	grace := s.GracePeriodMinutes
	cur := local.Hour()*60 + local.Minute()

	w := windowFor(s, local)
	if w.working {
		if w.start <= w.end {
			if cur >= w.start-grace && cur < w.end+grace {
				return true
			}
		} else if cur >= w.start-grace {
			// Overnight window, evening portion.
			return true
		}
	}

	// Morning spill-over of yesterday's overnight window.
	yesterday := local.AddDate(0, 0, -1)
	yw := windowFor(s, yesterday)
	if yw.working && yw.start > yw.end && cur < yw.end+grace {
		return true
	}
	return false
}

// NextEvent describes the upcoming clock boundary for a schedule.
type NextEvent struct {
	Type string    `json:"type"` // clock_in or clock_out
	At   time.Time `json:"at"`
}

// nextEvent computes the next boundary: window end when inside, next
// window start when outside. Looks ahead two weeks.
func nextEvent(s *store.WorkSchedule, local time.Time) *NextEvent {
	cur := local.Hour()*60 + local.Minute()

	if inWorkingWindow(s, local) {
		w := windowFor(s, local)
		switch {
		case w.working && w.start <= w.end && cur < w.end:
			return &NextEvent{Type: "clock_out", At: atMinutes(local, w.end)}
		case w.working && w.start > w.end && cur >= w.start:
			// Overnight: ends tomorrow morning.
			return &NextEvent{Type: "clock_out", At: atMinutes(local.AddDate(0, 0, 1), w.end)}
		default:
			// Inside yesterday's overnight spill-over.
			yw := windowFor(s, local.AddDate(0, 0, -1))
			if yw.working && yw.start > yw.end {
				return &NextEvent{Type: "clock_out", At: atMinutes(local, yw.end)}
			}
		}
		return nil
	}

	for d := 0; d < 14; d++ {
		day := local.AddDate(0, 0, d)
		w := windowFor(s, day)
		if !w.working {
			continue
		}
		if d == 0 && cur >= w.start {
			continue
		}
		return &NextEvent{Type: "clock_in", At: atMinutes(day, w.start)}
	}
	return nil
}

func atMinutes(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, day.Location())
}

func parseHHMM(v string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
