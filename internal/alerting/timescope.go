package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"alarmguard/internal/model"
)

// Schedule is an inclusive HH:MM window that may cross midnight. The zero
// value is unset and contains every instant.
type Schedule struct {
	Start time.Duration
	End   time.Duration
	Set   bool
}

// ParseSchedule builds a schedule only when both bounds are given.
func ParseSchedule(start, end string) (Schedule, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return Schedule{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return Schedule{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Start: s, End: e, Set: true}, nil
}

func parseClock(value string) (time.Duration, error) {
	h, m, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("schedule %q: want HH:MM", value)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("schedule %q: bad hour", value)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("schedule %q: bad minute", value)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// Contains reports whether the wall clock of t falls in the schedule.
func (s Schedule) Contains(t time.Time) bool {
	if !s.Set {
		return true
	}
	tod := sinceMidnight(t)
	if s.Start <= s.End {
		return s.Start <= tod && tod <= s.End
	}
	return tod >= s.Start || tod <= s.End
}

// checkTimeScope applies a rule's time scope to a local time. def is used
// for business-hour scopes when the rule carries no schedule of its own.
func checkTimeScope(scope model.TimeScope, sched, def Schedule, local time.Time) (bool, string) {
	weekend := IsWeekend(local)
	holiday := IsHoliday(local)
	switch scope {
	case model.ScopeWeekend:
		if !weekend {
			return false, "Not a weekend"
		}
	case model.ScopeHolidays:
		if !holiday {
			return false, "Not a holiday"
		}
	case model.ScopeNight:
		in := sched.Contains(local)
		if !sched.Set {
			in = local.Hour() >= 22 || local.Hour() < 6
		}
		if !in {
			return false, "Outside night hours (schedule)"
		}
	case model.ScopeBusinessHours, model.ScopeOffBusinessHours:
		if !sched.Set {
			sched = def
		}
		business := !weekend && !holiday && sched.Contains(local)
		if scope == model.ScopeBusinessHours && !business {
			return false, "Outside business hours"
		}
		if scope == model.ScopeOffBusinessHours && business {
			return false, "Inside business hours"
		}
	}
	name := string(scope)
	if name == "" {
		name = string(model.ScopeNone)
	}
	return true, fmt.Sprintf("Time scope OK (%s)", name)
}
