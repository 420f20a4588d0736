package schedule

import "time"

// Next computes the next fire time strictly after now.
//
// It returns ok=false when the rule is disabled or paused, when the rule is
// malformed, or when no valid occurrence exists before EndAt. Identical
// (rule, now) inputs always yield identical output.
func Next(r Rule, now time.Time) (time.Time, bool) {
	if !r.Enabled || r.Paused {
		return time.Time{}, false
	}
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)

	var next time.Time
	switch r.Kind {
	case KindDaily:
		next = r.nextDaily(local)
	case KindWeekly:
		next = r.nextWeekly(local)
	case KindMonthly:
		next = r.nextMonthly(local)
	case KindCustom:
		next = r.nextCustom(now)
	default:
		return time.Time{}, false
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	if !r.EndAt.IsZero() && !next.Before(r.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

func (r Rule) atOn(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), r.At.Hour, r.At.Minute, 0, 0, day.Location())
}

func (r Rule) nextDaily(now time.Time) time.Time {
	at := r.atOn(now)
	if at.After(now) {
		return at
	}
	return r.atOn(now.AddDate(0, 0, 1))
}

func (r Rule) nextWeekly(now time.Time) time.Time {
	if len(r.DaysOfWeek) == 0 {
		return time.Time{}
	}
	// Day-by-day forward scan. Offset 7 covers "only today's weekday is
	// selected and today's time already passed".
	for off := 0; off <= 7; off++ {
		day := now.AddDate(0, 0, off)
		if !r.hasWeekday(day.Weekday()) {
			continue
		}
		at := r.atOn(day)
		if at.After(now) {
			return at
		}
	}
	return time.Time{}
}

func (r Rule) nextMonthly(now time.Time) time.Time {
	year, month := now.Year(), now.Month()
	// Day 31 recurs at most seven months apart; 24 is a safe scan bound.
	for i := 0; i < 24; i++ {
		last := daysIn(year, month, now.Location())
		day := int(r.DayOfMonth)
		if r.DayOfMonth == Last {
			day = last
		}
		if day <= last {
			at := time.Date(year, month, day, r.At.Hour, r.At.Minute, 0, 0, now.Location())
			if at.After(now) {
				return at
			}
		}
		// Target day absent from this month (e.g. 31st in April) or already
		// passed: advance to the first following month that works.
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}
}

// nextCustom is pure interval arithmetic in absolute time; the rule's
// timezone is irrelevant here.
func (r Rule) nextCustom(now time.Time) time.Time {
	if r.Interval <= 0 || r.Anchor.IsZero() {
		return time.Time{}
	}
	if now.Before(r.Anchor) {
		return r.Anchor
	}
	// First multiple of Interval strictly after now, measured from Anchor.
	steps := now.Sub(r.Anchor)/r.Interval + 1
	return r.Anchor.Add(steps * r.Interval)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
