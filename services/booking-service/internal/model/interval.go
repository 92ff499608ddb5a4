package model

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps is the single overlap test used for every conflict decision:
// [s1,e1) and [s2,e2) overlap iff s1 < e2 && s2 < e1. Touching endpoints do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

func (i Interval) Overlaps(o Interval) bool {
	return Overlaps(i.Start, i.End, o.Start, o.End)
}

func (a Appointment) Window() Interval {
	return Interval{Start: a.Start, End: a.End}
}
