package model

import (
	"testing"
	"time"
)

func TestOverlapsIsHalfOpen(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 1, 20, h, m, 0, 0, time.UTC) }
	cases := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"touching end to start", Interval{at(9, 30), at(10, 0)}, Interval{at(10, 0), at(10, 30)}, false},
		{"touching start to end", Interval{at(10, 30), at(11, 0)}, Interval{at(10, 0), at(10, 30)}, false},
		{"partial overlap", Interval{at(10, 0), at(10, 30)}, Interval{at(10, 15), at(10, 45)}, true},
		{"contained", Interval{at(9, 0), at(12, 0)}, Interval{at(10, 0), at(10, 30)}, true},
		{"identical", Interval{at(10, 0), at(10, 30)}, Interval{at(10, 0), at(10, 30)}, true},
		{"disjoint", Interval{at(8, 0), at(9, 0)}, Interval{at(10, 0), at(11, 0)}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Fatalf("%s (swapped): expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
