// Package stats computes the per-run summary statistics reported by a sweep:
// a trailing calendar window over a daily series, then mean, sample standard
// deviation and quantiles over the values inside it.
package stats

import (
	"fmt"
	"time"
)

// DefaultTrailingYears is the length of the summary window.
const DefaultTrailingYears = 2

// Window is an inclusive date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// TrailingWindow returns the window of the given number of years ending on
// last. The start is last shifted back by years, plus one day, so a two year
// window ending 2014-06-30 starts 2012-07-01. Shifting from 29 February lands
// on the last day of February.
func TrailingWindow(last time.Time, years int) Window {
	y, m, d := last.Date()
	ty := y - years
	if dim := daysIn(m, ty); d > dim {
		d = dim
	}
	shifted := time.Date(ty, m, d, last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), last.Location())
	return Window{Start: shifted.AddDate(0, 0, 1), End: last}
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
}

// Restrict returns the values whose dates fall inside w. dates must be sorted
// ascending and parallel to values.
func (w Window) Restrict(dates []time.Time, values []float64) ([]time.Time, []float64) {
	lo := 0
	for lo < len(dates) && dates[lo].Before(w.Start) {
		lo++
	}
	hi := lo
	for hi < len(dates) && !dates[hi].After(w.End) {
		hi++
	}
	return dates[lo:hi], values[lo:hi]
}
