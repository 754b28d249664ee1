package fhir

import (
	"fmt"
	"strings"
	"time"
)

// MinTime and MaxTime bound open-ended periods.
var (
	MinTime = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTime = time.Date(9999, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

// DateRange is an inclusive [Start, End] interval. An instant has Start == End.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether o lies entirely within r.
func (r DateRange) Contains(o DateRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

type datePrecision struct {
	layout string
	span   func(time.Time) time.Time
}

// Values with fractional seconds are instants.
var instantLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// Layouts ordered from most to least precise. time.Parse accepts a fraction
// after the seconds even when the layout has none, so these are only tried
// on values without one.
var datePrecisions = []datePrecision{
	{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04Z07:00", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

// ParseDateRange parses a FHIR date, dateTime or instant into the range it
// covers at its stated precision: "2023" spans the whole year, "2023-03-04"
// the whole day, "2023-03-04T10:00:00Z" the whole second, and a value with
// fractional seconds is a single instant. Values without a zone are read as
// UTC. Range ends are at microsecond resolution, matching stored timestamps.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		for _, layout := range instantLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return DateRange{Start: t, End: t}, nil
			}
		}
		return DateRange{}, fmt.Errorf("unable to parse date: %s", s)
	}
	for _, p := range datePrecisions {
		t, err := time.Parse(p.layout, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		return DateRange{Start: t, End: p.span(t).Add(-time.Microsecond)}, nil
	}
	return DateRange{}, fmt.Errorf("unable to parse date: %s", s)
}

// PeriodRange builds the range of a Period. Missing ends are open and
// extend to MinTime / MaxTime.
func PeriodRange(start, end string) (DateRange, error) {
	r := DateRange{Start: MinTime, End: MaxTime}
	if start == "" && end == "" {
		return r, fmt.Errorf("empty period")
	}
	if start != "" {
		s, err := ParseDateRange(start)
		if err != nil {
			return r, err
		}
		r.Start = s.Start
	}
	if end != "" {
		e, err := ParseDateRange(end)
		if err != nil {
			return r, err
		}
		r.End = e.End
	}
	if r.End.Before(r.Start) {
		return r, fmt.Errorf("period end %s before start %s", end, start)
	}
	return r, nil
}
