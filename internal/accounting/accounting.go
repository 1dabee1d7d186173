// Package accounting maps instants to accounting dates. An accounting day
// runs from 04:00 local time to 04:00 the next morning, so activity between
// midnight and the cutoff counts toward the previous day.
package accounting

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

const (
	// CutoffHour is the local hour at which a new accounting day starts.
	CutoffHour = 4

	// canonicalHour is the local hour used when an accounting date has to be
	// turned back into an instant for the remote service. It must be at or
	// after CutoffHour so that Date(Instant(d)) == d.
	canonicalHour = 12
)

// Date returns the accounting date of instant in loc.
func Date(instant time.Time, loc *time.Location) civil.Date {
	local := instant.In(loc)
	d := civil.DateOf(local)
	if local.Hour() < CutoffHour {
		d = d.AddDays(-1)
	}
	return d
}

// Parse parses a YYYY-MM-DD accounting date.
func Parse(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("Parse: invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return d, nil
}

// Instant returns the instant a datapoint for date is stamped with remotely.
func Instant(date civil.Date, loc *time.Location) time.Time {
	return civil.DateTime{
		Date: date,
		Time: civil.Time{Hour: canonicalHour},
	}.In(loc)
}

// Resolve returns the accounting date of a run and the instant recorded with
// its event. Without an explicit date both derive from now. An explicit date
// is taken as the accounting date itself and the event instant is that date
// at now's local time of day.
func Resolve(explicit *civil.Date, now time.Time, loc *time.Location) (civil.Date, time.Time) {
	now = now.In(loc)
	if explicit == nil {
		return Date(now, loc), now
	}
	return *explicit, civil.DateTime{
		Date: *explicit,
		Time: civil.TimeOf(now),
	}.In(loc)
}
