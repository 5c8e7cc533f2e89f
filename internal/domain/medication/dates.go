package medication

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used for taken records, purchase
// dates and the reduction marker.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed date %q", ErrInvalidInput, s)
	}
	return t, nil
}

// FormatDate renders t's calendar date in its own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return FormatDate(now.In(loc))
}

// StartOfYear returns January 1 of year as a calendar date.
func StartOfYear(year int) string {
	return fmt.Sprintf("%04d-01-01", year)
}
