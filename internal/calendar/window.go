package calendar

import (
	"fmt"
	"time"
)

// DayWindow returns the [start, end) bounds of the calendar day named by the
// ISO date in the given location. Listing events inside this window finds
// everything that touches the local day, all-day and timed alike.
func DayWindow(date string, loc *time.Location) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// OnDay reports whether the event falls on the ISO date in the given
// location. All-day events match by their start date string; timed events by
// the local day their start instant lands on.
func OnDay(ev Event, date string, loc *time.Location) bool {
	if ev.StartDate != "" {
		return ev.StartDate == date
	}
	if !ev.StartDateTime.IsZero() {
		return ev.StartDateTime.In(loc).Format("2006-01-02") == date
	}
	return false
}
