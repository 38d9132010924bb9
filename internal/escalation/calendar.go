// Package escalation decides when approval steps are overdue, walks their
// escalation chains and exposes the engine's operations.
package escalation

import (
	"fmt"
	"time"
)

// Default business day, in the calendar's location.
const (
	DefaultStartHour = 9
	DefaultEndHour   = 17
)

// Calendar describes business hours: Monday to Friday between StartHour
// (inclusive) and EndHour (exclusive), excluding holidays.
type Calendar struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	holidays  map[string]struct{}
}

// DefaultCalendar returns a 09:00-17:00 UTC calendar without holidays.
func DefaultCalendar() *Calendar {
	return &Calendar{
		Location:  time.UTC,
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		holidays:  map[string]struct{}{},
	}
}

// NewCalendar builds a calendar for an IANA zone name. Holidays are
// YYYY-MM-DD dates in that zone.
func NewCalendar(zone string, startHour, endHour int, holidays []string) (*Calendar, error) {
	loc := time.UTC
	if zone != "" {
		var err error
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("calendar time zone %q: %w", zone, err)
		}
	}
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return nil, fmt.Errorf("calendar hours %d-%d are invalid", startHour, endHour)
	}
	c := &Calendar{
		Location:  loc,
		StartHour: startHour,
		EndHour:   endHour,
		holidays:  make(map[string]struct{}, len(holidays)),
	}
	for _, h := range holidays {
		day, err := time.ParseInLocation(time.DateOnly, h, loc)
		if err != nil {
			return nil, fmt.Errorf("calendar holiday %q: %w", h, err)
		}
		c.holidays[day.Format(time.DateOnly)] = struct{}{}
	}
	return c, nil
}

// IsWeekend reports whether t falls on a Saturday or Sunday.
func (c *Calendar) IsWeekend(t time.Time) bool {
	switch t.In(c.Location).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}

// IsHoliday reports whether t falls on a configured holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.In(c.Location).Format(time.DateOnly)]
	return ok
}

// InBusinessHours reports whether t is inside a business day's working
// hours.
func (c *Calendar) InBusinessHours(t time.Time) bool {
	local := t.In(c.Location)
	if c.IsWeekend(local) || c.IsHoliday(local) {
		return false
	}
	h := local.Hour()
	return h >= c.StartHour && h < c.EndHour
}

// NextBusinessStart returns t itself when it is inside business hours,
// otherwise the start of the next business period.
func (c *Calendar) NextBusinessStart(t time.Time) time.Time {
	if c.InBusinessHours(t) {
		return t
	}
	local := t.In(c.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), c.StartHour, 0, 0, 0, c.Location)
	if !local.Before(day) {
		day = day.AddDate(0, 0, 1)
	}
	// A year of consecutive holidays is a configuration error, not a loop.
	for range 366 {
		if !c.IsWeekend(day) && !c.IsHoliday(day) {
			return day
		}
		day = day.AddDate(0, 0, 1)
	}
	return day
}
