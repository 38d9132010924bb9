package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendar_InBusinessHours(t *testing.T) {
	cal := DefaultCalendar()
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"wednesday morning", wednesday, true},
		{"opening minute", time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), true},
		{"before opening", time.Date(2026, 3, 4, 8, 59, 0, 0, time.UTC), false},
		{"closing hour", time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC), false},
		{"last minute", time.Date(2026, 3, 4, 16, 59, 0, 0, time.UTC), true},
		{"saturday", time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC), false},
		{"sunday", time.Date(2026, 3, 8, 11, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.InBusinessHours(tt.at))
		})
	}
}

func TestCalendar_NextBusinessStart_saturdayToMonday(t *testing.T) {
	cal := DefaultCalendar()
	saturday := time.Date(2026, 3, 7, 11, 30, 0, 0, time.UTC)

	got := cal.NextBusinessStart(saturday)

	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestCalendar_NextBusinessStart(t *testing.T) {
	cal := DefaultCalendar()
	assert.Equal(t, wednesday, cal.NextBusinessStart(wednesday), "inside hours returns the input")
	assert.Equal(t,
		time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		cal.NextBusinessStart(time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)),
		"early morning waits for opening the same day")
	assert.Equal(t,
		time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
		cal.NextBusinessStart(time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC)),
		"evening moves to the next morning")
}

func TestCalendar_holidaysAndZone(t *testing.T) {
	cal, err := NewCalendar("Africa/Nairobi", 8, 18, []string{"2026-03-09"})
	require.NoError(t, err)

	// 06:00 UTC is 09:00 in Nairobi.
	assert.True(t, cal.InBusinessHours(time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)))
	assert.False(t, cal.InBusinessHours(time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)), "18:30 local")

	monday := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsHoliday(monday))
	assert.False(t, cal.InBusinessHours(monday))

	next := cal.NextBusinessStart(time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-03-10 08:00", next.In(cal.Location).Format("2006-01-02 15:04"))
}

func TestNewCalendar_errors(t *testing.T) {
	_, err := NewCalendar("Mars/Olympus", 9, 17, nil)
	assert.Error(t, err)
	_, err = NewCalendar("UTC", 17, 9, nil)
	assert.Error(t, err)
	_, err = NewCalendar("UTC", 9, 17, []string{"03/09/2026"})
	assert.Error(t, err)
}
