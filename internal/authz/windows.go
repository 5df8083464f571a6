package authz

import "time"

// Frequency windows are aligned to the user's local calendar: the day
// starts at local midnight and the week on Monday 00:00.

// StartOfDay returns local midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// StartOfNextDay returns local midnight of the day after t.
func StartOfNextDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc)
}

// StartOfWeek returns Monday 00:00 of t's ISO week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	offset := (int(l.Weekday()) + 6) % 7
	return time.Date(l.Year(), l.Month(), l.Day()-offset, 0, 0, 0, 0, loc)
}

// StartOfNextWeek returns Monday 00:00 of the week after t.
func StartOfNextWeek(t time.Time, loc *time.Location) time.Time {
	s := StartOfWeek(t, loc)
	return time.Date(s.Year(), s.Month(), s.Day()+7, 0, 0, 0, 0, loc)
}

// StartOfMonth returns the first day of t's month at 00:00 in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, loc)
}

// Windows holds the frequency window bounds around an instant.
type Windows struct {
	DayStart  time.Time
	DayEnd    time.Time
	WeekStart time.Time
	WeekEnd   time.Time
}

// WindowsAt returns the day and week windows containing t.
func WindowsAt(t time.Time, loc *time.Location) Windows {
	return Windows{
		DayStart:  StartOfDay(t, loc),
		DayEnd:    StartOfNextDay(t, loc),
		WeekStart: StartOfWeek(t, loc),
		WeekEnd:   StartOfNextWeek(t, loc),
	}
}

// SameDay reports whether a and b fall on the same local day.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}

// SameWeek reports whether a and b fall in the same local ISO week.
func SameWeek(a, b time.Time, loc *time.Location) bool {
	return StartOfWeek(a, loc).Equal(StartOfWeek(b, loc))
}
