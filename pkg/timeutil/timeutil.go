// Package timeutil converts "HH:MM" clock strings to minute offsets and compares lesson intervals.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
)

const minutesPerDay = 24 * 60

// Teaching days in calendar order. Saturday is not a lesson day.
var Days = []string{"SUNDAY", "MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY"}

// Durations lists the bookable lesson lengths in minutes.
var Durations = []int{30, 45, 60}

// ToMinutes parses "HH:MM" into minutes since midnight.
func ToMinutes(clock string) (int, error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", clock)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", clock)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return h*60 + m, nil
}

// FromMinutes formats minutes as "HH:MM", wrapping within a day.
func FromMinutes(minutes int) string {
	minutes %= minutesPerDay
	if minutes < 0 {
		minutes += minutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// EndTime returns start plus duration as a clock string.
func EndTime(start string, duration int) (string, error) {
	s, err := ToMinutes(start)
	if err != nil {
		return "", err
	}
	return FromMinutes(s + duration), nil
}

// Interval returns the half-open minute interval [start, start+duration).
// The end is not wrapped so late slots still compare correctly.
func Interval(start string, duration int) (int, int, error) {
	s, err := ToMinutes(start)
	if err != nil {
		return 0, 0, err
	}
	return s, s + duration, nil
}

// Overlaps reports whether [aStart,aEnd) and [bStart,bEnd) intersect.
// Touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}

// ValidDuration reports whether minutes is a bookable lesson length.
func ValidDuration(minutes int) bool {
	for _, d := range Durations {
		if d == minutes {
			return true
		}
	}
	return false
}

// ValidDay reports whether day is a teaching day.
func ValidDay(day string) bool {
	return DayIndex(day) >= 0
}

// DayIndex returns the position of day in the teaching week, or -1.
func DayIndex(day string) int {
	for i, d := range Days {
		if d == day {
			return i
		}
	}
	return -1
}
