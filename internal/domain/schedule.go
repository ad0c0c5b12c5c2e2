package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports a rejected assignment on a ScheduleEntry or a
// rejected dialogue token. Rejected assignments never mutate the entry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// ScheduleBasis is the recurrence basis of a schedule entry.
type ScheduleBasis string

const (
	BasisDaily      ScheduleBasis = "DAILY"
	BasisDayOfWeek  ScheduleBasis = "DAY_OF_WEEK"
	BasisDayOfMonth ScheduleBasis = "DAY_OF_MONTH"
)

func (b ScheduleBasis) Valid() bool {
	switch b {
	case BasisDaily, BasisDayOfWeek, BasisDayOfMonth:
		return true
	}
	return false
}

// Weekday is a day of the week with the scheduler ordinal Monday=1 ..
// Sunday=7 (the ordinal stored in crontab day_of_week columns).
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

func (d Weekday) String() string {
	if !d.Valid() {
		return "WEEKDAY(" + strconv.Itoa(int(d)) + ")"
	}
	return weekdayNames[d-1]
}

// Weekend reports whether the day falls on a weekend.
func (d Weekday) Weekend() bool { return d == Saturday || d == Sunday }

// ParseWeekday accepts a full name ("MONDAY"), a three-letter
// abbreviation ("MON") or the ordinal ("1"), case-insensitive.
func ParseWeekday(s string) (Weekday, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		d := Weekday(n)
		if !d.Valid() {
			return 0, &ValidationError{Field: "day_of_week", Reason: "ordinal out of range: " + v}
		}
		return d, nil
	}
	for i, name := range weekdayNames {
		if v == name || (len(v) == 3 && strings.HasPrefix(name, v)) {
			return Weekday(i + 1), nil
		}
	}
	return 0, &ValidationError{Field: "day_of_week", Reason: "unknown weekday " + s}
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock parses "HH:MM" (24h). Out-of-range components are rejected.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, &ValidationError{Field: "time", Reason: "want HH:MM, got " + strings.TrimSpace(s)}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return Clock{}, &ValidationError{Field: "time", Reason: "hour is not a number"}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return Clock{}, &ValidationError{Field: "time", Reason: "minute is not a number"}
	}
	if h < 0 || h > 23 {
		return Clock{}, &ValidationError{Field: "time", Reason: "hour out of range 0-23"}
	}
	if m < 0 || m > 59 {
		return Clock{}, &ValidationError{Field: "time", Reason: "minute out of range 0-59"}
	}
	return Clock{Hour: h, Minute: m}, nil
}

// ScheduleEntry is the mutable DTO a configuration dialogue fills in:
// event kind at construction, then basis, then the basis-dependent day,
// then the time. Setters validate on assignment and leave the entry
// untouched when they reject a value.
type ScheduleEntry struct {
	eventType  EventType
	basis      ScheduleBasis
	clock      *Clock
	dayOfWeek  Weekday // 0 until set
	dayOfMonth int     // 0 until set
}

func NewScheduleEntry(t EventType) (*ScheduleEntry, error) {
	if !t.Valid() {
		return nil, &ValidationError{Field: "event_type", Reason: "unknown event type " + string(t)}
	}
	return &ScheduleEntry{eventType: t}, nil
}

func (e *ScheduleEntry) EventType() EventType { return e.eventType }
func (e *ScheduleEntry) Basis() ScheduleBasis { return e.basis }

func (e *ScheduleEntry) Time() (Clock, bool) {
	if e.clock == nil {
		return Clock{}, false
	}
	return *e.clock, true
}

func (e *ScheduleEntry) DayOfWeek() (Weekday, bool) {
	return e.dayOfWeek, e.dayOfWeek != 0
}

func (e *ScheduleEntry) DayOfMonth() (int, bool) {
	return e.dayOfMonth, e.dayOfMonth != 0
}

func (e *ScheduleEntry) SetBasis(b ScheduleBasis) error {
	if !b.Valid() {
		return &ValidationError{Field: "basis", Reason: "unknown basis " + string(b)}
	}
	e.basis = b
	return nil
}

func (e *ScheduleEntry) SetTime(c Clock) error {
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return &ValidationError{Field: "time", Reason: "out of range " + c.String()}
	}
	cp := c
	e.clock = &cp
	return nil
}

// SetDayOfWeek assigns the day for a DAY_OF_WEEK entry. Any other basis
// (including an unset one) rejects the assignment.
func (e *ScheduleEntry) SetDayOfWeek(d Weekday) error {
	if e.basis != BasisDayOfWeek {
		return &ValidationError{Field: "day_of_week", Reason: "basis " + basisLabel(e.basis) + " takes no weekday"}
	}
	if !d.Valid() {
		return &ValidationError{Field: "day_of_week", Reason: "ordinal out of range: " + strconv.Itoa(int(d))}
	}
	e.dayOfWeek = d
	return nil
}

// SetDayOfMonth assigns the day for a DAY_OF_MONTH entry, 1 to 31. The
// orchestrator stores the day as selected; months without the day skip
// that cycle (scheduler semantics).
func (e *ScheduleEntry) SetDayOfMonth(day int) error {
	if e.basis != BasisDayOfMonth {
		return &ValidationError{Field: "day_of_month", Reason: "basis " + basisLabel(e.basis) + " takes no month day"}
	}
	if day < 1 || day > 31 {
		return &ValidationError{Field: "day_of_month", Reason: "out of range 1-31: " + strconv.Itoa(day)}
	}
	e.dayOfMonth = day
	return nil
}

// Validate checks completeness before the entry is committed: basis and
// time present, and the day present exactly when the basis needs one.
func (e *ScheduleEntry) Validate() error {
	if !e.eventType.Valid() {
		return &ValidationError{Field: "event_type", Reason: "not set"}
	}
	if !e.basis.Valid() {
		return &ValidationError{Field: "basis", Reason: "not set"}
	}
	if e.clock == nil {
		return &ValidationError{Field: "time", Reason: "not set"}
	}
	switch e.basis {
	case BasisDaily:
		if e.dayOfWeek != 0 || e.dayOfMonth != 0 {
			return &ValidationError{Field: "day", Reason: "DAILY entries take no day"}
		}
	case BasisDayOfWeek:
		if e.dayOfWeek == 0 {
			return &ValidationError{Field: "day_of_week", Reason: "not set"}
		}
	case BasisDayOfMonth:
		if e.dayOfMonth == 0 {
			return &ValidationError{Field: "day_of_month", Reason: "not set"}
		}
	}
	return nil
}

func basisLabel(b ScheduleBasis) string {
	if b == "" {
		return "(unset)"
	}
	return string(b)
}
