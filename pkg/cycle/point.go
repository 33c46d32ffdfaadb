// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cycle implements the cycling coordinate system: CyclePoint
// ordering/arithmetic and Recurrence iteration. Low-level date-time
// parsing and duration arithmetic are realized directly on the
// standard library's time package rather than a third-party ISO 8601
// library, since no example repo in the retrieval pack ships one —
// see DESIGN.md for the justification.
package cycle

import (
	"fmt"
	"time"
)

// Calendar selects the arithmetic rules a Datetime Point obeys.
type Calendar int

const (
	// Gregorian is the proleptic Gregorian calendar (default).
	Gregorian Calendar = iota
	// Day360 treats every month as 30 days (12 x 30 = 360 day years).
	Day360
	// Day365 is a fixed 365-day calendar with no leap years.
	Day365
	// Day366 is a fixed 366-day calendar (every year a leap year).
	Day366
	// IntegerCalendar marks a Point as an integer coordinate; it never
	// compares against a Datetime Point.
	IntegerCalendar
)

func (c Calendar) String() string {
	switch c {
	case Gregorian:
		return "gregorian"
	case Day360:
		return "360day"
	case Day365:
		return "365day"
	case Day366:
		return "366day"
	case IntegerCalendar:
		return "integer"
	default:
		return "unknown"
	}
}

// Kind distinguishes the two Point representations.
type Kind int

const (
	// KindDatetime is a (time, calendar) coordinate.
	KindDatetime Kind = iota
	// KindInteger is a plain integer coordinate.
	KindInteger
)

// Point is a cycle coordinate: either a calendar date-time or an
// integer. The two kinds never compare; see CalendarMismatchError.
type Point struct {
	Kind Kind

	// Datetime fields, valid when Kind == KindDatetime.
	Time       time.Time
	Calendar   Calendar
	YearDigits int // expanded-year-digits, 0 means the default 4

	// Integer field, valid when Kind == KindInteger.
	Int int64
}

// CalendarMismatchError is returned whenever two Points of different
// Kind (or, for Datetime Points, different Calendar) are compared or
// combined.
type CalendarMismatchError struct {
	A, B string
}

func (e *CalendarMismatchError) Error() string {
	return fmt.Sprintf("cycle: calendar mismatch comparing %s and %s", e.A, e.B)
}

// NewDatetime builds a Datetime Point in the given calendar.
func NewDatetime(t time.Time, cal Calendar, yearDigits int) Point {
	return Point{Kind: KindDatetime, Time: t, Calendar: cal, YearDigits: yearDigits}
}

// NewInteger builds an Integer Point.
func NewInteger(n int64) Point {
	return Point{Kind: KindInteger, Int: n}
}

func (p Point) describe() string {
	if p.Kind == KindInteger {
		return "integer"
	}
	return p.Calendar.String()
}

// Cmp orders two Points of the same kind/calendar. It returns -1, 0,
// or 1, or a *CalendarMismatchError if the Points are not comparable.
func (p Point) Cmp(other Point) (int, error) {
	if p.Kind != other.Kind || (p.Kind == KindDatetime && p.Calendar != other.Calendar) {
		return 0, &CalendarMismatchError{A: p.describe(), B: other.describe()}
	}
	if p.Kind == KindInteger {
		switch {
		case p.Int < other.Int:
			return -1, nil
		case p.Int > other.Int:
			return 1, nil
		default:
			return 0, nil
		}
	}
	switch {
	case p.Time.Before(other.Time):
		return -1, nil
	case p.Time.After(other.Time):
		return 1, nil
	default:
		return 0, nil
	}
}

// Equal reports whether two Points are the same coordinate. Points of
// mismatched kind/calendar are never equal.
func (p Point) Equal(other Point) bool {
	c, err := p.Cmp(other)
	return err == nil && c == 0
}

// Before reports whether p sorts strictly before other.
func (p Point) Before(other Point) bool {
	c, err := p.Cmp(other)
	return err == nil && c < 0
}

// After reports whether p sorts strictly after other.
func (p Point) After(other Point) bool {
	c, err := p.Cmp(other)
	return err == nil && c > 0
}

// Add returns p shifted by d. For Datetime Points the shift respects
// the Point's Calendar (see Duration.addTo); for Integer Points only
// d.Steps is applied.
func (p Point) Add(d Duration) Point {
	if p.Kind == KindInteger {
		return NewInteger(p.Int + d.Steps)
	}
	return NewDatetime(d.addTo(p.Time, p.Calendar), p.Calendar, p.YearDigits)
}

// Sub returns the Duration between p and other (p - other). For
// Datetime Points this is a calendar-naive elapsed duration; for
// Integer Points it is the difference in steps. Returns an error on
// calendar mismatch.
func (p Point) Sub(other Point) (Duration, error) {
	if p.Kind != other.Kind || (p.Kind == KindDatetime && p.Calendar != other.Calendar) {
		return Duration{}, &CalendarMismatchError{A: p.describe(), B: other.describe()}
	}
	if p.Kind == KindInteger {
		return Duration{Steps: p.Int - other.Int}, nil
	}
	return Duration{Elapsed: p.Time.Sub(other.Time)}, nil
}

// Format renders a Point as text. Datetime Points use RFC 3339 with
// the configured year-digit expansion left to the caller (the
// scheduler only ever expands years beyond 4 digits for far-future
// cycling, which is rare enough not to warrant bespoke formatting
// here); Integer Points render as a plain decimal.
func (p Point) Format() string {
	if p.Kind == KindInteger {
		return fmt.Sprintf("%d", p.Int)
	}
	return p.Time.Format(time.RFC3339)
}

func (p Point) String() string { return p.Format() }

// ParseDatetime parses text as a Datetime Point in the given calendar
// and timezone. format follows time.Parse's reference-time layout; an
// empty format defaults to RFC 3339.
func ParseDatetime(format, text string, cal Calendar, loc *time.Location) (Point, error) {
	if format == "" {
		format = time.RFC3339
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(format, text, loc)
	if err != nil {
		return Point{}, fmt.Errorf("cycle: parse datetime %q: %w", text, err)
	}
	return NewDatetime(t, cal, 0), nil
}

// ParseInteger parses text as an Integer Point.
func ParseInteger(text string) (Point, error) {
	var n int64
	if _, err := fmt.Sscanf(text, "%d", &n); err != nil {
		return Point{}, fmt.Errorf("cycle: parse integer point %q: %w", text, err)
	}
	return NewInteger(n), nil
}
