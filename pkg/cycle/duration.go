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

package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a calendar-aware ISO 8601 duration ("PnYnMnDTnHnMnS") for
// Datetime Points, or a plain step count for Integer Points. Only one
// of the two representations is meaningful at a time, selected by the
// Point kind it is applied to.
type Duration struct {
	Years, Months, Days   int
	Hours, Minutes, Secs  int
	Elapsed               time.Duration // set by Point.Sub for Datetime Points
	Steps                 int64         // integer-cycling step count
}

// ParseDuration parses an ISO 8601 duration string, e.g. "P1D",
// "PT12H", "P1Y2M3DT4H5M6S". Integer cycling durations use the bare
// "P[n]" form and populate Steps.
func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return Duration{}, fmt.Errorf("cycle: empty duration")
	}
	if !strings.HasPrefix(s, "P") {
		return Duration{}, fmt.Errorf("cycle: duration %q must start with P", s)
	}
	rest := s[1:]

	// Integer cycling form: P[n] with no date/time designators.
	if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
		return Duration{Steps: n}, nil
	}

	datePart, timePart, hasTime := strings.Cut(rest, "T")
	d := Duration{}

	if err := scanDesignators(datePart, map[byte]*int{
		'Y': &d.Years,
		'M': &d.Months,
		'D': &d.Days,
	}); err != nil {
		return Duration{}, fmt.Errorf("cycle: parse duration %q: %w", s, err)
	}

	if hasTime {
		if err := scanDesignators(timePart, map[byte]*int{
			'H': &d.Hours,
			'M': &d.Minutes,
			'S': &d.Secs,
		}); err != nil {
			return Duration{}, fmt.Errorf("cycle: parse duration %q: %w", s, err)
		}
	}

	return d, nil
}

// scanDesignators walks a run of "<number><letter>" pairs, assigning
// each matched letter's pointer. Unrecognized letters are an error.
func scanDesignators(s string, dst map[byte]*int) error {
	num := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num.WriteByte(c)
			continue
		}
		ptr, ok := dst[c]
		if !ok {
			return fmt.Errorf("unrecognized designator %q", c)
		}
		if num.Len() == 0 {
			return fmt.Errorf("missing number before designator %q", c)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return err
		}
		*ptr = n
		num.Reset()
	}
	if num.Len() > 0 {
		return fmt.Errorf("trailing number %q with no designator", num.String())
	}
	return nil
}

// String renders the duration back to ISO 8601 form.
func (d Duration) String() string {
	if d.Steps != 0 && d.Years == 0 && d.Months == 0 && d.Days == 0 &&
		d.Hours == 0 && d.Minutes == 0 && d.Secs == 0 {
		return fmt.Sprintf("P%d", d.Steps)
	}
	var b strings.Builder
	b.WriteByte('P')
	writeDesignator(&b, d.Years, 'Y')
	writeDesignator(&b, d.Months, 'M')
	writeDesignator(&b, d.Days, 'D')
	if d.Hours != 0 || d.Minutes != 0 || d.Secs != 0 {
		b.WriteByte('T')
		writeDesignator(&b, d.Hours, 'H')
		writeDesignator(&b, d.Minutes, 'M')
		writeDesignator(&b, d.Secs, 'S')
	}
	out := b.String()
	if out == "P" {
		return "PT0S"
	}
	return out
}

func writeDesignator(b *strings.Builder, n int, suffix byte) {
	if n == 0 {
		return
	}
	fmt.Fprintf(b, "%d%c", n, suffix)
}

// addTo applies the duration to t under the given calendar.
func (d Duration) addTo(t time.Time, cal Calendar) time.Time {
	switch cal {
	case Day360:
		return addFixedCalendar(t, d, 30, 360)
	case Day365:
		return addFixedCalendar(t, d, 0, 365)
	case Day366:
		return addFixedCalendar(t, d, 0, 366)
	default: // Gregorian
		t = t.AddDate(d.Years, d.Months, d.Days)
		return t.Add(time.Duration(d.Hours)*time.Hour +
			time.Duration(d.Minutes)*time.Minute +
			time.Duration(d.Secs)*time.Second)
	}
}

// addFixedCalendar approximates calendar arithmetic for the
// fixed-length calendars Cylc-style schedulers use for idealized
// climate-model cycling: every month is monthDays long (0 means
// "months collapse into the day count directly") and every year is
// yearDays long.
func addFixedCalendar(t time.Time, d Duration, monthDays, yearDays int) time.Time {
	totalDays := d.Days
	if monthDays > 0 {
		totalDays += d.Months * monthDays
	} else {
		totalDays += d.Months * (yearDays / 12)
	}
	totalDays += d.Years * yearDays
	t = t.AddDate(0, 0, totalDays)
	return t.Add(time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Secs)*time.Second)
}

// IsZero reports whether the duration carries no offset at all.
func (d Duration) IsZero() bool {
	return d == Duration{}
}
