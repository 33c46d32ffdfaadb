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

// Recurrence is a bounded or unbounded ordered sequence of Points used
// to materialize task proxies. It is built by parsing one of the
// reduced ISO 8601 recurrence forms ("R[n]/start/period", "P1D",
// "T00,T12") for Datetime cycling, or the integer form "P[n]" (step
// size n, no offset form) for integer cycling.
type Recurrence struct {
	calendar Calendar

	// isoStart, isoPeriod, and repeatLimit describe a "R[n]/start/period"
	// form. repeatLimit <= 0 means unbounded.
	isoStart    *Point
	isoPeriod   Duration
	repeatLimit int

	// integerStep is the step for integer cycling ("P[n]").
	integerStep int64
	integerBase int64

	// todHours, when non-empty, restricts a Datetime recurrence to a
	// fixed set of times-of-day each day (the "T00,T12" reduced form).
	todHours []int
}

// ParseRecurrence parses a recurrence expression for the given
// calendar. It takes no initial or final cycle point; the caller
// clips iteration to the workflow's bounds.
func ParseRecurrence(expr string, cal Calendar) (*Recurrence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cycle: empty recurrence")
	}

	if cal == IntegerCalendar {
		return parseIntegerRecurrence(expr)
	}

	// Reduced "T00,T12" time-of-day form.
	if strings.HasPrefix(expr, "T") && !strings.Contains(expr, "/") {
		return parseTimeOfDay(expr, cal)
	}

	// "R[n]/start/period" form, with start and/or n optional.
	if strings.HasPrefix(expr, "R") {
		return parseISORecurrence(expr, cal)
	}

	// Bare "P1D" form: every period, unbounded, no explicit start (the
	// caller anchors it at the workflow's initial cycle point).
	period, err := ParseDuration(expr)
	if err != nil {
		return nil, fmt.Errorf("cycle: recurrence %q: %w", expr, err)
	}
	return &Recurrence{calendar: cal, isoPeriod: period, repeatLimit: -1}, nil
}

func parseIntegerRecurrence(expr string) (*Recurrence, error) {
	if !strings.HasPrefix(expr, "P") {
		return nil, fmt.Errorf("cycle: integer recurrence %q must start with P", expr)
	}
	n, err := strconv.ParseInt(expr[1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cycle: integer recurrence %q: %w", expr, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("cycle: integer recurrence step must be positive, got %d", n)
	}
	return &Recurrence{calendar: IntegerCalendar, integerStep: n, repeatLimit: -1}, nil
}

func parseISORecurrence(expr string, cal Calendar) (*Recurrence, error) {
	parts := strings.SplitN(expr, "/", 3)
	repeatStr := strings.TrimPrefix(parts[0], "R")

	limit := -1
	if repeatStr != "" {
		n, err := strconv.Atoi(repeatStr)
		if err != nil {
			return nil, fmt.Errorf("cycle: recurrence %q: bad repeat count: %w", expr, err)
		}
		limit = n
	}

	r := &Recurrence{calendar: cal, repeatLimit: limit}

	switch len(parts) {
	case 2:
		// "R[n]/period" with implicit start.
		period, err := ParseDuration(parts[1])
		if err != nil {
			return nil, fmt.Errorf("cycle: recurrence %q: %w", expr, err)
		}
		r.isoPeriod = period
	case 3:
		start, err := ParseDatetime("", parts[1], cal, nil)
		if err != nil {
			return nil, fmt.Errorf("cycle: recurrence %q: bad start: %w", expr, err)
		}
		period, err := ParseDuration(parts[2])
		if err != nil {
			return nil, fmt.Errorf("cycle: recurrence %q: %w", expr, err)
		}
		r.isoStart = &start
		r.isoPeriod = period
	default:
		return nil, fmt.Errorf("cycle: malformed recurrence %q", expr)
	}
	return r, nil
}

func parseTimeOfDay(expr string, cal Calendar) (*Recurrence, error) {
	fields := strings.Split(strings.TrimPrefix(expr, "T"), ",T")
	hours := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "T")
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("cycle: time-of-day recurrence %q: %w", expr, err)
		}
		hours = append(hours, n)
	}
	return &Recurrence{calendar: cal, todHours: hours, repeatLimit: -1}, nil
}

// Next returns the first Point strictly after p that belongs to the
// recurrence, or ok=false if the recurrence is exhausted (bounded by
// repeatLimit) or p's kind doesn't match the recurrence's calendar.
func (r *Recurrence) Next(p Point) (Point, bool) {
	if len(r.todHours) > 0 {
		return r.nextTimeOfDay(p)
	}
	if r.calendar == IntegerCalendar {
		if p.Kind != KindInteger {
			return Point{}, false
		}
		next := p.Int + r.integerStep
		return NewInteger(next), true
	}

	start := p
	if r.isoStart != nil && r.isoStart.After(p) {
		start = *r.isoStart
	}
	next := start.Add(r.isoPeriod)
	if !next.After(p) {
		// Guard against a zero-length period looping forever.
		if r.isoPeriod.IsZero() {
			return Point{}, false
		}
		next = p.Add(r.isoPeriod)
	}
	if r.repeatLimit > 0 && r.isoStart != nil {
		last := *r.isoStart
		for i := 1; i < r.repeatLimit; i++ {
			last = last.Add(r.isoPeriod)
		}
		if next.After(last) {
			return Point{}, false
		}
	}
	return next, true
}

func (r *Recurrence) nextTimeOfDay(p Point) (Point, bool) {
	if p.Kind != KindDatetime {
		return Point{}, false
	}
	best := Point{}
	found := false
	for _, h := range r.todHours {
		candidate := NewDatetime(
			dateAtHour(p.Time, h), p.Calendar, p.YearDigits,
		)
		if !candidate.After(p) {
			candidate = NewDatetime(dateAtHour(p.Time.AddDate(0, 0, 1), h), p.Calendar, p.YearDigits)
		}
		if !found || candidate.Before(best) {
			best, found = candidate, true
		}
	}
	return best, found
}

func dateAtHour(t time.Time, h int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, t.Location())
}

// PreviousOrEqual returns the latest Point in the recurrence that is
// at or before p, or ok=false if none exists (e.g. p precedes the
// recurrence's start).
func (r *Recurrence) PreviousOrEqual(p Point) (Point, bool) {
	if r.calendar == IntegerCalendar {
		if p.Kind != KindInteger {
			return Point{}, false
		}
		base := r.integerBase
		offset := (p.Int - base) % r.integerStep
		if offset < 0 {
			offset += r.integerStep
		}
		return NewInteger(p.Int - offset), true
	}

	if r.isoStart != nil && r.isoStart.After(p) {
		return Point{}, false
	}

	cur := p
	if r.isoStart != nil {
		cur = *r.isoStart
	}
	// Walk forward from start (or p itself for unanchored recurrences)
	// until we'd overshoot p, then back off one step.
	prev := cur
	for {
		next, ok := r.Next(cur)
		if !ok || next.After(p) {
			break
		}
		prev = next
		cur = next
	}
	if prev.Equal(p) || prev.Before(p) {
		return prev, true
	}
	return Point{}, false
}
