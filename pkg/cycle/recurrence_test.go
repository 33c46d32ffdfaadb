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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntegerRecurrenceNext(t *testing.T) {
	r, err := ParseRecurrence("P1", IntegerCalendar)
	require.NoError(t, err)

	p := NewInteger(1)
	next, ok := r.Next(p)
	require.True(t, ok)
	require.Equal(t, int64(2), next.Int)
}

func TestDatetimeRecurrenceNext(t *testing.T) {
	r, err := ParseRecurrence("P1D", Gregorian)
	require.NoError(t, err)

	start := NewDatetime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Gregorian, 0)
	next, ok := r.Next(start)
	require.True(t, ok)
	require.Equal(t, "2020-01-02T00:00:00Z", next.Format())
}

func TestCalendarMismatch(t *testing.T) {
	a := NewInteger(1)
	b := NewDatetime(time.Now(), Gregorian, 0)
	_, err := a.Cmp(b)
	require.Error(t, err)
	var mismatch *CalendarMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestDurationRoundTrip(t *testing.T) {
	d, err := ParseDuration("P1Y2M3DT4H5M6S")
	require.NoError(t, err)
	require.Equal(t, "P1Y2M3DT4H5M6S", d.String())
}

func TestISORecurrenceWithStart(t *testing.T) {
	r, err := ParseRecurrence("R/2020-01-01T00:00:00Z/P1D", Gregorian)
	require.NoError(t, err)

	p := NewDatetime(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), Gregorian, 0)
	prev, ok := r.PreviousOrEqual(p)
	require.False(t, ok, "p precedes the recurrence start")

	after := NewDatetime(time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC), Gregorian, 0)
	prev, ok = r.PreviousOrEqual(after)
	require.True(t, ok)
	require.Equal(t, "2020-01-05T00:00:00Z", prev.Format())
}
