package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var anchor = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestComputeBoundaryIsNotOverdue(t *testing.T) {
	at := anchor.Add(7 * Day)
	w := Compute(anchor, 7, Days, at)
	assert.False(t, w.Overdue)
	assert.Equal(t, time.Duration(0), w.Remaining)
	assert.Equal(t, 7*Day, w.Elapsed)

	w = Compute(anchor, 7, Days, at.Add(time.Second))
	assert.True(t, w.Overdue)
	assert.Equal(t, time.Second, w.Late)
}

func TestComputeHours(t *testing.T) {
	w := Compute(anchor, 48, Hours, anchor.Add(30*time.Hour))
	assert.False(t, w.Overdue)
	assert.Equal(t, 18*time.Hour, w.Remaining)
	assert.Equal(t, anchor.Add(48*time.Hour), w.Deadline)
}

func TestComputeBeforeAnchor(t *testing.T) {
	w := Compute(anchor, 1, Days, anchor.Add(-time.Hour))
	assert.Equal(t, time.Duration(0), w.Elapsed)
	assert.Equal(t, 25*time.Hour, w.Remaining)
	assert.False(t, w.Overdue)
}

func TestDaysOpenFloors(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same instant", anchor, 0},
		{"just under a day", anchor.Add(Day - time.Nanosecond), 0},
		{"exactly a day", anchor.Add(Day), 1},
		{"ten and a half days", anchor.Add(10*Day + 12*time.Hour), 10},
		{"clock skew", anchor.Add(-time.Minute), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DaysOpen(anchor, tc.now))
		})
	}
}

func TestOverdueMatchesCompute(t *testing.T) {
	for _, offset := range []time.Duration{0, time.Hour, 2 * Day, 2*Day + time.Nanosecond} {
		now := anchor.Add(offset)
		assert.Equal(t, Compute(anchor, 2, Days, now).Overdue, Overdue(anchor, 2, Days, now), offset)
	}
}
