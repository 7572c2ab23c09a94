// Package deadline turns an anchor timestamp and an SLA into elapsed,
// remaining and overdue facts. Everything here is pure.
package deadline

import "time"

type Unit int

const (
	Days Unit = iota
	Hours
)

const Day = 24 * time.Hour

func (u Unit) Duration() time.Duration {
	if u == Hours {
		return time.Hour
	}
	return Day
}

func (u Unit) String() string {
	if u == Hours {
		return "hours"
	}
	return "days"
}

type Window struct {
	Deadline  time.Time     `json:"deadline"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
	Late      time.Duration `json:"late"`
	Overdue   bool          `json:"overdue"`
}

// Compute evaluates an SLA of count units anchored at createdAt.
// The instant exactly at the deadline is not overdue.
func Compute(createdAt time.Time, count int, unit Unit, now time.Time) Window {
	deadline := Add(createdAt, count, unit)
	w := Window{
		Deadline: deadline,
		Elapsed:  now.Sub(createdAt),
		Overdue:  now.After(deadline),
	}
	if w.Elapsed < 0 {
		w.Elapsed = 0
	}
	if w.Overdue {
		w.Late = now.Sub(deadline)
	} else {
		w.Remaining = deadline.Sub(now)
	}
	return w
}

// Add returns the instant count units after t.
func Add(t time.Time, count int, unit Unit) time.Time {
	return t.Add(time.Duration(count) * unit.Duration())
}

// Overdue is shorthand for Compute(...).Overdue.
func Overdue(createdAt time.Time, count int, unit Unit, now time.Time) bool {
	return now.After(Add(createdAt, count, unit))
}

// FloorDays truncates a duration to whole days; negative input yields 0.
func FloorDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / Day)
}

// DaysOpen is the number of whole days between createdAt and now.
func DaysOpen(createdAt, now time.Time) int {
	return FloorDays(now.Sub(createdAt))
}
