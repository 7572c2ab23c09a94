package domain

import (
	"time"

	"suasflow/internal/deadline"
)

// Window returns the SLA window of the referral, anchored at its creation.
func (r Referral) Window(now time.Time) deadline.Window {
	return deadline.Compute(r.CreatedAt, r.DeadlineDays, deadline.Days, now)
}

// IsOverdue is true while the referral awaits feedback past its deadline.
func (r Referral) IsOverdue(now time.Time) bool {
	return r.Status.AwaitingFeedback() && deadline.Overdue(r.CreatedAt, r.DeadlineDays, deadline.Days, now)
}

func (r Referral) DaysOpen(now time.Time) int {
	return deadline.DaysOpen(r.CreatedAt, now)
}

// FeedbackOnTime reports whether feedback was recorded no later than the
// deadline. It is false when there is no feedback.
func (r Referral) FeedbackOnTime() bool {
	if r.FeedbackAt == nil {
		return false
	}
	return !r.FeedbackAt.After(deadline.Add(r.CreatedAt, r.DeadlineDays, deadline.Days))
}
