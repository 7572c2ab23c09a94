package domain

import "fmt"

type ReferralStatus string

const (
	StatusSent          ReferralStatus = "sent"
	StatusReceived      ReferralStatus = "received"
	StatusScheduled     ReferralStatus = "scheduled"
	StatusAttended      ReferralStatus = "attended"
	StatusFeedbackGiven ReferralStatus = "feedback_given"
	StatusCompleted     ReferralStatus = "completed"
	StatusCancelled     ReferralStatus = "cancelled"
)

// forward is the single successor of every non-terminal status.
var forward = map[ReferralStatus]ReferralStatus{
	StatusSent:          StatusReceived,
	StatusReceived:      StatusScheduled,
	StatusScheduled:     StatusAttended,
	StatusAttended:      StatusFeedbackGiven,
	StatusFeedbackGiven: StatusCompleted,
}

// transitions lists every status a referral may move to from a given one.
var transitions = map[ReferralStatus][]ReferralStatus{
	StatusSent:          {StatusReceived, StatusCancelled},
	StatusReceived:      {StatusScheduled, StatusCancelled},
	StatusScheduled:     {StatusAttended, StatusCancelled},
	StatusAttended:      {StatusFeedbackGiven, StatusCancelled},
	StatusFeedbackGiven: {StatusFeedbackGiven, StatusCompleted, StatusCancelled},
	StatusCompleted:     nil,
	StatusCancelled:     nil,
}

func ParseReferralStatus(s string) (ReferralStatus, error) {
	st := ReferralStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// Next returns the forward successor; ok is false for terminal statuses.
func (s ReferralStatus) Next() (ReferralStatus, bool) {
	n, ok := forward[s]
	return n, ok
}

func (s ReferralStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether to is an allowed successor of s.
func (s ReferralStatus) CanTransition(to ReferralStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AwaitingFeedback is true while the destination still owes a devolutiva.
func (s ReferralStatus) AwaitingFeedback() bool {
	switch s {
	case StatusFeedbackGiven, StatusCompleted, StatusCancelled:
		return false
	}
	return true
}
