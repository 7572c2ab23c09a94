package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	From   ReferralStatus
	Action string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition: cannot %s referral in status %s: %s", e.Action, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid transition: cannot %s referral in status %s", e.Action, e.From)
}

// SchedulingConflictError is returned when a rule is already executing.
type SchedulingConflictError struct {
	RuleID  string
	RuleKey string
}

func (e SchedulingConflictError) Error() string {
	return fmt.Sprintf("rule %s (%s) is already running", e.RuleKey, e.RuleID)
}

// EngineError is a per-item failure during rule execution.
type EngineError struct {
	EntityType string
	EntityID   string
	Err        error
}

func (e EngineError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.EntityType, e.EntityID, e.Err)
}

func (e EngineError) Unwrap() error { return e.Err }
