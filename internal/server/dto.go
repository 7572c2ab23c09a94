package server

import (
	"time"

	"suasflow/internal/automation"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
)

// Request payloads

type CreateReferralRequest struct {
	ID              *string `json:"id,omitempty"`
	UnitID          *string `json:"unit_id,omitempty" doc:"Required when the caller is not bound to a unit"`
	SubjectID       *string `json:"subject_id,omitempty"`
	Territory       *string `json:"territory,omitempty"`
	DestinationType string  `json:"destination_type" enum:"health,education,social,other"`
	DestinationName string  `json:"destination_name"`
	Reason          string  `json:"reason"`
	DeadlineDays    *int    `json:"deadline_days,omitempty" minimum:"1"`
}

type TransitionRequest struct {
	Detail string `json:"detail,omitempty"`
}

type UpdateRuleRequest struct {
	Title            *string        `json:"title,omitempty"`
	Description      *string        `json:"description,omitempty"`
	Active           *bool          `json:"active,omitempty"`
	FrequencyMinutes *int           `json:"frequency_minutes,omitempty"`
	Params           map[string]any `json:"params,omitempty" doc:"Merged into the stored params; null removes a key"`
}

type ExecuteRequest struct {
	DryRun  bool     `json:"dry_run,omitempty"`
	RuleIDs []string `json:"rule_ids,omitempty"`
}

// Response payloads

// ReferralResponse is a referral with its SLA facts at request time.
type ReferralResponse struct {
	domain.Referral
	Overdue        bool      `json:"overdue"`
	DaysOpen       int       `json:"days_open"`
	Deadline       time.Time `json:"deadline" format:"date-time"`
	RemainingHours float64   `json:"remaining_hours"`
	Reminders      int       `json:"reminders"`
}

type ReferralLogResponse struct {
	Items []domain.ReferralLogEntry `json:"items"`
}

type OverdueResponse struct {
	Items []ReferralResponse `json:"items"`
}

type ReferralListResponse struct {
	Items      []ReferralResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type RuleListResponse struct {
	Items []domain.AutomationRule `json:"items"`
}

type SeedResponse struct {
	Inserted []string                `json:"inserted"`
	Items    []domain.AutomationRule `json:"items"`
}

type ExecutionListResponse struct {
	Items []domain.RuleExecution `json:"items"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

func referralResponse(f engine.ReferralFacts) ReferralResponse {
	return ReferralResponse{
		Referral:       f.Referral,
		Overdue:        f.Overdue,
		DaysOpen:       f.DaysOpen,
		Deadline:       f.Deadline,
		RemainingHours: f.RemainingHours,
		Reminders:      f.Reminders,
	}
}

func mapFacts(items []engine.ReferralFacts) []ReferralResponse {
	out := make([]ReferralResponse, 0, len(items))
	for _, f := range items {
		out = append(out, referralResponse(f))
	}
	return out
}

func rulePatch(in UpdateRuleRequest) automation.RulePatch {
	return automation.RulePatch{
		Title:            in.Title,
		Description:      in.Description,
		Active:           in.Active,
		FrequencyMinutes: in.FrequencyMinutes,
		Params:           in.Params,
	}
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilRules(items []domain.AutomationRule) []domain.AutomationRule {
	if items == nil {
		return []domain.AutomationRule{}
	}
	return items
}
