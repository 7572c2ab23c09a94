package domain

import "time"

// Scope identifies the municipality (and optionally the unit) an operation
// acts on. An empty UnitID means the whole municipality.
type Scope struct {
	MunicipalityID string `json:"municipality_id"`
	UnitID         string `json:"unit_id,omitempty"`
}

type DestinationType string

const (
	DestinationHealth    DestinationType = "health"
	DestinationEducation DestinationType = "education"
	DestinationSocial    DestinationType = "social"
	DestinationOther     DestinationType = "other"
)

func (d DestinationType) Valid() bool {
	switch d {
	case DestinationHealth, DestinationEducation, DestinationSocial, DestinationOther:
		return true
	}
	return false
}

type Referral struct {
	ID              string          `json:"id"`
	MunicipalityID  string          `json:"municipality_id"`
	UnitID          string          `json:"unit_id"`
	SubjectID       string          `json:"subject_id,omitempty"`
	Territory       string          `json:"territory,omitempty"`
	DestinationType DestinationType `json:"destination_type" enum:"health,education,social,other"`
	DestinationName string          `json:"destination_name"`
	Reason          string          `json:"reason"`
	Status          ReferralStatus  `json:"status" enum:"sent,received,scheduled,attended,feedback_given,completed,cancelled"`
	DeadlineDays    int             `json:"deadline_days"`
	Detail          string          `json:"detail,omitempty"`
	Cancelled       bool            `json:"cancelled"`
	FeedbackAt      *time.Time      `json:"feedback_at,omitempty" format:"date-time"`
	CreatedAt       time.Time       `json:"created_at" format:"date-time"`
	StatusChangedAt time.Time       `json:"status_changed_at" format:"date-time"`
	Version         int             `json:"version"`
}

type LogKind string

const (
	LogCreated    LogKind = "created"
	LogTransition LogKind = "transition"
	LogFeedback   LogKind = "feedback"
	LogReminder   LogKind = "reminder"
	LogCancel     LogKind = "cancel"
)

// ReferralLogEntry is one row of the append-only referral history.
type ReferralLogEntry struct {
	ID         int64          `json:"id"`
	ReferralID string         `json:"referral_id"`
	Kind       LogKind        `json:"kind"`
	FromStatus ReferralStatus `json:"from_status,omitempty"`
	ToStatus   ReferralStatus `json:"to_status,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	ActorID    string         `json:"actor_id"`
	At         time.Time      `json:"at" format:"date-time"`
}

type Priority string

const (
	PriorityLow    Priority = "baixa"
	PriorityMedium Priority = "media"
	PriorityHigh   Priority = "alta"
	PriorityUrgent Priority = "urgente"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type AutomationRule struct {
	ID               string         `json:"id"`
	MunicipalityID   string         `json:"municipality_id"`
	UnitID           string         `json:"unit_id,omitempty"`
	Key              string         `json:"key"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Active           bool           `json:"active"`
	FrequencyMinutes int            `json:"frequency_minutes"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty" format:"date-time"`
	Params           map[string]any `json:"params"`
	CreatedAt        time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time      `json:"updated_at" format:"date-time"`
}

// Scope returns the scope the rule evaluates against.
func (r AutomationRule) Scope() Scope {
	return Scope{MunicipalityID: r.MunicipalityID, UnitID: r.UnitID}
}

type RuleExecution struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"rule_id"`
	RuleKey    string    `json:"rule_key"`
	ExecutedAt time.Time `json:"executed_at" format:"date-time"`
	DryRun     bool      `json:"dry_run"`
	Created    int       `json:"created"`
	Skipped    int       `json:"skipped"`
	Errored    int       `json:"errored"`
	TaskIDs    []string  `json:"task_ids"`
	Errors     []string  `json:"errors,omitempty"`
	Error      string    `json:"error,omitempty"`
	// Planned lists the tasks a dry run would have created.
	Planned []Task `json:"planned,omitempty"`
}

const TaskStatusOpen = "aberta"

// Task is a follow-up created by an automation rule.
type Task struct {
	ID             string    `json:"id"`
	MunicipalityID string    `json:"municipality_id"`
	UnitID         string    `json:"unit_id,omitempty"`
	RuleID         string    `json:"rule_id"`
	RuleKey        string    `json:"rule_key"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Priority       Priority  `json:"priority" enum:"baixa,media,alta,urgente"`
	DueAt          time.Time `json:"due_at" format:"date-time"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
}

// Case is the subset of a case record the automation rules read.
type Case struct {
	ID             string    `json:"id" yaml:"id"`
	MunicipalityID string    `json:"municipality_id" yaml:"municipality_id"`
	UnitID         string    `json:"unit_id" yaml:"unit_id"`
	SubjectID      string    `json:"subject_id,omitempty" yaml:"subject_id"`
	Status         string    `json:"status" yaml:"status"`
	LastActivityAt time.Time `json:"last_activity_at" yaml:"last_activity_at"`
}

// Open reports whether the case still expects movement.
func (c Case) Open() bool {
	switch c.Status {
	case "encerrado", "arquivado", "closed":
		return false
	}
	return true
}

type CadUnicoPreRegistration struct {
	ID             string    `json:"id" yaml:"id"`
	MunicipalityID string    `json:"municipality_id" yaml:"municipality_id"`
	UnitID         string    `json:"unit_id" yaml:"unit_id"`
	PersonID       string    `json:"person_id,omitempty" yaml:"person_id"`
	Status         string    `json:"status" yaml:"status"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// Pending reports whether the pre-registration is still awaiting completion.
func (p CadUnicoPreRegistration) Pending() bool {
	return p.Status == "" || p.Status == "pendente"
}

type SCFVParticipant struct {
	ID               string     `json:"id" yaml:"id"`
	MunicipalityID   string     `json:"municipality_id" yaml:"municipality_id"`
	UnitID           string     `json:"unit_id" yaml:"unit_id"`
	PersonID         string     `json:"person_id,omitempty" yaml:"person_id"`
	Group            string     `json:"group,omitempty" yaml:"group"`
	Active           bool       `json:"active" yaml:"active"`
	EnrolledAt       *time.Time `json:"enrolled_at,omitempty" yaml:"enrolled_at"`
	LastAttendanceAt *time.Time `json:"last_attendance_at,omitempty" yaml:"last_attendance_at"`
}

// Snapshot is the read-only view of operational data a rule evaluates.
type Snapshot struct {
	Cases            []Case
	Referrals        []Referral
	PreRegistrations []CadUnicoPreRegistration
	SCFV             []SCFVParticipant
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts"`
	Type           string `json:"type"`
	MunicipalityID string `json:"municipality_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload"`
}
