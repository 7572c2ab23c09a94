package suassdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal SUAS Flow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Referral represents the API referral model with its SLA facts.
type Referral struct {
	ID              string     `json:"id"`
	MunicipalityID  string     `json:"municipality_id"`
	UnitID          string     `json:"unit_id"`
	SubjectID       string     `json:"subject_id,omitempty"`
	Territory       string     `json:"territory,omitempty"`
	DestinationType string     `json:"destination_type"`
	DestinationName string     `json:"destination_name"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	DeadlineDays    int        `json:"deadline_days"`
	Detail          string     `json:"detail,omitempty"`
	Cancelled       bool       `json:"cancelled"`
	FeedbackAt      *time.Time `json:"feedback_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	Version         int        `json:"version"`
	Overdue         bool       `json:"overdue"`
	DaysOpen        int        `json:"days_open"`
	Deadline        time.Time  `json:"deadline"`
	RemainingHours  float64    `json:"remaining_hours"`
	Reminders       int        `json:"reminders"`
}

// CreateReferral is the payload of CreateReferral. Zero values are omitted.
type CreateReferral struct {
	ID              string `json:"id,omitempty"`
	UnitID          string `json:"unit_id,omitempty"`
	SubjectID       string `json:"subject_id,omitempty"`
	Territory       string `json:"territory,omitempty"`
	DestinationType string `json:"destination_type"`
	DestinationName string `json:"destination_name"`
	Reason          string `json:"reason"`
	DeadlineDays    int    `json:"deadline_days,omitempty"`
}

// LogEntry is one row of a referral history.
type LogEntry struct {
	ID         int64     `json:"id"`
	ReferralID string    `json:"referral_id"`
	Kind       string    `json:"kind"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
}

// Rule represents an automation rule.
type Rule struct {
	ID               string         `json:"id"`
	MunicipalityID   string         `json:"municipality_id"`
	UnitID           string         `json:"unit_id,omitempty"`
	Key              string         `json:"key"`
	Title            string         `json:"title"`
	Active           bool           `json:"active"`
	FrequencyMinutes int            `json:"frequency_minutes"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	Params           map[string]any `json:"params"`
}

// Execution summarizes one rule run.
type Execution struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"rule_id"`
	RuleKey    string    `json:"rule_key"`
	ExecutedAt time.Time `json:"executed_at"`
	DryRun     bool      `json:"dry_run"`
	Created    int       `json:"created"`
	Skipped    int       `json:"skipped"`
	Errored    int       `json:"errored"`
	TaskIDs    []string  `json:"task_ids"`
	Error      string    `json:"error,omitempty"`
	Planned    []Task    `json:"planned,omitempty"`
}

// Task is a follow-up created by a rule.
type Task struct {
	ID         string    `json:"id"`
	RuleKey    string    `json:"rule_key"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Title      string    `json:"title"`
	Priority   string    `json:"priority"`
	DueAt      time.Time `json:"due_at"`
	Status     string    `json:"status"`
}

// Score is one row of a compliance ranking.
type Score struct {
	Label              string  `json:"label"`
	Total              int     `json:"total"`
	OnTime             int     `json:"on_time"`
	Late               int     `json:"late"`
	InProgress         int     `json:"in_progress"`
	Reminders          int     `json:"reminders"`
	OnTimePct          float64 `json:"on_time_pct"`
	AvgHoursToFeedback float64 `json:"avg_hours_to_feedback"`
	Score              float64 `json:"score"`
}

// Ranking is the compliance report.
type Ranking struct {
	GroupBy string  `json:"group_by"`
	Scores  []Score `json:"scores"`
	Best    []Score `json:"best"`
	Worst   []Score `json:"worst"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ReferralPage wraps list responses with cursors.
type ReferralPage struct {
	Items      []Referral `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// CreateReferral opens a referral.
func (c *Client) CreateReferral(ctx context.Context, in CreateReferral) (Referral, error) {
	var resp Referral
	err := c.do(ctx, http.MethodPost, "referrals", in, &resp)
	return resp, err
}

// GetReferral fetches a referral by id.
func (c *Client) GetReferral(ctx context.Context, id string) (Referral, error) {
	var resp Referral
	err := c.do(ctx, http.MethodGet, "referrals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListReferrals returns one page of referrals, optionally filtered by status.
func (c *Client) ListReferrals(ctx context.Context, statuses []string, limit int, cursor string) (ReferralPage, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp ReferralPage
	err := c.do(ctx, http.MethodGet, withQuery("referrals", q), nil, &resp)
	return resp, err
}

// Advance moves a referral to its next status.
func (c *Client) Advance(ctx context.Context, id, detail string) (Referral, error) {
	return c.transition(ctx, id, "advance", detail)
}

// RecordFeedback stores the destination's feedback.
func (c *Client) RecordFeedback(ctx context.Context, id, detail string) (Referral, error) {
	return c.transition(ctx, id, "feedback", detail)
}

// Cancel cancels an open referral.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Referral, error) {
	return c.transition(ctx, id, "cancel", reason)
}

func (c *Client) transition(ctx context.Context, id, action, detail string) (Referral, error) {
	var resp Referral
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("referrals/%s/%s", url.PathEscape(id), action), map[string]string{"detail": detail}, &resp)
	return resp, err
}

// Remind logs a reminder sent to the destination.
func (c *Client) Remind(ctx context.Context, id, detail string) (LogEntry, error) {
	var resp LogEntry
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("referrals/%s/reminders", url.PathEscape(id)), map[string]string{"detail": detail}, &resp)
	return resp, err
}

// ReferralLog returns the history of a referral.
func (c *Client) ReferralLog(ctx context.Context, id string) ([]LogEntry, error) {
	var resp struct {
		Items []LogEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("referrals/%s/log", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// Overdue lists referrals past their deadline, plus those due within
// withinHours when it is positive.
func (c *Client) Overdue(ctx context.Context, withinHours int) ([]Referral, error) {
	q := url.Values{}
	if withinHours > 0 {
		q.Set("within_hours", strconv.Itoa(withinHours))
	}
	var resp struct {
		Items []Referral `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("referrals/overdue", q), nil, &resp)
	return resp.Items, err
}

// Compliance returns the ranking grouped by destination, unit or territory.
func (c *Client) Compliance(ctx context.Context, groupBy string, top int) (Ranking, error) {
	q := url.Values{}
	if groupBy != "" {
		q.Set("group_by", groupBy)
	}
	if top > 0 {
		q.Set("top", strconv.Itoa(top))
	}
	var resp Ranking
	err := c.do(ctx, http.MethodGet, withQuery("compliance/ranking", q), nil, &resp)
	return resp, err
}

// SeedRules inserts the missing catalog rules of the caller's scope.
func (c *Client) SeedRules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "automation/rules/seed", nil, &resp)
	return resp.Items, err
}

// Rules lists the rules of the caller's scope.
func (c *Client) Rules(ctx context.Context, includeInactive bool) ([]Rule, error) {
	q := url.Values{}
	if includeInactive {
		q.Set("include_inactive", "true")
	}
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("automation/rules", q), nil, &resp)
	return resp.Items, err
}

// Execute runs the given rules, or every active rule when ruleIDs is empty.
func (c *Client) Execute(ctx context.Context, dryRun bool, ruleIDs ...string) ([]Execution, error) {
	body := map[string]any{"dry_run": dryRun}
	if len(ruleIDs) > 0 {
		body["rule_ids"] = ruleIDs
	}
	var resp struct {
		Items []Execution `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "automation/execute", body, &resp)
	return resp.Items, err
}

// Tasks lists follow-up tasks, optionally for one rule key.
func (c *Client) Tasks(ctx context.Context, ruleKey string) ([]Task, error) {
	q := url.Values{}
	if ruleKey != "" {
		q.Set("rule_key", ruleKey)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}
