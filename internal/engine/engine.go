package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"suasflow/internal/compliance"
	"suasflow/internal/config"
	"suasflow/internal/domain"
	"suasflow/internal/events"
	"suasflow/internal/metrics"
	"suasflow/internal/repo"
)

// Engine owns the referral state machine. Every write is a compare-and-swap
// on (id, status, version) committed together with its log entry and event.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) defaultDeadlineDays() int {
	if e.Config != nil && e.Config.Referrals.DefaultDeadlineDays > 0 {
		return e.Config.Referrals.DefaultDeadlineDays
	}
	return 7
}

// ReferralCreateOptions are parameters for creating a referral. A nil
// DeadlineDays takes the configured default.
type ReferralCreateOptions struct {
	ID              string
	Scope           domain.Scope
	SubjectID       string
	Territory       string
	DestinationType domain.DestinationType
	DestinationName string
	Reason          string
	DeadlineDays    *int
	ActorID         string
}

func (e Engine) CreateReferral(ctx context.Context, opts ReferralCreateOptions) (domain.Referral, error) {
	if strings.TrimSpace(opts.Scope.MunicipalityID) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "municipality_id", Reason: "is required"}
	}
	if strings.TrimSpace(opts.Scope.UnitID) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "unit_id", Reason: "is required"}
	}
	if !opts.DestinationType.Valid() {
		return domain.Referral{}, domain.ValidationError{Field: "destination_type", Reason: fmt.Sprintf("unknown destination type %q", opts.DestinationType)}
	}
	if strings.TrimSpace(opts.DestinationName) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "destination_name", Reason: "is required"}
	}
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "reason", Reason: "is required"}
	}
	days := e.defaultDeadlineDays()
	if opts.DeadlineDays != nil {
		days = *opts.DeadlineDays
	}
	if days <= 0 {
		return domain.Referral{}, domain.ValidationError{Field: "deadline_days", Reason: "must be a positive integer"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	ref := domain.Referral{
		ID:              id,
		MunicipalityID:  opts.Scope.MunicipalityID,
		UnitID:          opts.Scope.UnitID,
		SubjectID:       opts.SubjectID,
		Territory:       opts.Territory,
		DestinationType: opts.DestinationType,
		DestinationName: strings.TrimSpace(opts.DestinationName),
		Reason:          opts.Reason,
		Status:          domain.StatusSent,
		DeadlineDays:    days,
		CreatedAt:       now,
		StatusChangedAt: now,
		Version:         1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Referral{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReferral(ctx, tx, ref); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Referral{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("referral %s already exists", id)}
		}
		return domain.Referral{}, fmt.Errorf("insert referral: %w", err)
	}
	if err := e.Repo.InsertReferralLog(ctx, tx, domain.ReferralLogEntry{
		ReferralID: ref.ID, Kind: domain.LogCreated, ToStatus: ref.Status, ActorID: actorOrSystem(opts.ActorID), At: now,
	}); err != nil {
		return domain.Referral{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReferralCreated, ref.MunicipalityID, "referral", ref.ID, opts.ActorID, events.EventPayload{
		"unit_id":          ref.UnitID,
		"destination_type": ref.DestinationType,
		"destination_name": ref.DestinationName,
		"deadline_days":    ref.DeadlineDays,
		"status":           ref.Status,
	}); err != nil {
		return domain.Referral{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Referral{}, err
	}
	e.Metrics.ObserveTransition("create", ref.Status)
	e.log().Info("referral created", zap.String("referral_id", ref.ID), zap.String("destination", ref.DestinationName), zap.Int("deadline_days", days))
	return ref, nil
}

// GetReferral loads a referral visible from scope. A referral outside the
// scope is reported as not found.
func (e Engine) GetReferral(ctx context.Context, scope domain.Scope, id string) (domain.Referral, error) {
	ref, err := e.Repo.GetReferral(ctx, id)
	if err != nil {
		return domain.Referral{}, err
	}
	if !inScope(ref, scope) {
		return domain.Referral{}, fmt.Errorf("referral %s: %w", id, repo.ErrNotFound)
	}
	return ref, nil
}

func (e Engine) ListReferrals(ctx context.Context, f repo.ReferralFilters) ([]domain.Referral, error) {
	return e.Repo.ListReferrals(ctx, f)
}

func (e Engine) ReferralLog(ctx context.Context, scope domain.Scope, id string) ([]domain.ReferralLogEntry, error) {
	if _, err := e.GetReferral(ctx, scope, id); err != nil {
		return nil, err
	}
	return e.Repo.ListReferralLog(ctx, id)
}

// TransitionInput identifies the referral to act on and who acts.
type TransitionInput struct {
	ID      string
	Scope   domain.Scope
	Detail  string
	ActorID string
}

// Advance moves the referral to its next forward status.
func (e Engine) Advance(ctx context.Context, in TransitionInput) (domain.Referral, error) {
	return e.transition(ctx, in, "advance", func(cur domain.Referral, now time.Time) (domain.Referral, domain.LogKind, error) {
		to, ok := cur.Status.Next()
		if !ok {
			return cur, "", domain.InvalidTransitionError{From: cur.Status, Action: "advance"}
		}
		next := cur
		next.Status = to
		if in.Detail != "" {
			next.Detail = in.Detail
		}
		if to == domain.StatusFeedbackGiven && next.FeedbackAt == nil {
			next.FeedbackAt = &now
		}
		return next, domain.LogTransition, nil
	})
}

// RecordFeedback stores the destination's answer. It is allowed once the
// referral was attended, and again to amend an earlier feedback; the first
// feedback instant is kept.
func (e Engine) RecordFeedback(ctx context.Context, in TransitionInput) (domain.Referral, error) {
	if strings.TrimSpace(in.Detail) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "detail", Reason: "feedback text is required"}
	}
	return e.transition(ctx, in, "record feedback", func(cur domain.Referral, now time.Time) (domain.Referral, domain.LogKind, error) {
		if cur.Status != domain.StatusAttended && cur.Status != domain.StatusFeedbackGiven {
			return cur, "", domain.InvalidTransitionError{From: cur.Status, Action: "record feedback", Reason: "referral must be attended first"}
		}
		next := cur
		next.Status = domain.StatusFeedbackGiven
		next.Detail = in.Detail
		if next.FeedbackAt == nil {
			next.FeedbackAt = &now
		}
		return next, domain.LogFeedback, nil
	})
}

// Cancel closes a non-terminal referral. A justification is required.
func (e Engine) Cancel(ctx context.Context, in TransitionInput) (domain.Referral, error) {
	if strings.TrimSpace(in.Detail) == "" {
		return domain.Referral{}, domain.ValidationError{Field: "detail", Reason: "cancellation reason is required"}
	}
	return e.transition(ctx, in, "cancel", func(cur domain.Referral, now time.Time) (domain.Referral, domain.LogKind, error) {
		if !cur.Status.CanTransition(domain.StatusCancelled) {
			return cur, "", domain.InvalidTransitionError{From: cur.Status, Action: "cancel"}
		}
		next := cur
		next.Status = domain.StatusCancelled
		next.Cancelled = true
		next.Detail = in.Detail
		return next, domain.LogCancel, nil
	})
}

// Remind issues a reminder (cobrança) to the destination. The status does not
// change but the version is bumped so a concurrent close wins cleanly.
func (e Engine) Remind(ctx context.Context, in TransitionInput) (domain.ReferralLogEntry, error) {
	var entry domain.ReferralLogEntry
	_, err := e.transition(ctx, in, "remind", func(cur domain.Referral, now time.Time) (domain.Referral, domain.LogKind, error) {
		if cur.Status.Terminal() {
			return cur, "", domain.InvalidTransitionError{From: cur.Status, Action: "remind"}
		}
		entry = domain.ReferralLogEntry{
			ReferralID: cur.ID, Kind: domain.LogReminder, FromStatus: cur.Status, ToStatus: cur.Status,
			Detail: in.Detail, ActorID: actorOrSystem(in.ActorID), At: now,
		}
		return cur, domain.LogReminder, nil
	})
	if err != nil {
		return domain.ReferralLogEntry{}, err
	}
	return entry, nil
}

type mutation func(cur domain.Referral, now time.Time) (domain.Referral, domain.LogKind, error)

func (e Engine) transition(ctx context.Context, in TransitionInput, action string, apply mutation) (domain.Referral, error) {
	cur, err := e.GetReferral(ctx, in.Scope, in.ID)
	if err != nil {
		return domain.Referral{}, err
	}
	now := e.now().UTC()
	next, kind, err := apply(cur, now)
	if err != nil {
		return domain.Referral{}, err
	}
	if next.Status != cur.Status || kind == domain.LogFeedback {
		next.StatusChangedAt = now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Referral{}, err
	}
	defer tx.Rollback()
	swapped, err := e.Repo.SwapReferral(ctx, tx, cur, next)
	if err != nil {
		return domain.Referral{}, fmt.Errorf("update referral %s: %w", cur.ID, err)
	}
	if !swapped {
		return domain.Referral{}, domain.InvalidTransitionError{From: cur.Status, Action: action, Reason: "concurrent modification"}
	}
	entry := domain.ReferralLogEntry{
		ReferralID: cur.ID,
		Kind:       kind,
		FromStatus: cur.Status,
		ToStatus:   next.Status,
		Detail:     in.Detail,
		ActorID:    actorOrSystem(in.ActorID),
		At:         now,
	}
	if err := e.Repo.InsertReferralLog(ctx, tx, entry); err != nil {
		return domain.Referral{}, err
	}
	payload := events.EventPayload{"from": cur.Status, "to": next.Status}
	if in.Detail != "" {
		payload["detail"] = in.Detail
	}
	if err := e.Events.Append(ctx, tx, eventFor(kind), cur.MunicipalityID, "referral", cur.ID, in.ActorID, payload); err != nil {
		return domain.Referral{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Referral{}, err
	}
	next.Version = cur.Version + 1
	e.Metrics.ObserveTransition(action, next.Status)
	e.log().Info("referral "+action,
		zap.String("referral_id", cur.ID),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(next.Status)),
		zap.String("actor_id", entry.ActorID))
	return next, nil
}

func eventFor(kind domain.LogKind) string {
	switch kind {
	case domain.LogFeedback:
		return events.ReferralFeedback
	case domain.LogReminder:
		return events.ReferralReminded
	case domain.LogCancel:
		return events.ReferralCancelled
	default:
		return events.ReferralAdvanced
	}
}

// OverdueFilters narrow the overdue worklist.
type OverdueFilters struct {
	Scope           domain.Scope
	DestinationType domain.DestinationType
	Destination     string
	// WithinHours also includes referrals that become overdue within this
	// many hours.
	WithinHours int
}

// ReferralFacts is a referral with its derived SLA facts.
type ReferralFacts struct {
	domain.Referral
	Overdue        bool      `json:"overdue"`
	DaysOpen       int       `json:"days_open"`
	Deadline       time.Time `json:"deadline" format:"date-time"`
	RemainingHours float64   `json:"remaining_hours"`
	Reminders      int       `json:"reminders"`
}

// ListOverdue returns referrals awaiting feedback past their deadline, most
// late first.
func (e Engine) ListOverdue(ctx context.Context, f OverdueFilters) ([]ReferralFacts, error) {
	refs, err := e.Repo.ListReferrals(ctx, repo.ReferralFilters{
		Scope:           f.Scope,
		Statuses:        []domain.ReferralStatus{domain.StatusSent, domain.StatusReceived, domain.StatusScheduled, domain.StatusAttended},
		DestinationType: f.DestinationType,
		Destination:     f.Destination,
	})
	if err != nil {
		return nil, err
	}
	reminders, err := e.Repo.ReminderCounts(ctx, f.Scope)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	var res []ReferralFacts
	for _, r := range refs {
		facts := Facts(r, now)
		if !facts.Overdue && (f.WithinHours <= 0 || facts.RemainingHours > float64(f.WithinHours)) {
			continue
		}
		facts.Reminders = reminders[r.ID]
		res = append(res, facts)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Deadline.Before(res[j].Deadline) })
	return res, nil
}

// Facts derives the SLA facts of r at now.
func Facts(r domain.Referral, now time.Time) ReferralFacts {
	w := r.Window(now)
	return ReferralFacts{
		Referral:       r,
		Overdue:        r.IsOverdue(now),
		DaysOpen:       r.DaysOpen(now),
		Deadline:       w.Deadline,
		RemainingHours: w.Remaining.Hours(),
	}
}

// IsOverdue reports whether r awaits feedback past its deadline at now.
func IsOverdue(r domain.Referral, now time.Time) bool {
	return r.IsOverdue(now)
}

// DaysOpen is the number of whole days since r was created.
func DaysOpen(r domain.Referral, now time.Time) int {
	return r.DaysOpen(now)
}

// Compliance ranks the referrals of scope grouped by destination, unit or
// territory.
func (e Engine) Compliance(ctx context.Context, scope domain.Scope, groupBy string, topN int) (compliance.Report, error) {
	by, err := compliance.ParseGroupBy(groupBy)
	if err != nil {
		return compliance.Report{}, err
	}
	refs, err := e.Repo.ListReferrals(ctx, repo.ReferralFilters{Scope: scope})
	if err != nil {
		return compliance.Report{}, err
	}
	reminders, err := e.Repo.ReminderCounts(ctx, scope)
	if err != nil {
		return compliance.Report{}, err
	}
	w := compliance.DefaultWeights()
	if e.Config != nil {
		cc := e.Config.Compliance
		w = compliance.Weights{OnTimeWeight: cc.OnTimeWeight, SpeedWeight: cc.SpeedWeight, SpeedRefHours: cc.SpeedRefHours}
		if topN <= 0 {
			topN = cc.TopN
		}
	}
	return compliance.Build(compliance.FromLog(refs, reminders), by, w, topN, e.now().UTC()), nil
}

func inScope(r domain.Referral, scope domain.Scope) bool {
	if scope.MunicipalityID != "" && r.MunicipalityID != scope.MunicipalityID {
		return false
	}
	if scope.UnitID != "" && r.UnitID != scope.UnitID {
		return false
	}
	return true
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}
