package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"suasflow/internal/config"
	"suasflow/internal/domain"
	"suasflow/internal/lock"
	"suasflow/internal/metrics"
	"suasflow/internal/repo"
)

type RuleStore interface {
	ListRules(ctx context.Context, scope domain.Scope, includeInactive bool) ([]domain.AutomationRule, error)
	GetRule(ctx context.Context, id string) (domain.AutomationRule, error)
	SeedRule(ctx context.Context, rule domain.AutomationRule, actorID string) (bool, error)
	UpdateRule(ctx context.Context, rule domain.AutomationRule, actorID string) error
	RecordExecution(ctx context.Context, rule domain.AutomationRule, x domain.RuleExecution) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]domain.RuleExecution, error)
}

// TaskStore is the external task store tasks are written to. CreateTask must
// report an existing idempotency key as domain.ErrDuplicate.
type TaskStore interface {
	TaskExists(ctx context.Context, idempotencyKey string) (bool, error)
	CreateTask(ctx context.Context, t domain.Task) error
}

type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, scope domain.Scope) (domain.Snapshot, error)
}

// Engine evaluates automation rules and creates their tasks exactly once per
// qualifying condition.
type Engine struct {
	Rules     RuleStore
	Tasks     TaskStore
	Snapshots SnapshotSource
	Locker    lock.Locker
	Config    config.AutomationConfig
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Now       func() time.Time
	// RuleTimeout overrides Config.RuleTimeoutSeconds when positive.
	RuleTimeout time.Duration
}

// New wires an Engine on top of the SQLite repository.
func New(r repo.Repo, cfg *config.Config) Engine {
	var ac config.AutomationConfig
	if cfg != nil {
		ac = cfg.Automation
	}
	return Engine{
		Rules:     r,
		Tasks:     r,
		Snapshots: r,
		Locker:    lock.NewLocal(),
		Config:    ac,
		Log:       zap.NewNop(),
		Now:       time.Now,
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

func (e Engine) ruleTimeout() time.Duration {
	if e.RuleTimeout > 0 {
		return e.RuleTimeout
	}
	if d := e.Config.RuleTimeout(); d > 0 {
		return d
	}
	return 30 * time.Second
}

func (e Engine) maxParallel() int {
	if e.Config.MaxParallel > 0 {
		return e.Config.MaxParallel
	}
	return 4
}

// IsDue reports whether an active rule's frequency has elapsed since its
// last run. A rule that never ran is due.
func IsDue(rule domain.AutomationRule, now time.Time) bool {
	if !rule.Active {
		return false
	}
	if rule.LastRunAt == nil {
		return true
	}
	return now.Sub(*rule.LastRunAt) >= time.Duration(rule.FrequencyMinutes)*time.Minute
}

// Execute runs rule once. A dry run takes no lock, writes nothing and lists
// the tasks it would create in Planned. A real run holds the rule lock,
// creates missing tasks, records the execution and advances last_run.
//
// Per-item failures are counted in Errored and do not fail the run. Errors
// returned are engine level: a bad parameter bag, an unreadable snapshot or
// a SchedulingConflictError.
func (e Engine) Execute(ctx context.Context, rule domain.AutomationRule, dryRun bool) (domain.RuleExecution, error) {
	return e.execute(ctx, rule, dryRun, false)
}

// errNotDue reports that a rule listed as due had already been run by
// another caller by the time its lock was taken.
var errNotDue = errors.New("rule no longer due")

func (e Engine) execute(ctx context.Context, rule domain.AutomationRule, dryRun, dueOnly bool) (domain.RuleExecution, error) {
	started := time.Now()
	now := e.now().UTC()
	x := domain.RuleExecution{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		RuleKey:    rule.Key,
		ExecutedAt: now,
		DryRun:     dryRun,
		TaskIDs:    []string{},
	}

	if !dryRun && e.Locker != nil {
		h, err := e.Locker.TryLock(ctx, "rule:"+rule.ID)
		if errors.Is(err, lock.ErrNotAcquired) {
			e.Metrics.ObserveConflict(rule.Key)
			return x, domain.SchedulingConflictError{RuleID: rule.ID, RuleKey: rule.Key}
		}
		if err != nil {
			return x, fmt.Errorf("lock rule %s: %w", rule.Key, err)
		}
		defer func() {
			if err := h.Unlock(context.WithoutCancel(ctx)); err != nil {
				e.log().Warn("release rule lock", zap.String("rule_key", rule.Key), zap.Error(err))
			}
		}()
	}

	if dueOnly {
		// The due list was read before the lock; last_run may have moved.
		fresh, err := e.Rules.GetRule(ctx, rule.ID)
		if err != nil {
			return x, fmt.Errorf("reload rule %s: %w", rule.Key, err)
		}
		if !IsDue(fresh, now) {
			return x, errNotDue
		}
		rule = fresh
	}

	if _, err := ParseParams(rule.Key, rule.Params); err != nil {
		return x, err
	}
	snap, err := e.Snapshots.LoadSnapshot(ctx, rule.Scope())
	if err != nil {
		return x, fmt.Errorf("load snapshot for rule %s: %w", rule.Key, err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.ruleTimeout())
	proposed, err := EvaluateContext(evalCtx, rule, snap, now)
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		x.Errored = 1
		x.Error = fmt.Sprintf("evaluation timed out after %s", e.ruleTimeout())
		proposed = nil
	case err != nil:
		return x, err
	}

	seen := map[string]bool{}
	for _, p := range proposed {
		key := IdempotencyKey(rule.Key, p.EntityType, p.EntityID, Period(e.Config.IdempotencyPeriod, p.Anchor, now, e.Config.Location()))
		if seen[key] {
			x.Skipped++
			continue
		}
		seen[key] = true
		exists, err := e.Tasks.TaskExists(ctx, key)
		if err != nil {
			x.Errored++
			x.Errors = append(x.Errors, domain.EngineError{EntityType: p.EntityType, EntityID: p.EntityID, Err: err}.Error())
			continue
		}
		if exists {
			x.Skipped++
			continue
		}
		task := domain.Task{
			ID:             uuid.NewString(),
			MunicipalityID: rule.MunicipalityID,
			UnitID:         p.UnitID,
			RuleID:         rule.ID,
			RuleKey:        rule.Key,
			EntityType:     p.EntityType,
			EntityID:       p.EntityID,
			Title:          p.Title,
			Description:    p.Description,
			Priority:       p.Priority,
			DueAt:          p.DueAt,
			Status:         domain.TaskStatusOpen,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		if dryRun {
			x.Created++
			x.Planned = append(x.Planned, task)
			continue
		}
		if err := e.Tasks.CreateTask(ctx, task); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				x.Skipped++
				continue
			}
			x.Errored++
			x.Errors = append(x.Errors, domain.EngineError{EntityType: p.EntityType, EntityID: p.EntityID, Err: err}.Error())
			continue
		}
		x.Created++
		x.TaskIDs = append(x.TaskIDs, task.ID)
	}

	if !dryRun {
		if err := e.Rules.RecordExecution(ctx, rule, x); err != nil {
			return x, fmt.Errorf("record execution of rule %s: %w", rule.Key, err)
		}
	}
	e.Metrics.ObserveExecution(x, time.Since(started))
	e.log().Info("rule executed",
		zap.String("rule_id", rule.ID),
		zap.String("rule_key", rule.Key),
		zap.Bool("dry_run", dryRun),
		zap.Int("created", x.Created),
		zap.Int("skipped", x.Skipped),
		zap.Int("errored", x.Errored),
		zap.String("error", x.Error))
	return x, nil
}

// GetRule loads a rule visible from scope.
func (e Engine) GetRule(ctx context.Context, scope domain.Scope, id string) (domain.AutomationRule, error) {
	rule, err := e.Rules.GetRule(ctx, id)
	if err != nil {
		return rule, err
	}
	if rule.MunicipalityID != scope.MunicipalityID || (scope.UnitID != "" && rule.UnitID != scope.UnitID) {
		return domain.AutomationRule{}, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	return rule, nil
}

// ExecuteAll is "execute now": it runs the given rules, or every active rule
// of scope when ruleIDs is empty, regardless of their frequency. It stops at
// the first engine-level error and returns the executions done so far.
func (e Engine) ExecuteAll(ctx context.Context, scope domain.Scope, dryRun bool, ruleIDs []string) ([]domain.RuleExecution, error) {
	var rules []domain.AutomationRule
	if len(ruleIDs) == 0 {
		var err error
		if rules, err = e.Rules.ListRules(ctx, scope, false); err != nil {
			return nil, err
		}
	} else {
		for _, id := range ruleIDs {
			rule, err := e.GetRule(ctx, scope, id)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
	}
	execs := make([]domain.RuleExecution, 0, len(rules))
	for _, rule := range rules {
		x, err := e.Execute(ctx, rule, dryRun)
		if err != nil {
			return execs, err
		}
		execs = append(execs, x)
	}
	return execs, nil
}

// ExecuteDue runs, concurrently, every active rule of scope whose frequency
// has elapsed. Rules already running elsewhere, or run by another caller
// since they were listed, are skipped. A rule that fails
// at engine level yields an unpersisted execution carrying the error.
func (e Engine) ExecuteDue(ctx context.Context, scope domain.Scope) ([]domain.RuleExecution, error) {
	rules, err := e.Rules.ListRules(ctx, scope, false)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var due []domain.AutomationRule
	for _, r := range rules {
		if IsDue(r, now) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return []domain.RuleExecution{}, nil
	}

	results := make([]*domain.RuleExecution, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel())
	for i, rule := range due {
		g.Go(func() error {
			x, err := e.execute(gctx, rule, false, true)
			var conflict domain.SchedulingConflictError
			switch {
			case errors.As(err, &conflict):
				e.log().Info("rule already running, skipped", zap.String("rule_key", rule.Key), zap.String("rule_id", rule.ID))
				return nil
			case errors.Is(err, errNotDue):
				e.log().Info("rule already ran, skipped", zap.String("rule_key", rule.Key), zap.String("rule_id", rule.ID))
				return nil
			case err != nil:
				e.log().Error("rule execution failed", zap.String("rule_key", rule.Key), zap.String("rule_id", rule.ID), zap.Error(err))
				x.Error = err.Error()
			}
			results[i] = &x
			return nil
		})
	}
	_ = g.Wait()

	execs := make([]domain.RuleExecution, 0, len(due))
	for _, x := range results {
		if x != nil {
			execs = append(execs, *x)
		}
	}
	return execs, nil
}

// SeedResult lists the keys inserted by Seed and the rules of the scope
// afterwards.
type SeedResult struct {
	Inserted []string                `json:"inserted"`
	Rules    []domain.AutomationRule `json:"rules"`
}

// Seed inserts every catalog rule missing from scope with its defaults.
// Existing rules are never overwritten.
func (e Engine) Seed(ctx context.Context, scope domain.Scope, actorID string) (SeedResult, error) {
	if strings.TrimSpace(scope.MunicipalityID) == "" {
		return SeedResult{}, domain.ValidationError{Field: "municipality_id", Reason: "is required"}
	}
	now := e.now().UTC()
	res := SeedResult{Inserted: []string{}}
	for _, def := range Catalog() {
		params, err := ParseParams(def.Key, def.Defaults)
		if err != nil {
			return res, fmt.Errorf("catalog rule %s: %w", def.Key, err)
		}
		rule := domain.AutomationRule{
			ID:               uuid.NewString(),
			MunicipalityID:   scope.MunicipalityID,
			UnitID:           scope.UnitID,
			Key:              def.Key,
			Title:            def.Title,
			Description:      def.Description,
			Active:           true,
			FrequencyMinutes: def.FrequencyMinutes,
			Params:           params.Bag(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		inserted, err := e.Rules.SeedRule(ctx, rule, actorID)
		if err != nil {
			return res, fmt.Errorf("seed rule %s: %w", def.Key, err)
		}
		if inserted {
			res.Inserted = append(res.Inserted, def.Key)
		}
	}
	rules, err := e.Rules.ListRules(ctx, scope, true)
	if err != nil {
		return res, err
	}
	res.Rules = exactScope(rules, scope)
	e.log().Info("rule catalog seeded", zap.String("municipality_id", scope.MunicipalityID), zap.String("unit_id", scope.UnitID), zap.Strings("inserted", res.Inserted))
	return res, nil
}

func exactScope(rules []domain.AutomationRule, scope domain.Scope) []domain.AutomationRule {
	out := make([]domain.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if r.UnitID == scope.UnitID {
			out = append(out, r)
		}
	}
	return out
}

func (e Engine) ListRules(ctx context.Context, scope domain.Scope, includeInactive bool) ([]domain.AutomationRule, error) {
	return e.Rules.ListRules(ctx, scope, includeInactive)
}

// RulePatch holds the mutable fields of a rule. Params are merged into the
// stored bag.
type RulePatch struct {
	Title            *string
	Description      *string
	Active           *bool
	FrequencyMinutes *int
	Params           map[string]any
}

func (e Engine) UpdateRule(ctx context.Context, scope domain.Scope, id string, patch RulePatch, actorID string) (domain.AutomationRule, error) {
	rule, err := e.GetRule(ctx, scope, id)
	if err != nil {
		return rule, err
	}
	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return rule, domain.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		rule.Title = *patch.Title
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.Active != nil {
		rule.Active = *patch.Active
	}
	if patch.FrequencyMinutes != nil {
		if *patch.FrequencyMinutes <= 0 {
			return rule, domain.ValidationError{Field: "frequency_minutes", Reason: "must be positive"}
		}
		rule.FrequencyMinutes = *patch.FrequencyMinutes
	}
	if patch.Params != nil {
		merged := copyBag(rule.Params)
		for k, v := range patch.Params {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		params, err := ParseParams(rule.Key, merged)
		if err != nil {
			return rule, err
		}
		rule.Params = params.Bag()
	}
	rule.UpdatedAt = e.now().UTC()
	if err := e.Rules.UpdateRule(ctx, rule, actorID); err != nil {
		return rule, err
	}
	return rule, nil
}

func (e Engine) ListExecutions(ctx context.Context, scope domain.Scope, ruleID string, limit int) ([]domain.RuleExecution, error) {
	if _, err := e.GetRule(ctx, scope, ruleID); err != nil {
		return nil, err
	}
	return e.Rules.ListExecutions(ctx, ruleID, limit)
}
