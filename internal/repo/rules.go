package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/events"
)

const ruleColumns = `id,municipality_id,unit_id,key,title,COALESCE(description,''),active,frequency_minutes,last_run_at,params_json,created_at,updated_at`

func scanRule(row rowScanner) (domain.AutomationRule, error) {
	var (
		rule                 domain.AutomationRule
		active               int
		lastRun              sql.NullString
		params               string
		createdAt, updatedAt string
	)
	err := row.Scan(&rule.ID, &rule.MunicipalityID, &rule.UnitID, &rule.Key, &rule.Title, &rule.Description,
		&active, &rule.FrequencyMinutes, &lastRun, &params, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Active = active == 1
	if rule.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return rule, err
	}
	if err := json.Unmarshal([]byte(params), &rule.Params); err != nil {
		return rule, fmt.Errorf("rule %s params: %w", rule.ID, err)
	}
	if rule.Params == nil {
		rule.Params = map[string]any{}
	}
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return rule, err
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rule, err
	}
	return rule, nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	rule, err := scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id))
	if err == ErrNotFound {
		return rule, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, err
}

// ListRules returns the rules of a municipality, or of a single unit when
// scope.UnitID is set.
func (r Repo) ListRules(ctx context.Context, scope domain.Scope, includeInactive bool) ([]domain.AutomationRule, error) {
	clauses, args := scopeClause(scope, nil, nil)
	if !includeInactive {
		clauses = append(clauses, "active=1")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules`+where(clauses)+` ORDER BY unit_id, key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// SeedRule inserts rule unless a rule with the same key already exists in its
// scope. It reports whether a row was written.
func (r Repo) SeedRule(ctx context.Context, rule domain.AutomationRule, actorID string) (bool, error) {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return false, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(id,municipality_id,unit_id,key,title,description,active,frequency_minutes,params_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(municipality_id,unit_id,key) DO NOTHING`,
		rule.ID, rule.MunicipalityID, rule.UnitID, rule.Key, rule.Title, nullable(rule.Description), boolInt(rule.Active),
		rule.FrequencyMinutes, string(params), db.FormatTime(rule.CreatedAt), db.FormatTime(rule.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := (events.Writer{Now: r.Now}).Append(ctx, tx, events.RuleSeeded, rule.MunicipalityID, "rule", rule.ID, actorID,
		events.EventPayload{"key": rule.Key, "unit_id": rule.UnitID}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// UpdateRule persists the mutable fields of rule.
func (r Repo) UpdateRule(ctx context.Context, rule domain.AutomationRule, actorID string) error {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET title=?, description=?, active=?, frequency_minutes=?, params_json=?, updated_at=? WHERE id=?`,
		rule.Title, nullable(rule.Description), boolInt(rule.Active), rule.FrequencyMinutes, string(params), db.FormatTime(rule.UpdatedAt), rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}
	if err := (events.Writer{Now: r.Now}).Append(ctx, tx, events.RuleUpdated, rule.MunicipalityID, "rule", rule.ID, actorID,
		events.EventPayload{"active": rule.Active, "frequency_minutes": rule.FrequencyMinutes, "params": rule.Params}); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordExecution stores a real execution and advances the rule's last run.
func (r Repo) RecordExecution(ctx context.Context, rule domain.AutomationRule, x domain.RuleExecution) error {
	taskIDs, err := json.Marshal(nonNil(x.TaskIDs))
	if err != nil {
		return err
	}
	errs, err := json.Marshal(nonNil(x.Errors))
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO rule_executions(id,rule_id,rule_key,executed_at,dry_run,created,skipped,errored,task_ids_json,errors_json,error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		x.ID, x.RuleID, x.RuleKey, db.FormatTime(x.ExecutedAt), boolInt(x.DryRun), x.Created, x.Skipped, x.Errored,
		string(taskIDs), string(errs), nullable(x.Error)); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE automation_rules SET last_run_at=? WHERE id=?`, db.FormatTime(x.ExecutedAt), x.RuleID); err != nil {
		return fmt.Errorf("update last_run_at: %w", err)
	}
	if err := (events.Writer{Now: r.Now}).Append(ctx, tx, events.RuleExecuted, rule.MunicipalityID, "rule", rule.ID, "scheduler",
		events.EventPayload{"execution_id": x.ID, "created": x.Created, "skipped": x.Skipped, "errored": x.Errored}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListExecutions(ctx context.Context, ruleID string, limit int) ([]domain.RuleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,rule_id,rule_key,executed_at,dry_run,created,skipped,errored,task_ids_json,errors_json,COALESCE(error,'')
		FROM rule_executions WHERE rule_id=? ORDER BY executed_at DESC, id DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		var (
			x                domain.RuleExecution
			at               string
			dry              int
			taskIDs, errsRaw string
		)
		if err := rows.Scan(&x.ID, &x.RuleID, &x.RuleKey, &at, &dry, &x.Created, &x.Skipped, &x.Errored, &taskIDs, &errsRaw, &x.Error); err != nil {
			return nil, err
		}
		x.DryRun = dry == 1
		if x.ExecutedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(taskIDs), &x.TaskIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(errsRaw), &x.Errors); err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
