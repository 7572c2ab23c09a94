package repo

import (
	"context"
	"database/sql"
	"fmt"

	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/events"
)

const taskColumns = `id,municipality_id,COALESCE(unit_id,''),rule_id,rule_key,entity_type,entity_id,title,COALESCE(description,''),priority,due_at,status,idempotency_key,created_at`

func (r Repo) TaskExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE idempotency_key=?`, idempotencyKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateTask inserts an automation task and its event. A task whose
// idempotency key already exists yields ErrDuplicate.
func (r Repo) CreateTask(ctx context.Context, t domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,municipality_id,unit_id,rule_id,rule_key,entity_type,entity_id,title,description,priority,due_at,status,idempotency_key,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MunicipalityID, nullable(t.UnitID), t.RuleID, t.RuleKey, t.EntityType, t.EntityID, t.Title, nullable(t.Description),
		string(t.Priority), db.FormatTime(t.DueAt), t.Status, t.IdempotencyKey, db.FormatTime(t.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s: %w", t.IdempotencyKey, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if err := (events.Writer{Now: r.Now}).Append(ctx, tx, events.TaskCreated, t.MunicipalityID, "task", t.ID, "automation",
		events.EventPayload{
			"rule_key":    t.RuleKey,
			"entity_type": t.EntityType,
			"entity_id":   t.EntityID,
			"unit_id":     t.UnitID,
			"title":       t.Title,
			"priority":    t.Priority,
			"due_at":      db.FormatTime(t.DueAt),
		}); err != nil {
		return err
	}
	return tx.Commit()
}

type TaskFilters struct {
	Scope      domain.Scope
	RuleKey    string
	EntityType string
	Status     string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses, args := scopeClause(f.Scope, nil, nil)
	if f.RuleKey != "" {
		clauses = append(clauses, "rule_key=?")
		args = append(args, f.RuleKey)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where(clauses)+` ORDER BY due_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var (
			t                domain.Task
			priority         string
			dueAt, createdAt string
		)
		if err := rows.Scan(&t.ID, &t.MunicipalityID, &t.UnitID, &t.RuleID, &t.RuleKey, &t.EntityType, &t.EntityID, &t.Title,
			&t.Description, &priority, &dueAt, &t.Status, &t.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		t.Priority = domain.Priority(priority)
		if t.DueAt, err = parseTime(dueAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
