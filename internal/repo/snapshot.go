package repo

import (
	"context"
	"database/sql"
	"fmt"

	"suasflow/internal/db"
	"suasflow/internal/domain"
)

// LoadSnapshot reads everything the automation rules evaluate for scope.
func (r Repo) LoadSnapshot(ctx context.Context, scope domain.Scope) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var err error
	if snap.Cases, err = r.listCases(ctx, scope); err != nil {
		return snap, fmt.Errorf("load cases: %w", err)
	}
	if snap.Referrals, err = r.ListReferrals(ctx, ReferralFilters{Scope: scope}); err != nil {
		return snap, fmt.Errorf("load referrals: %w", err)
	}
	if snap.PreRegistrations, err = r.listPreRegistrations(ctx, scope); err != nil {
		return snap, fmt.Errorf("load cadunico pre-registrations: %w", err)
	}
	if snap.SCFV, err = r.listSCFV(ctx, scope); err != nil {
		return snap, fmt.Errorf("load scfv participants: %w", err)
	}
	return snap, nil
}

func (r Repo) listCases(ctx context.Context, scope domain.Scope) ([]domain.Case, error) {
	clauses, args := scopeClause(scope, nil, nil)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,municipality_id,unit_id,COALESCE(subject_id,''),status,last_activity_at FROM cases`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		var last string
		if err := rows.Scan(&c.ID, &c.MunicipalityID, &c.UnitID, &c.SubjectID, &c.Status, &last); err != nil {
			return nil, err
		}
		if c.LastActivityAt, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("case %s: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) listPreRegistrations(ctx context.Context, scope domain.Scope) ([]domain.CadUnicoPreRegistration, error) {
	clauses, args := scopeClause(scope, nil, nil)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,municipality_id,unit_id,COALESCE(person_id,''),status,created_at FROM cadunico_preregistrations`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CadUnicoPreRegistration
	for rows.Next() {
		var p domain.CadUnicoPreRegistration
		var created string
		if err := rows.Scan(&p.ID, &p.MunicipalityID, &p.UnitID, &p.PersonID, &p.Status, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("pre-registration %s: %w", p.ID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) listSCFV(ctx context.Context, scope domain.Scope) ([]domain.SCFVParticipant, error) {
	clauses, args := scopeClause(scope, nil, nil)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,municipality_id,unit_id,COALESCE(person_id,''),COALESCE(group_name,''),active,enrolled_at,last_attendance_at FROM scfv_participants`+where(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SCFVParticipant
	for rows.Next() {
		var p domain.SCFVParticipant
		var active int
		var enrolled, last sql.NullString
		if err := rows.Scan(&p.ID, &p.MunicipalityID, &p.UnitID, &p.PersonID, &p.Group, &active, &enrolled, &last); err != nil {
			return nil, err
		}
		p.Active = active == 1
		if p.EnrolledAt, err = parseNullTime(enrolled); err != nil {
			return nil, fmt.Errorf("scfv participant %s: %w", p.ID, err)
		}
		if p.LastAttendanceAt, err = parseNullTime(last); err != nil {
			return nil, fmt.Errorf("scfv participant %s: %w", p.ID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ImportSnapshot upserts operational records owned by other modules of the
// system so the rules can be exercised locally.
func (r Repo) ImportSnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range snap.Cases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cases(id,municipality_id,unit_id,subject_id,status,last_activity_at) VALUES (?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET municipality_id=excluded.municipality_id, unit_id=excluded.unit_id, subject_id=excluded.subject_id,
			status=excluded.status, last_activity_at=excluded.last_activity_at`,
			c.ID, c.MunicipalityID, c.UnitID, nullable(c.SubjectID), c.Status, db.FormatTime(c.LastActivityAt)); err != nil {
			return fmt.Errorf("import case %s: %w", c.ID, err)
		}
	}
	for _, p := range snap.PreRegistrations {
		status := p.Status
		if status == "" {
			status = "pendente"
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cadunico_preregistrations(id,municipality_id,unit_id,person_id,status,created_at) VALUES (?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET municipality_id=excluded.municipality_id, unit_id=excluded.unit_id, person_id=excluded.person_id,
			status=excluded.status, created_at=excluded.created_at`,
			p.ID, p.MunicipalityID, p.UnitID, nullable(p.PersonID), status, db.FormatTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("import pre-registration %s: %w", p.ID, err)
		}
	}
	for _, p := range snap.SCFV {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scfv_participants(id,municipality_id,unit_id,person_id,group_name,active,enrolled_at,last_attendance_at) VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET municipality_id=excluded.municipality_id, unit_id=excluded.unit_id, person_id=excluded.person_id,
			group_name=excluded.group_name, active=excluded.active, enrolled_at=excluded.enrolled_at, last_attendance_at=excluded.last_attendance_at`,
			p.ID, p.MunicipalityID, p.UnitID, nullable(p.PersonID), nullable(p.Group), boolInt(p.Active), nullableTime(p.EnrolledAt), nullableTime(p.LastAttendanceAt)); err != nil {
			return fmt.Errorf("import scfv participant %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}
