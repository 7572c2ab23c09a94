package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"suasflow/internal/db"
	"suasflow/internal/domain"
)

const referralColumns = `id,municipality_id,unit_id,subject_id,territory,destination_type,destination_name,reason,status,deadline_days,detail,cancelled,feedback_at,created_at,status_changed_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReferral(row rowScanner) (domain.Referral, error) {
	var (
		r                          domain.Referral
		subject, territory, detail sql.NullString
		feedbackAt                 sql.NullString
		createdAt, changedAt       string
		destType, status           string
		cancelled                  int
	)
	err := row.Scan(&r.ID, &r.MunicipalityID, &r.UnitID, &subject, &territory, &destType, &r.DestinationName, &r.Reason,
		&status, &r.DeadlineDays, &detail, &cancelled, &feedbackAt, &createdAt, &changedAt, &r.Version)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.SubjectID = subject.String
	r.Territory = territory.String
	r.Detail = detail.String
	r.DestinationType = domain.DestinationType(destType)
	r.Status = domain.ReferralStatus(status)
	r.Cancelled = cancelled == 1
	if r.FeedbackAt, err = parseNullTime(feedbackAt); err != nil {
		return r, fmt.Errorf("referral %s feedback_at: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("referral %s created_at: %w", r.ID, err)
	}
	if r.StatusChangedAt, err = parseTime(changedAt); err != nil {
		return r, fmt.Errorf("referral %s status_changed_at: %w", r.ID, err)
	}
	return r, nil
}

func (r Repo) InsertReferral(ctx context.Context, tx *sql.Tx, ref domain.Referral) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO referrals(`+referralColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ref.ID, ref.MunicipalityID, ref.UnitID, nullable(ref.SubjectID), nullable(ref.Territory), string(ref.DestinationType),
		ref.DestinationName, ref.Reason, string(ref.Status), ref.DeadlineDays, nullable(ref.Detail), boolInt(ref.Cancelled),
		nullableTime(ref.FeedbackAt), db.FormatTime(ref.CreatedAt), db.FormatTime(ref.StatusChangedAt), ref.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("referral %s: %w", ref.ID, ErrDuplicate)
	}
	return err
}

func (r Repo) GetReferral(ctx context.Context, id string) (domain.Referral, error) {
	ref, err := scanReferral(r.DB.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id=?`, id))
	if err == ErrNotFound {
		return ref, fmt.Errorf("referral %s: %w", id, ErrNotFound)
	}
	return ref, err
}

// SwapReferral writes next only if the stored row still has the status and
// version of prev. It reports false when another writer got there first.
func (r Repo) SwapReferral(ctx context.Context, tx *sql.Tx, prev, next domain.Referral) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE referrals SET status=?, detail=?, cancelled=?, feedback_at=?, status_changed_at=?, version=version+1
		WHERE id=? AND status=? AND version=?`,
		string(next.Status), nullable(next.Detail), boolInt(next.Cancelled), nullableTime(next.FeedbackAt), db.FormatTime(next.StatusChangedAt),
		prev.ID, string(prev.Status), prev.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type ReferralFilters struct {
	Scope           domain.Scope
	Statuses        []domain.ReferralStatus
	DestinationType domain.DestinationType
	Destination     string
	SubjectID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListReferrals(ctx context.Context, f ReferralFilters) ([]domain.Referral, error) {
	clauses, args := scopeClause(f.Scope, nil, nil)
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.DestinationType != "" {
		clauses = append(clauses, "destination_type=?")
		args = append(args, string(f.DestinationType))
	}
	if f.Destination != "" {
		clauses = append(clauses, "destination_name=?")
		args = append(args, f.Destination)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CursorCreatedAt != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	q := `SELECT ` + referralColumns + ` FROM referrals` + where(clauses) + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}

func (r Repo) InsertReferralLog(ctx context.Context, tx *sql.Tx, e domain.ReferralLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO referral_log(referral_id,kind,from_status,to_status,detail,actor_id,at) VALUES (?,?,?,?,?,?,?)`,
		e.ReferralID, string(e.Kind), nullable(string(e.FromStatus)), nullable(string(e.ToStatus)), nullable(e.Detail), e.ActorID, db.FormatTime(e.At))
	return err
}

func (r Repo) ListReferralLog(ctx context.Context, referralID string) ([]domain.ReferralLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,referral_id,kind,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(detail,''),actor_id,at
		FROM referral_log WHERE referral_id=? ORDER BY id`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReferralLogEntry
	for rows.Next() {
		var (
			e              domain.ReferralLogEntry
			kind, from, to string
			at             string
		)
		if err := rows.Scan(&e.ID, &e.ReferralID, &kind, &from, &to, &e.Detail, &e.ActorID, &at); err != nil {
			return nil, err
		}
		e.Kind = domain.LogKind(kind)
		e.FromStatus = domain.ReferralStatus(from)
		e.ToStatus = domain.ReferralStatus(to)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ReminderCounts returns the number of reminder log entries per referral in
// scope. Referrals without reminders are absent from the map.
func (r Repo) ReminderCounts(ctx context.Context, scope domain.Scope) (map[string]int, error) {
	clauses, args := scopeClause(scope, []string{"l.kind='reminder'"}, nil)
	for i, c := range clauses[1:] {
		clauses[i+1] = "f." + c
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT l.referral_id, COUNT(*) FROM referral_log l
		JOIN referrals f ON f.id = l.referral_id`+where(clauses)+` GROUP BY l.referral_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
