package repo

import (
	"context"
	"database/sql"

	"suasflow/internal/domain"
)

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. An empty municipalityID matches every municipality.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, municipalityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if municipalityID != "" {
		clauses = append(clauses, "municipality_id=?")
		args = append(args, municipalityID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(municipality_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		FROM events`+where(clauses)+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MunicipalityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context, municipalityID string) (int64, error) {
	var id sql.NullInt64
	var err error
	if municipalityID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE municipality_id=?`, municipalityID).Scan(&id)
	}
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
