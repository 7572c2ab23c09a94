package repo

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"suasflow/internal/db"
	"suasflow/internal/domain"
)

// Repo is the SQLite implementation of the referral, rule, task and
// snapshot stores.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound  = domain.ErrNotFound
	ErrDuplicate = domain.ErrDuplicate
)

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return db.FormatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, error) {
	return db.ParseTime(s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scopeClause appends the municipality/unit filter for the given table alias.
// An empty UnitID matches every unit of the municipality.
func scopeClause(scope domain.Scope, clauses []string, args []any) ([]string, []any) {
	clauses = append(clauses, "municipality_id=?")
	args = append(args, scope.MunicipalityID)
	if scope.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, scope.UnitID)
	}
	return clauses, args
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}
