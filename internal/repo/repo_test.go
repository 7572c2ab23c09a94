package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/migrate"
	"suasflow/internal/repo"
)

var (
	testScope = domain.Scope{MunicipalityID: "3550308", UnitID: "cras-sul"}
	testNow   = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Now: func() time.Time { return testNow }}
}

func referral(id, unit string) domain.Referral {
	return domain.Referral{
		ID:              id,
		MunicipalityID:  testScope.MunicipalityID,
		UnitID:          unit,
		DestinationType: domain.DestinationEducation,
		DestinationName: "EMEF Jardim",
		Reason:          "matrícula",
		Status:          domain.StatusSent,
		DeadlineDays:    5,
		CreatedAt:       testNow,
		StatusChangedAt: testNow,
		Version:         1,
	}
}

func insert(t *testing.T, r repo.Repo, refs ...domain.Referral) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	for _, ref := range refs {
		require.NoError(t, r.InsertReferral(ctx, tx, ref))
	}
	require.NoError(t, tx.Commit())
}

func TestSwapReferralRejectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	prev := referral("ref-1", testScope.UnitID)
	insert(t, r, prev)

	next := prev
	next.Status = domain.StatusReceived
	next.StatusChangedAt = testNow.Add(time.Hour)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err := r.SwapReferral(ctx, tx, prev, next)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err = r.SwapReferral(ctx, tx, prev, next)
	require.NoError(t, err)
	assert.False(t, ok, "second swap from the same version must lose")
	require.NoError(t, tx.Rollback())

	got, err := r.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.StatusChangedAt.Equal(testNow.Add(time.Hour)))
}

func TestInsertReferralDuplicate(t *testing.T) {
	r := newRepo(t)
	insert(t, r, referral("ref-1", testScope.UnitID))

	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.InsertReferral(ctx, tx, referral("ref-1", testScope.UnitID))
	assert.ErrorIs(t, err, repo.ErrDuplicate)
}

func TestListReferralsScopeAndCursor(t *testing.T) {
	r := newRepo(t)
	a := referral("ref-a", "cras-sul")
	b := referral("ref-b", "cras-sul")
	b.CreatedAt = testNow.Add(time.Minute)
	c := referral("ref-c", "cras-norte")
	insert(t, r, a, b, c)
	ctx := context.Background()

	unit, err := r.ListReferrals(ctx, repo.ReferralFilters{Scope: testScope})
	require.NoError(t, err)
	require.Len(t, unit, 2)
	assert.Equal(t, "ref-a", unit[0].ID)

	all, err := r.ListReferrals(ctx, repo.ReferralFilters{Scope: domain.Scope{MunicipalityID: testScope.MunicipalityID}})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := r.ListReferrals(ctx, repo.ReferralFilters{Scope: testScope, CursorCreatedAt: db.FormatTime(a.CreatedAt), CursorID: a.ID})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "ref-b", page[0].ID)

	other, err := r.ListReferrals(ctx, repo.ReferralFilters{Scope: domain.Scope{MunicipalityID: "9999999"}})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReminderCounts(t *testing.T) {
	r := newRepo(t)
	insert(t, r, referral("ref-1", "cras-sul"), referral("ref-2", "cras-norte"))
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for _, e := range []domain.ReferralLogEntry{
		{ReferralID: "ref-1", Kind: domain.LogReminder, ActorID: "t1", At: testNow},
		{ReferralID: "ref-1", Kind: domain.LogReminder, ActorID: "t1", At: testNow},
		{ReferralID: "ref-1", Kind: domain.LogTransition, FromStatus: domain.StatusSent, ToStatus: domain.StatusReceived, ActorID: "t1", At: testNow},
		{ReferralID: "ref-2", Kind: domain.LogReminder, ActorID: "t2", At: testNow},
	} {
		require.NoError(t, r.InsertReferralLog(ctx, tx, e))
	}
	require.NoError(t, tx.Commit())

	counts, err := r.ReminderCounts(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ref-1": 2}, counts)

	counts, err = r.ReminderCounts(ctx, domain.Scope{MunicipalityID: testScope.MunicipalityID})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ref-1": 2, "ref-2": 1}, counts)

	log, err := r.ListReferralLog(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, domain.StatusReceived, log[2].ToStatus)
}

func TestSeedRuleIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	rule := domain.AutomationRule{
		ID:               "rule-1",
		MunicipalityID:   testScope.MunicipalityID,
		Key:              "encaminhamento_sem_devolutiva",
		Title:            "Encaminhamento sem devolutiva",
		Active:           true,
		FrequencyMinutes: 1440,
		Params:           map[string]any{"prazo_dias": 2},
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	inserted, err := r.SeedRule(ctx, rule, "admin")
	require.NoError(t, err)
	assert.True(t, inserted)

	again := rule
	again.ID = "rule-2"
	again.Params = map[string]any{"prazo_dias": 9}
	inserted, err = r.SeedRule(ctx, again, "admin")
	require.NoError(t, err)
	assert.False(t, inserted)

	rules, err := r.ListRules(ctx, domain.Scope{MunicipalityID: testScope.MunicipalityID}, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-1", rules[0].ID)
	assert.EqualValues(t, 2, rules[0].Params["prazo_dias"])

	evts, err := r.EventsAfter(ctx, 10, 0, testScope.MunicipalityID)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestCreateTaskDuplicateKey(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	task := domain.Task{
		ID:             "task-1",
		MunicipalityID: testScope.MunicipalityID,
		UnitID:         testScope.UnitID,
		RuleID:         "rule-1",
		RuleKey:        "caso_sem_movimentacao",
		EntityType:     "case",
		EntityID:       "case-9",
		Title:          "Acompanhar caso",
		Priority:       domain.PriorityHigh,
		DueAt:          testNow.Add(48 * time.Hour),
		Status:         domain.TaskStatusOpen,
		IdempotencyKey: "k1",
		CreatedAt:      testNow,
	}
	require.NoError(t, r.CreateTask(ctx, task))

	dup := task
	dup.ID = "task-2"
	err := r.CreateTask(ctx, dup)
	assert.ErrorIs(t, err, repo.ErrDuplicate)

	exists, err := r.TaskExists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = r.TaskExists(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, exists)

	tasks, err := r.ListTasks(ctx, repo.TaskFilters{Scope: testScope, RuleKey: "caso_sem_movimentacao"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.True(t, tasks[0].DueAt.Equal(task.DueAt))
}

func TestRepoErrorPaths(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM referrals WHERE id=\\?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = r.GetReferral(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WillReturnError(errors.New("UNIQUE constraint failed: tasks.idempotency_key"))
	mock.ExpectRollback()
	err = r.CreateTask(ctx, domain.Task{ID: "t1", IdempotencyKey: "k1", DueAt: testNow, CreatedAt: testNow})
	assert.ErrorIs(t, err, repo.ErrDuplicate)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE referrals SET status=").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err := r.SwapReferral(ctx, tx, referral("ref-1", "u"), referral("ref-1", "u"))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Rollback())

	mock.ExpectQuery("SELECT l.referral_id, COUNT").
		WillReturnError(errors.New("disk I/O error"))
	_, err = r.ReminderCounts(ctx, testScope)
	assert.EqualError(t, err, "disk I/O error")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotKeepsSCFVEnrollment(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	enrolled := testNow.Add(-40 * 24 * time.Hour)
	require.NoError(t, r.ImportSnapshot(ctx, domain.Snapshot{SCFV: []domain.SCFVParticipant{
		{ID: "s1", MunicipalityID: testScope.MunicipalityID, UnitID: testScope.UnitID, Active: true, EnrolledAt: &enrolled},
	}}))

	snap, err := r.LoadSnapshot(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, snap.SCFV, 1)
	require.NotNil(t, snap.SCFV[0].EnrolledAt)
	assert.True(t, snap.SCFV[0].EnrolledAt.Equal(enrolled))
	assert.Nil(t, snap.SCFV[0].LastAttendanceAt)
}
