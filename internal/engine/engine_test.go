package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/config"
	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
	"suasflow/internal/migrate"
)

var scope = domain.Scope{MunicipalityID: "3550308", UnitID: "cras-centro"}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), clock: &clock}
	eng := engine.New(conn, config.Default(scope.MunicipalityID))
	eng.Now = func() time.Time { return *env.clock }
	env.Engine = eng
	return env
}

func (env *testEnv) advanceClock(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) create(t *testing.T, days int) domain.Referral {
	t.Helper()
	ref, err := env.Engine.CreateReferral(env.Ctx, engine.ReferralCreateOptions{
		Scope:           scope,
		DestinationType: domain.DestinationHealth,
		DestinationName: "UBS Vila Nova",
		Reason:          "avaliação nutricional",
		DeadlineDays:    &days,
		ActorID:         "tecnico-1",
	})
	require.NoError(t, err)
	return ref
}

func (env *testEnv) in(id, detail string) engine.TransitionInput {
	return engine.TransitionInput{ID: id, Scope: scope, Detail: detail, ActorID: "tecnico-1"}
}

func TestReferralLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)
	assert.Equal(t, domain.StatusSent, ref.Status)
	assert.Equal(t, 7, ref.DeadlineDays)

	for _, want := range []domain.ReferralStatus{domain.StatusReceived, domain.StatusScheduled, domain.StatusAttended} {
		env.advanceClock(24 * time.Hour)
		var err error
		ref, err = env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
		require.NoError(t, err)
		assert.Equal(t, want, ref.Status)
	}

	ref, err := env.Engine.RecordFeedback(env.Ctx, env.in(ref.ID, "atendido, segue em acompanhamento"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFeedbackGiven, ref.Status)
	require.NotNil(t, ref.FeedbackAt)
	assert.False(t, engine.IsOverdue(ref, *env.clock))
	env.advanceClock(30 * 24 * time.Hour)
	assert.False(t, engine.IsOverdue(ref, *env.clock), "answered referrals are never overdue")

	ref, err = env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, ref.Status)

	_, err = env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
	var ite domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, domain.StatusCompleted, ite.From)

	stored, err := env.Engine.GetReferral(env.Ctx, scope, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, ref.Version, stored.Version)

	log, err := env.Engine.ReferralLog(env.Ctx, scope, ref.ID)
	require.NoError(t, err)
	require.Len(t, log, 6)
	assert.Equal(t, domain.LogCreated, log[0].Kind)
	assert.Equal(t, domain.LogFeedback, log[4].Kind)
	assert.Equal(t, domain.StatusCompleted, log[5].ToStatus)
}

func TestCreateReferralValidation(t *testing.T) {
	env := newTestEnv(t)
	zero, negative := 0, -3
	cases := map[string]engine.ReferralCreateOptions{
		"zero deadline":     {Scope: scope, DestinationType: domain.DestinationSocial, DestinationName: "CREAS", Reason: "x", DeadlineDays: &zero},
		"negative deadline": {Scope: scope, DestinationType: domain.DestinationSocial, DestinationName: "CREAS", Reason: "x", DeadlineDays: &negative},
		"bad destination":   {Scope: scope, DestinationType: "police", DestinationName: "DP", Reason: "x"},
		"missing name":      {Scope: scope, DestinationType: domain.DestinationSocial, Reason: "x"},
		"missing reason":    {Scope: scope, DestinationType: domain.DestinationSocial, DestinationName: "CREAS"},
		"missing unit":      {Scope: domain.Scope{MunicipalityID: "3550308"}, DestinationType: domain.DestinationSocial, DestinationName: "CREAS", Reason: "x"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateReferral(env.Ctx, opts)
			var ve domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	ref, err := env.Engine.CreateReferral(env.Ctx, engine.ReferralCreateOptions{
		Scope: scope, DestinationType: domain.DestinationEducation, DestinationName: "EMEF Norte", Reason: "matrícula",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, ref.DeadlineDays, "default from config")
}

func TestOverdueBoundaryIsStrict(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)

	assert.False(t, engine.IsOverdue(ref, ref.CreatedAt.Add(7*24*time.Hour)))
	assert.True(t, engine.IsOverdue(ref, ref.CreatedAt.Add(7*24*time.Hour+time.Second)))
	assert.Equal(t, 6, engine.DaysOpen(ref, ref.CreatedAt.Add(7*24*time.Hour-time.Minute)))
}

func TestRecordFeedbackRules(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)

	_, err := env.Engine.RecordFeedback(env.Ctx, env.in(ref.ID, "   "))
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.RecordFeedback(env.Ctx, env.in(ref.ID, "cedo demais"))
	var ite domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, domain.StatusSent, ite.From)

	for i := 0; i < 3; i++ {
		ref, err = env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
		require.NoError(t, err)
	}
	first, err := env.Engine.RecordFeedback(env.Ctx, env.in(ref.ID, "primeira devolutiva"))
	require.NoError(t, err)
	env.advanceClock(time.Hour)
	amended, err := env.Engine.RecordFeedback(env.Ctx, env.in(ref.ID, "devolutiva corrigida"))
	require.NoError(t, err)
	assert.Equal(t, "devolutiva corrigida", amended.Detail)
	assert.True(t, first.FeedbackAt.Equal(*amended.FeedbackAt))
}

func TestCancelAndRemind(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 3)

	entry, err := env.Engine.Remind(env.Ctx, env.in(ref.ID, "ligação para a UBS"))
	require.NoError(t, err)
	assert.Equal(t, domain.LogReminder, entry.Kind)
	assert.Equal(t, domain.StatusSent, entry.ToStatus)

	_, err = env.Engine.Cancel(env.Ctx, env.in(ref.ID, ""))
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)

	cancelled, err := env.Engine.Cancel(env.Ctx, env.in(ref.ID, "família mudou de município"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Cancelled)
	assert.False(t, engine.IsOverdue(cancelled, cancelled.CreatedAt.Add(100*24*time.Hour)))

	for name, op := range map[string]func() error{
		"advance": func() error { _, err := env.Engine.Advance(env.Ctx, env.in(ref.ID, "")); return err },
		"cancel":  func() error { _, err := env.Engine.Cancel(env.Ctx, env.in(ref.ID, "de novo")); return err },
		"remind":  func() error { _, err := env.Engine.Remind(env.Ctx, env.in(ref.ID, "")); return err },
	} {
		var ite domain.InvalidTransitionError
		assert.ErrorAs(t, op(), &ite, name)
	}
}

func TestScopeHidesForeignReferrals(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)

	_, err := env.Engine.GetReferral(env.Ctx, domain.Scope{MunicipalityID: "4106902"}, ref.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = env.Engine.Advance(env.Ctx, engine.TransitionInput{ID: ref.ID, Scope: domain.Scope{MunicipalityID: scope.MunicipalityID, UnitID: "creas"}})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = env.Engine.GetReferral(env.Ctx, scope, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentAdvanceNeverSkipsAStep(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			var ite domain.InvalidTransitionError
			assert.ErrorAs(t, err, &ite)
		}()
	}
	wg.Wait()

	stored, err := env.Engine.GetReferral(env.Ctx, scope, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+successes, stored.Version)
	log, err := env.Engine.ReferralLog(env.Ctx, scope, ref.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1+successes)
	for i := 1; i < len(log); i++ {
		assert.Equal(t, log[i-1].ToStatus, log[i].FromStatus)
	}
}

func TestStaleWriteIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ref := env.create(t, 7)
	_, err := env.Engine.Advance(env.Ctx, env.in(ref.ID, ""))
	require.NoError(t, err)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	next := ref
	next.Status = domain.StatusReceived
	ok, err := env.Engine.Repo.SwapReferral(env.Ctx, tx, ref, next)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListOverdueAndCompliance(t *testing.T) {
	env := newTestEnv(t)
	late := env.create(t, 2)
	fast := env.create(t, 5)
	for i := 0; i < 3; i++ {
		_, err := env.Engine.Advance(env.Ctx, env.in(fast.ID, ""))
		require.NoError(t, err)
	}
	env.advanceClock(2 * time.Hour)
	_, err := env.Engine.RecordFeedback(env.Ctx, env.in(fast.ID, "ok"))
	require.NoError(t, err)

	env.advanceClock(3 * 24 * time.Hour)
	_, err = env.Engine.Remind(env.Ctx, env.in(late.ID, "cobrança"))
	require.NoError(t, err)

	overdue, err := env.Engine.ListOverdue(env.Ctx, engine.OverdueFilters{Scope: scope})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
	assert.True(t, overdue[0].Overdue)
	assert.Equal(t, 3, overdue[0].DaysOpen)
	assert.Equal(t, 1, overdue[0].Reminders)

	report, err := env.Engine.Compliance(env.Ctx, scope, "unit", 0)
	require.NoError(t, err)
	require.Len(t, report.Scores, 1)
	s := report.Scores[0]
	assert.Equal(t, scope.UnitID, s.Label)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.OnTime)
	assert.Equal(t, 1, s.Late)
	assert.Equal(t, 1, s.Reminders)

	_, err = env.Engine.Compliance(env.Ctx, scope, "module", 0)
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}
