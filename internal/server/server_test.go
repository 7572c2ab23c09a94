package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/automation"
	"suasflow/internal/config"
	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
	"suasflow/internal/metrics"
	"suasflow/internal/migrate"
	"suasflow/internal/repo"
)

const (
	testSecret   = "test-secret"
	municipality = "3550308"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	nowFn := func() time.Time { return testNow }
	cfg := config.Default(municipality)
	m := metrics.New()
	r := repo.Repo{DB: conn, Now: nowFn}
	refs := engine.New(conn, cfg)
	refs.Now = nowFn
	refs.Metrics = m
	auto := automation.New(r, cfg)
	auto.Now = nowFn
	auto.Metrics = m

	handler, err := New(Config{
		Referrals:      refs,
		Automation:     auto,
		Repo:           r,
		Metrics:        m,
		BasePath:       "/v1",
		MunicipalityID: municipality,
		Auth:           AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Now:            nowFn,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, actor string, scope domain.Scope) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actor, scope, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

type referralJSON struct {
	ID           string  `json:"id"`
	UnitID       string  `json:"unit_id"`
	Status       string  `json:"status"`
	DeadlineDays int     `json:"deadline_days"`
	Overdue      bool    `json:"overdue"`
	Reminders    int     `json:"reminders"`
	Remaining    float64 `json:"remaining_hours"`
	Version      int     `json:"version"`
}

func insertReferral(t *testing.T, r repo.Repo, ref domain.Referral) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertReferral(ctx, tx, ref))
	require.NoError(t, tx.Commit())
}

func TestHealthAndAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/overdue", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/overdue", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/overdue", nil, map[string]string{"X-Actor-Id": "tecnico-1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
}

func TestReferralLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	auth := bearer(t, "tecnico-1", domain.Scope{MunicipalityID: municipality, UnitID: "cras-centro"})

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals", map[string]any{
		"destination_type": "health",
		"destination_name": "UBS Vila Nova",
		"reason":           "avaliação nutricional",
		"deadline_days":    5,
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ref referralJSON
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, "sent", ref.Status)
	assert.Equal(t, "cras-centro", ref.UnitID)
	assert.Equal(t, 5, ref.DeadlineDays)
	assert.InDelta(t, 120, ref.Remaining, 0.001)

	for _, want := range []string{"received", "scheduled", "attended"} {
		res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/advance", nil, auth)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &ref))
		assert.Equal(t, want, ref.Status)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/feedback", map[string]any{}, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/feedback", map[string]any{"detail": "compareceu"}, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, "feedback_given", ref.Status)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/advance", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, "completed", ref.Status)
	assert.Equal(t, 6, ref.Version)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/advance", nil, auth)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "completed", env.Error.Details["from"])

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/"+ref.ID+"/log", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var log ReferralLogResponse
	require.NoError(t, json.Unmarshal(body, &log))
	assert.Len(t, log.Items, 6)
}

func TestReferralValidationAndScope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	auth := bearer(t, "tecnico-1", domain.Scope{MunicipalityID: municipality, UnitID: "cras-centro"})

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals", map[string]any{
		"destination_type": "police",
		"destination_name": "DP",
		"reason":           "x",
	}, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "bad_request", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals", map[string]any{
		"destination_type": "education",
		"destination_name": "EMEF Paulo Freire",
		"reason":           "matrícula",
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ref referralJSON
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, 7, ref.DeadlineDays)

	other := bearer(t, "tecnico-2", domain.Scope{MunicipalityID: municipality, UnitID: "cras-norte"})
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/"+ref.ID, nil, other)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "not_found", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/cancel", map[string]any{"detail": "x"}, other)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	manager := bearer(t, "gestor", domain.Scope{MunicipalityID: municipality})
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals/"+ref.ID+"/reminders", map[string]any{"detail": "ligação"}, manager)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/"+ref.ID, nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &ref))
	assert.Equal(t, 1, ref.Reminders)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/referrals", map[string]any{
		"destination_type": "social",
		"destination_name": "CREAS",
		"reason":           "x",
	}, manager)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestOverdueAndCompliance(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	auth := bearer(t, "gestor", domain.Scope{MunicipalityID: municipality})

	created := testNow.Add(-10 * 24 * time.Hour)
	insertReferral(t, srv.Repo, domain.Referral{
		ID: "r-late", MunicipalityID: municipality, UnitID: "cras-centro", DestinationType: domain.DestinationHealth,
		DestinationName: "UBS Vila Nova", Reason: "x", Status: domain.StatusScheduled, DeadlineDays: 7,
		CreatedAt: created, StatusChangedAt: created, Version: 1,
	})
	fb := created.Add(24 * time.Hour)
	insertReferral(t, srv.Repo, domain.Referral{
		ID: "r-ok", MunicipalityID: municipality, UnitID: "cras-centro", DestinationType: domain.DestinationEducation,
		DestinationName: "EMEF Paulo Freire", Reason: "x", Status: domain.StatusFeedbackGiven, DeadlineDays: 7,
		FeedbackAt: &fb, CreatedAt: created, StatusChangedAt: fb, Version: 5,
	})

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/referrals/overdue", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var overdue OverdueResponse
	require.NoError(t, json.Unmarshal(body, &overdue))
	require.Len(t, overdue.Items, 1)
	assert.Equal(t, "r-late", overdue.Items[0].ID)
	assert.True(t, overdue.Items[0].Overdue)
	assert.Equal(t, 10, overdue.Items[0].DaysOpen)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/compliance/ranking?group_by=destination&top=1", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var report struct {
		GroupBy string `json:"group_by"`
		Best    []struct {
			Label string `json:"label"`
		} `json:"best"`
		Worst []struct {
			Label string `json:"label"`
		} `json:"worst"`
	}
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, "destination", report.GroupBy)
	require.Len(t, report.Best, 1)
	assert.Equal(t, "EMEF Paulo Freire", report.Best[0].Label)
	require.Len(t, report.Worst, 1)
	assert.Equal(t, "UBS Vila Nova", report.Worst[0].Label)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/compliance/ranking?group_by=bairro", nil, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestAutomationRulesOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	ctx := context.Background()
	auth := bearer(t, "gestor", domain.Scope{MunicipalityID: municipality})

	require.NoError(t, srv.Repo.ImportSnapshot(ctx, domain.Snapshot{Cases: []domain.Case{
		{ID: "c1", MunicipalityID: municipality, UnitID: "cras-centro", Status: "ativo", LastActivityAt: testNow.Add(-10 * 24 * time.Hour)},
		{ID: "c2", MunicipalityID: municipality, UnitID: "cras-centro", Status: "ativo", LastActivityAt: testNow.Add(-time.Hour)},
	}}))

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/automation/rules/seed", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var seeded SeedResponse
	require.NoError(t, json.Unmarshal(body, &seeded))
	assert.Len(t, seeded.Inserted, len(automation.Catalog()))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/automation/rules/seed", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &seeded))
	assert.Empty(t, seeded.Inserted)

	var idle domain.AutomationRule
	for _, r := range seeded.Items {
		if r.Key == automation.KeyCaseIdle {
			idle = r
		}
	}
	require.NotEmpty(t, idle.ID)

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/automation/rules/"+idle.ID, map[string]any{
		"params": map[string]any{"dias_sem_mov": 0},
	}, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/automation/execute", map[string]any{
		"dry_run": true, "rule_ids": []string{idle.ID},
	}, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var execs ExecutionListResponse
	require.NoError(t, json.Unmarshal(body, &execs))
	require.Len(t, execs.Items, 1)
	assert.True(t, execs.Items[0].DryRun)
	assert.Equal(t, 1, execs.Items[0].Created)
	require.Len(t, execs.Items[0].Planned, 1)
	assert.Equal(t, "c1", execs.Items[0].Planned[0].EntityID)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var tasks TaskListResponse
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Empty(t, tasks.Items)

	for i, want := range []int{1, 0} {
		res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/automation/execute", map[string]any{"rule_ids": []string{idle.ID}}, auth)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &execs))
		require.Len(t, execs.Items, 1)
		assert.Equal(t, want, execs.Items[0].Created, "run %d", i)
		assert.Equal(t, 1-want, execs.Items[0].Skipped, "run %d", i)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?rule_key="+automation.KeyCaseIdle, nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks.Items, 1)
	assert.Equal(t, "c1", tasks.Items[0].EntityID)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/automation/rules/"+idle.ID+"/executions", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &execs))
	assert.Len(t, execs.Items, 2)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/automation/rules/missing/executions", nil, auth)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Contains(t, doc.Paths, "/v1/referrals/{id}/advance")
	assert.Contains(t, doc.Paths, "/v1/automation/execute-due")
}

func TestOpenAPIDocumentConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		require.NotEmpty(t, bodies[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
}
