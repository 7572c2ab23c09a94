package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/domain"
)

func TestObserveExecution(t *testing.T) {
	m := New()
	m.ObserveExecution(domain.RuleExecution{RuleKey: "caso_sem_movimentacao", Created: 3, Skipped: 1}, 20*time.Millisecond)
	m.ObserveExecution(domain.RuleExecution{RuleKey: "caso_sem_movimentacao", DryRun: true, Created: 2}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleExecutions.WithLabelValues("caso_sem_movimentacao", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleExecutions.WithLabelValues("caso_sem_movimentacao", "true")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ruleTasks.WithLabelValues("caso_sem_movimentacao", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleTasks.WithLabelValues("caso_sem_movimentacao", "skipped")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExecution(domain.RuleExecution{RuleKey: "x"}, time.Second)
		m.ObserveTransition("advance", domain.StatusReceived)
		m.ObserveConflict("x")
		m.ObserveTick()
		m.ObserveDelivery("webhook", errors.New("boom"))
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveTransition("advance", domain.StatusReceived)
	m.ObserveDelivery("kafka", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `suas_referrals_transitions_total{action="advance",status="received"} 1`)
	assert.Contains(t, string(body), `suas_notify_deliveries_total{result="ok",sink="kafka"} 1`)
}
