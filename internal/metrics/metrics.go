package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"suasflow/internal/domain"
)

const namespace = "suas"

// Metrics holds the collectors of the referral and automation core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	ruleExecutions      *prometheus.CounterVec
	ruleTasks           *prometheus.CounterVec
	ruleDuration        *prometheus.HistogramVec
	schedulingConflicts *prometheus.CounterVec
	referralTransitions *prometheus.CounterVec
	schedulerTicks      prometheus.Counter
	notifyDeliveries    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ruleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation", Name: "rule_executions_total",
			Help: "Rule executions by rule key and mode.",
		}, []string{"rule_key", "dry_run"}),
		ruleTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation", Name: "rule_tasks_total",
			Help: "Proposed tasks by rule key and outcome (created, skipped, errored).",
		}, []string{"rule_key", "outcome"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "automation", Name: "rule_duration_seconds",
			Help:    "Wall time of a rule execution.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"rule_key"}),
		schedulingConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "automation", Name: "scheduling_conflicts_total",
			Help: "Executions refused because the rule was already running.",
		}, []string{"rule_key"}),
		referralTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "referrals", Name: "transitions_total",
			Help: "Referral lifecycle operations by action and resulting status.",
		}, []string{"action", "status"}),
		schedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler polling ticks.",
		}),
		notifyDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "deliveries_total",
			Help: "Event deliveries by sink and result.",
		}, []string{"sink", "result"}),
	}
	m.registry.MustRegister(
		m.ruleExecutions, m.ruleTasks, m.ruleDuration, m.schedulingConflicts,
		m.referralTransitions, m.schedulerTicks, m.notifyDeliveries,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveExecution(x domain.RuleExecution, took time.Duration) {
	if m == nil {
		return
	}
	m.ruleExecutions.WithLabelValues(x.RuleKey, strconv.FormatBool(x.DryRun)).Inc()
	m.ruleTasks.WithLabelValues(x.RuleKey, "created").Add(float64(x.Created))
	m.ruleTasks.WithLabelValues(x.RuleKey, "skipped").Add(float64(x.Skipped))
	m.ruleTasks.WithLabelValues(x.RuleKey, "errored").Add(float64(x.Errored))
	m.ruleDuration.WithLabelValues(x.RuleKey).Observe(took.Seconds())
}

func (m *Metrics) ObserveConflict(ruleKey string) {
	if m == nil {
		return
	}
	m.schedulingConflicts.WithLabelValues(ruleKey).Inc()
}

func (m *Metrics) ObserveTransition(action string, status domain.ReferralStatus) {
	if m == nil {
		return
	}
	m.referralTransitions.WithLabelValues(action, string(status)).Inc()
}

func (m *Metrics) ObserveTick() {
	if m == nil {
		return
	}
	m.schedulerTicks.Inc()
}

func (m *Metrics) ObserveDelivery(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifyDeliveries.WithLabelValues(sink, result).Inc()
}
