package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/trigger"
)

// Metrics holds the runner's Prometheus collectors. It implements
// trigger.Observer. A nil *Metrics records nothing.
type Metrics struct {
	triggerEvents     *prometheus.CounterVec
	webhookRejections *prometheus.CounterVec
	callbackPanics    *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec
	budgetRefusals    *prometheus.CounterVec
	autonomousRuns    *prometheus.CounterVec
	autonomousIters   prometheus.Histogram
}

var _ trigger.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg.
// Use a fresh prometheus.NewRegistry() per runtime in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		triggerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_trigger_events_total",
				Help: "Total number of trigger events handed to the daemon",
			},
			[]string{"type"},
		),
		webhookRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_webhook_rejections_total",
				Help: "Total number of webhook requests rejected before the callback",
			},
			[]string{"path", "reason"},
		),
		callbackPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_trigger_callback_panics_total",
				Help: "Total number of recovered panics in trigger callbacks",
			},
			[]string{"type"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_runs_total",
				Help: "Total number of agent executions",
			},
			[]string{"agent", "trigger", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_run_duration_seconds",
				Help:    "Agent execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_tokens_total",
				Help: "Total number of model tokens consumed",
			},
			[]string{"agent"},
		),
		budgetRefusals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_budget_refusals_total",
				Help: "Total number of daemon events refused by budget admission",
			},
			[]string{"reason"},
		),
		autonomousRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_autonomous_runs_total",
				Help: "Total number of finished autonomous runs by final status",
			},
			[]string{"status"},
		),
		autonomousIters: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentd_autonomous_iterations",
				Help:    "Iterations used by finished autonomous runs",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.triggerEvents,
			m.webhookRejections,
			m.callbackPanics,
			m.runsTotal,
			m.runDuration,
			m.tokensTotal,
			m.budgetRefusals,
			m.autonomousRuns,
			m.autonomousIters,
		)
	}
	return m
}

func (m *Metrics) EventEmitted(t trigger.Type) {
	if m == nil {
		return
	}
	m.triggerEvents.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) WebhookRejected(path, reason string) {
	if m == nil {
		return
	}
	m.webhookRejections.WithLabelValues(path, reason).Inc()
}

func (m *Metrics) CallbackPanicked(t trigger.Type) {
	if m == nil {
		return
	}
	m.callbackPanics.WithLabelValues(string(t)).Inc()
}

// RecordRun records one execution outcome.
func (m *Metrics) RecordRun(r *agent.RunResult) {
	if m == nil || r == nil {
		return
	}
	triggerType := r.TriggerType
	if triggerType == "" {
		triggerType = "manual"
	}
	m.runsTotal.WithLabelValues(r.AgentName, triggerType, r.Status()).Inc()
	m.runDuration.WithLabelValues(r.AgentName).Observe(r.Duration.Seconds())
	if r.TokensUsed > 0 {
		m.tokensTotal.WithLabelValues(r.AgentName).Add(float64(r.TokensUsed))
	}
}

// BudgetRefused records a refused daemon event.
func (m *Metrics) BudgetRefused(reason string) {
	if m == nil {
		return
	}
	m.budgetRefusals.WithLabelValues(reason).Inc()
}

// AutonomousFinished records the terminal state of an autonomous run.
func (m *Metrics) AutonomousFinished(status string, iterations int) {
	if m == nil {
		return
	}
	m.autonomousRuns.WithLabelValues(status).Inc()
	m.autonomousIters.Observe(float64(iterations))
}

// MetricsHandler returns an HTTP handler for the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
