package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/trigger"
)

func TestMetricsObserverCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EventEmitted(trigger.TypeCron)
	m.EventEmitted(trigger.TypeCron)
	m.WebhookRejected("/hook", "bad_signature")
	m.CallbackPanicked(trigger.TypeWebhook)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.triggerEvents.WithLabelValues("cron")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookRejections.WithLabelValues("/hook", "bad_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbackPanics.WithLabelValues("webhook")))
}

func TestMetricsRecordRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRun(&agent.RunResult{Success: true, AgentName: "ops", TriggerType: "webhook", TokensUsed: 150, Duration: time.Second})
	m.RecordRun(&agent.RunResult{Success: false, AgentName: "ops"})
	m.RecordRun(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("ops", "webhook", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("ops", "manual", "failure")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues("ops")))
}

func TestMetricsBudgetAndAutonomous(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.BudgetRefused("Daily budget exceeded")
	m.AutonomousFinished("completed", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetRefusals.WithLabelValues("Daily budget exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autonomousRuns.WithLabelValues("completed")))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventEmitted(trigger.TypeCron)
		m.WebhookRejected("/", "x")
		m.CallbackPanicked(trigger.TypeCron)
		m.RecordRun(&agent.RunResult{})
		m.BudgetRefused("x")
		m.AutonomousFinished("error", 1)
	})
}

func TestMetricsSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.EventEmitted(trigger.TypeFileWatch)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `agentd_trigger_events_total{type="file_watch"} 1`))
}
