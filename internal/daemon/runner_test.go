package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/internal/budget"
	"github.com/aixgo-dev/agentd/internal/execution"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/security"
	"github.com/aixgo-dev/agentd/pkg/sink"
	"github.com/aixgo-dev/agentd/pkg/trigger"
)

type fakeExecutor struct {
	mu     sync.Mutex
	tokens int64
	err    error
	panics bool
	reqs   []execution.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req execution.Request) (*agent.RunResult, []agent.Message, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.panics {
		panic("executor exploded")
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return &agent.RunResult{
		Success:     true,
		Output:      "handled: " + req.Prompt,
		AgentName:   req.Agent.Name,
		RoleName:    req.Role.Name,
		TriggerType: req.TriggerType,
		TokensUsed:  f.tokens,
		Metadata:    req.TriggerMetadata,
	}, []agent.Message{agent.NewUserMessage(req.Prompt)}, nil
}

func (f *fakeExecutor) requests() []execution.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.Request(nil), f.reqs...)
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (c *countingSink) Name() string { return "counting" }
func (c *countingSink) Send(context.Context, *sink.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return nil
}
func (c *countingSink) Close() error { return nil }
func (c *countingSink) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func testAgent(triggers ...trigger.Config) (*agent.Agent, *agent.Role) {
	a := &agent.Agent{
		Name:  "ops",
		Model: "gpt-4o-mini",
		Roles: []agent.Role{{Name: "watcher", Triggers: triggers}},
	}
	a.ApplyDefaults()
	return a, &a.Roles[0]
}

func int64p(v int64) *int64 { return &v }

func TestRunWithoutTriggersReturnsImmediately(t *testing.T) {
	r := New(Options{})
	a, role := testAgent()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), a, role) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run blocked for a role without triggers")
	}
	assert.False(t, r.Running())
}

func TestRunRejectsInvalidTriggerBeforeStarting(t *testing.T) {
	started := false
	r := New(Options{Executor: &fakeExecutor{}, OnStart: func(*trigger.Dispatcher) { started = true }})
	a, role := testAgent(
		trigger.Config{Type: trigger.TypeCron, Cron: &trigger.CronConfig{Schedule: "@every 1h", Prompt: "tick"}},
		trigger.Config{Type: "smoke_signal"},
	)

	err := r.Run(context.Background(), a, role)
	assert.ErrorIs(t, err, trigger.ErrUnknownType)
	assert.False(t, started)
}

func TestHandlerRunsPipeline(t *testing.T) {
	exec := &fakeExecutor{tokens: 40}
	log := audit.NewInMemoryLogger()
	out := &countingSink{}
	store, err := memory.NewFileStore(t.TempDir())
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	r := New(Options{Executor: exec, Audit: log, Sinks: sink.NewDispatcher([]sink.Sink{out}), Memory: store, Metrics: metrics})
	a, role := testAgent()
	a.Memory.MaxSessions = 2
	tracker := budget.New(nil, int64p(1000))
	handle := r.handler(context.Background(), a, role, tracker, r.logger)

	for _, prompt := range []string{"one", "two", "three"} {
		handle(trigger.NewEvent(trigger.TypeWebhook, prompt, map[string]any{"path": "/hook"}))
	}

	reqs := exec.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "one", reqs[0].Prompt)
	assert.Equal(t, "webhook", reqs[0].TriggerType)
	assert.Equal(t, "/hook", reqs[0].TriggerMetadata["path"])
	assert.Same(t, log, reqs[0].Audit)

	assert.Equal(t, 3, out.sent())
	assert.Len(t, log.ByType(audit.EventRunCompleted), 3)

	sessions, err := store.ListSessions(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, sessions, 2, "pruned to max_sessions")
	assert.Equal(t, "handled: three", sessions[0].Output)

	snap := tracker.Snapshot()
	assert.Equal(t, int64(120), snap.TotalConsumed)
	assert.Equal(t, int64(120+3*budget.Reservation), snap.DailyConsumed)
}

func TestHandlerRefusesOverBudget(t *testing.T) {
	exec := &fakeExecutor{tokens: 100}
	log := audit.NewInMemoryLogger()
	out := &countingSink{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r := New(Options{Executor: exec, Audit: log, Sinks: sink.NewDispatcher([]sink.Sink{out}), Metrics: metrics})
	a, role := testAgent()
	tracker := budget.New(int64p(100), nil)
	handle := r.handler(context.Background(), a, role, tracker, r.logger)

	handle(trigger.NewEvent(trigger.TypeCron, "first", nil))
	handle(trigger.NewEvent(trigger.TypeCron, "second", nil))

	assert.Len(t, exec.requests(), 1)
	assert.Equal(t, 1, out.sent())
	refusals := log.ByType(audit.EventBudgetRefused)
	require.Len(t, refusals, 1)
	assert.Equal(t, budget.ReasonLifetime, refusals[0].Error)
	assert.Equal(t, "cron", refusals[0].TriggerType)

	count, err := testutil.GatherAndCount(reg, "agentd_budget_refusals_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlerContainsExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("no model client")}
	log := audit.NewInMemoryLogger()
	out := &countingSink{}
	r := New(Options{Executor: exec, Audit: log, Sinks: sink.NewDispatcher([]sink.Sink{out})})
	a, role := testAgent()
	handle := r.handler(context.Background(), a, role, budget.New(nil, nil), r.logger)

	assert.NotPanics(t, func() { handle(trigger.NewEvent(trigger.TypeFileWatch, "x", nil)) })
	runs := log.ByType(audit.EventRunCompleted)
	require.Len(t, runs, 1)
	assert.Equal(t, "failure", runs[0].Result)
	assert.Equal(t, "no model client", runs[0].Error)
	assert.Equal(t, 1, out.sent(), "failed results are still sinked")
}

func TestRunServesWebhookUntilCancelled(t *testing.T) {
	exec := &fakeExecutor{tokens: 5}
	log := audit.NewInMemoryLogger()
	store, err := memory.NewFileStore(t.TempDir())
	require.NoError(t, err)

	webhook, err := trigger.NewWebhookConfig(0, "/hook")
	require.NoError(t, err)
	webhook.Host = "127.0.0.1"
	a, role := testAgent(trigger.Config{Type: trigger.TypeWebhook, Webhook: webhook})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var logs bytes.Buffer
	var responses []int
	var r *Runner
	r = New(Options{
		Executor: exec,
		Audit:    log,
		Memory:   store,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
		OnStart: func(d *trigger.Dispatcher) {
			assert.True(t, r.Running())
			src := d.Sources()[0].(*trigger.Webhook)
			body := []byte("deploy finished")
			for _, sig := range []string{security.Sign(webhook.Secret, body), "sha256=00"} {
				req, err := http.NewRequest(http.MethodPost, "http://"+src.Addr()+"/hook", bytes.NewReader(body))
				require.NoError(t, err)
				req.Header.Set(security.SignatureHeader, sig)
				resp, err := http.DefaultClient.Do(req)
				require.NoError(t, err)
				resp.Body.Close()
				responses = append(responses, resp.StatusCode)
			}
			cancel()
		},
	})

	require.NoError(t, r.Run(ctx, a, role))
	assert.False(t, r.Running())
	assert.Equal(t, []int{http.StatusOK, http.StatusForbidden}, responses)

	reqs := exec.requests()
	require.Len(t, reqs, 1, "run happened before the 200 response")
	assert.Equal(t, "deploy finished", reqs[0].Prompt)

	sessions, err := store.ListSessions(context.Background(), "ops")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	started := log.ByType(audit.EventDaemonStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1, started[0].Metadata["triggers"], "live sources once started")
	stopped := log.ByType(audit.EventDaemonStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, 1, stopped[0].Metadata["triggers"], "configured sources after stop")
	assert.NotContains(t, logs.String(), webhook.Secret)
}

func TestRunSurvivesPanickingExecutor(t *testing.T) {
	exec := &fakeExecutor{panics: true}
	webhook, err := trigger.NewWebhookConfig(0, "/")
	require.NoError(t, err)
	webhook.Host = "127.0.0.1"
	webhook.InsecureNoAuth = true
	webhook.Secret = ""
	a, role := testAgent(trigger.Config{Type: trigger.TypeWebhook, Webhook: webhook})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var codes []int
	r := New(Options{
		Executor: exec,
		OnStart: func(d *trigger.Dispatcher) {
			addr := d.Sources()[0].(*trigger.Webhook).Addr()
			for range 2 {
				resp, err := http.Post("http://"+addr+"/", "text/plain", bytes.NewReader([]byte("x")))
				require.NoError(t, err)
				resp.Body.Close()
				codes = append(codes, resp.StatusCode)
			}
			cancel()
		},
	})

	require.NoError(t, r.Run(ctx, a, role))
	assert.Len(t, exec.requests(), 2, "source keeps serving after a panic")
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
}
