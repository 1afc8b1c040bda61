package autonomous

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/internal/execution"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/sink"
)

// step scripts one iteration of the fake executor.
type step struct {
	tokens int64
	fail   string
	err    error
	finish string // non-empty calls the finish tool with this summary
}

type fakeExecutor struct {
	mu    sync.Mutex
	steps []step
	reqs  []execution.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req execution.Request) (*agent.RunResult, []agent.Message, error) {
	f.mu.Lock()
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	s := step{tokens: 100}
	if i < len(f.steps) {
		s = f.steps[i]
	}
	f.mu.Unlock()

	if s.err != nil {
		return nil, nil, s.err
	}
	res := &agent.RunResult{
		Success:     s.fail == "",
		Error:       s.fail,
		Output:      "iteration output",
		AgentName:   req.Agent.Name,
		RoleName:    req.Role.Name,
		TriggerType: req.TriggerType,
		TokensUsed:  s.tokens,
		ToolCalls:   1,
		Metadata:    req.TriggerMetadata,
	}
	if s.finish != "" {
		for _, set := range req.ExtraToolsets {
			for _, tool := range set.Tools {
				if tool.Name == FinishToolName {
					_, _ = tool.Handler(ctx, map[string]any{"summary": s.finish})
				}
			}
		}
	}
	history := append(agent.CloneMessages(req.MessageHistory), agent.NewUserMessage(req.Prompt))
	return res, history, nil
}

func (f *fakeExecutor) requests() []execution.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.Request(nil), f.reqs...)
}

type countingSink struct {
	mu       sync.Mutex
	payloads []*sink.Payload
}

func (c *countingSink) Name() string { return "counting" }
func (c *countingSink) Send(_ context.Context, p *sink.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}
func (c *countingSink) Close() error { return nil }
func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func testAgent() (*agent.Agent, *agent.Role) {
	a := &agent.Agent{Name: "researcher", Model: "gpt-4o-mini", Roles: []agent.Role{{Name: "default"}}}
	a.ApplyDefaults()
	return a, &a.Roles[0]
}

func int64p(v int64) *int64 { return &v }

func TestMaxIterationsOverride(t *testing.T) {
	exec := &fakeExecutor{}
	out := &countingSink{}
	log := audit.NewInMemoryLogger()
	loop := New(Options{Executor: exec, Audit: log, Sinks: sink.NewDispatcher([]sink.Sink{out})})
	a, r := testAgent()

	state, err := loop.Run(context.Background(), a, r, "research", RunOptions{MaxIterations: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, state.FinalStatus)
	assert.Equal(t, 2, state.IterationCount)
	assert.Equal(t, int64(200), state.TotalTokens)
	assert.Equal(t, 2, state.TotalToolCalls)
	assert.Equal(t, 1, out.count(), "final output dispatched exactly once")

	final := out.payloads[0].Result
	assert.Equal(t, 2, final.Iterations)
	assert.Equal(t, int64(200), final.TokensUsed)
	assert.Equal(t, state.RunID, final.Metadata[MetaRunID])

	assert.Len(t, log.ByType(audit.EventRunCompleted), 2)
	assert.Len(t, log.ByType(audit.EventAutonomousDone), 1)
}

func TestFirstIterationFailure(t *testing.T) {
	exec := &fakeExecutor{steps: []step{{fail: "provider unavailable"}}}
	out := &countingSink{}
	loop := New(Options{Executor: exec, Sinks: sink.NewDispatcher([]sink.Sink{out})})
	a, r := testAgent()

	state, err := loop.Run(context.Background(), a, r, "research", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, state.FinalStatus)
	assert.Equal(t, 1, state.IterationCount)
	assert.Equal(t, "provider unavailable", state.Error)
	assert.Equal(t, 0, out.count(), "sinks never invoked on error")
	assert.Zero(t, state.TotalTokens)
}

func TestExecutorErrorBecomesFailure(t *testing.T) {
	exec := &fakeExecutor{steps: []step{{err: errors.New("no model client")}}}
	loop := New(Options{Executor: exec})
	a, r := testAgent()

	state, err := loop.Run(context.Background(), a, r, "x", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, state.FinalStatus)
	assert.Equal(t, 1, state.IterationCount)
	assert.Equal(t, "no model client", state.Error)
	require.NotNil(t, state.FinalResult)
	assert.False(t, state.FinalResult.Success)
}

func TestBudgetExceeded(t *testing.T) {
	exec := &fakeExecutor{}
	out := &countingSink{}
	loop := New(Options{Executor: exec, Sinks: sink.NewDispatcher([]sink.Sink{out})})
	a, r := testAgent()
	r.Guardrails.AutonomousTokenBudget = int64p(150)

	state, err := loop.Run(context.Background(), a, r, "research", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExceeded, state.FinalStatus)
	assert.Equal(t, 2, state.IterationCount, "checked before the third iteration")
	assert.Equal(t, int64(200), state.TotalTokens)
	assert.Len(t, exec.requests(), 2)
	assert.Equal(t, 0, out.count())
}

func TestZeroBudgetRunsNothing(t *testing.T) {
	exec := &fakeExecutor{}
	loop := New(Options{Executor: exec})
	a, r := testAgent()
	r.Guardrails.AutonomousTokenBudget = int64p(0)

	state, err := loop.Run(context.Background(), a, r, "x", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExceeded, state.FinalStatus)
	assert.Zero(t, state.IterationCount)
	assert.Nil(t, state.FinalResult)
	assert.Empty(t, exec.requests())
}

func TestFinishToolCompletes(t *testing.T) {
	exec := &fakeExecutor{steps: []step{{tokens: 10}, {tokens: 10, finish: "found three sources"}}}
	out := &countingSink{}
	loop := New(Options{Executor: exec, Sinks: sink.NewDispatcher([]sink.Sink{out})})
	a, r := testAgent()

	state, err := loop.Run(context.Background(), a, r, "research", RunOptions{MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.FinalStatus)
	assert.Equal(t, 2, state.IterationCount)
	assert.Equal(t, 1, out.count())
	assert.Equal(t, "completed", state.FinalResult.Metadata["final_status"])
}

func TestIterationRequests(t *testing.T) {
	exec := &fakeExecutor{}
	loop := New(Options{Executor: exec})
	a, r := testAgent()

	state, err := loop.Run(context.Background(), a, r, "research", RunOptions{
		MaxIterations:   3,
		TriggerType:     "webhook",
		TriggerMetadata: map[string]any{"path": "/hook"},
	})
	require.NoError(t, err)

	reqs := exec.requests()
	require.Len(t, reqs, 3)
	assert.Nil(t, reqs[0].MessageHistory, "first iteration starts fresh")
	assert.Len(t, reqs[1].MessageHistory, 1)
	assert.Len(t, reqs[2].MessageHistory, 2)
	for i, req := range reqs {
		assert.Equal(t, "research", req.Prompt)
		assert.Equal(t, "webhook", req.TriggerType)
		assert.Equal(t, "/hook", req.TriggerMetadata["path"])
		assert.Equal(t, state.RunID, req.TriggerMetadata[MetaRunID])
		assert.Equal(t, i+1, req.TriggerMetadata[MetaIteration])
		require.Len(t, req.ExtraToolsets, 1)
		assert.Equal(t, FinishToolName, req.ExtraToolsets[0].Tools[0].Name)
	}
	assert.Len(t, state.MessageHistory, 3)
}

func TestRoleMaxIterationsDefault(t *testing.T) {
	exec := &fakeExecutor{}
	loop := New(Options{Executor: exec})
	a, r := testAgent()
	r.Guardrails.MaxIterations = 4

	state, err := loop.Run(context.Background(), a, r, "x", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, state.FinalStatus)
	assert.Equal(t, 4, state.IterationCount)
}

func TestContextCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	exec := execution.ExecutorFunc(func(_ context.Context, req execution.Request) (*agent.RunResult, []agent.Message, error) {
		calls++
		cancel()
		return &agent.RunResult{Success: true, AgentName: req.Agent.Name, TokensUsed: 1}, nil, nil
	})
	loop := New(Options{Executor: exec})
	a, r := testAgent()

	state, err := loop.Run(ctx, a, r, "x", RunOptions{MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusError, state.FinalStatus)
	assert.Equal(t, context.Canceled.Error(), state.Error)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, state.IterationCount)
}

func TestRecordsFinalSessionAndMetrics(t *testing.T) {
	store, err := memory.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	loop := New(Options{Executor: &fakeExecutor{}, Memory: store, Metrics: observability.NewMetrics(reg)})
	a, r := testAgent()
	a.Memory.MaxSessions = 1

	for range 2 {
		_, err := loop.Run(context.Background(), a, r, "x", RunOptions{MaxIterations: 1})
		require.NoError(t, err)
	}
	sessions, err := store.ListSessions(context.Background(), a.Name)
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "pruned to max_sessions")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agentd_autonomous_runs_total")
}

func TestRunRejectsMissingCollaborators(t *testing.T) {
	a, r := testAgent()
	_, err := New(Options{}).Run(context.Background(), a, r, "x", RunOptions{})
	assert.Error(t, err)

	_, err = New(Options{Executor: &fakeExecutor{}}).Run(context.Background(), nil, r, "x", RunOptions{})
	assert.Error(t, err)
}
