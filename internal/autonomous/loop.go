// Package autonomous drives an agent through repeated executions until it
// signals completion or a guardrail stops it.
package autonomous

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/internal/execution"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/sink"
)

// Status is the state of an autonomous run. Running is the only
// non-terminal status.
type Status string

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusMaxIterations  Status = "max_iterations"
	StatusBudgetExceeded Status = "budget_exceeded"
	StatusError          Status = "error"
)

// DefaultTriggerType labels runs started without a trigger.
const DefaultTriggerType = "autonomous"

// Metadata keys merged into every iteration's trigger metadata.
const (
	MetaRunID     = "autonomous_run_id"
	MetaIteration = "iteration"
)

// State is the accumulated state of one autonomous run.
type State struct {
	RunID          string
	IterationCount int
	TotalTokens    int64
	TotalToolCalls int
	MessageHistory []agent.Message
	FinalStatus    Status
	Error          string
	// FinalResult summarizes the run. It is nil when no iteration ran.
	FinalResult *agent.RunResult
	StartedAt   time.Time
	Duration    time.Duration
}

// Terminal reports whether the run has stopped.
func (s *State) Terminal() bool { return s.FinalStatus != StatusRunning }

// Options are the loop's collaborators. Only Executor is required.
type Options struct {
	Executor execution.Executor
	Audit    audit.Logger
	Sinks    *sink.Dispatcher
	Memory   memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// RunOptions tune a single run.
type RunOptions struct {
	// MaxIterations overrides the role's max_iterations when positive.
	MaxIterations   int
	TriggerType     string
	TriggerMetadata map[string]any
}

// Loop runs agents autonomously. It is safe to call Run concurrently; each
// run is single-threaded.
type Loop struct {
	opts   Options
	logger *slog.Logger
}

// New creates a loop.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{opts: opts, logger: logger.With("component", "autonomous")}
}

// Run executes prompt repeatedly until the agent calls the finish tool, the
// iteration cap is reached, the token budget is spent, an iteration fails or
// ctx is cancelled. Only invalid arguments produce an error.
func (l *Loop) Run(ctx context.Context, ag *agent.Agent, role *agent.Role, prompt string, ro RunOptions) (*State, error) {
	if l.opts.Executor == nil {
		return nil, errors.New("autonomous: no executor configured")
	}
	if ag == nil || role == nil {
		return nil, errors.New("autonomous: agent and role are required")
	}

	triggerType := ro.TriggerType
	if triggerType == "" {
		triggerType = DefaultTriggerType
	}
	maxIterations := role.Guardrails.MaxIterationsOr(ro.MaxIterations)
	budget := role.Guardrails.AutonomousTokenBudget

	state := &State{
		RunID:       uuid.NewString(),
		FinalStatus: StatusRunning,
		StartedAt:   time.Now(),
	}
	logger := l.logger.With("agent", ag.Name, "role", role.Name, "run_id", state.RunID)
	logger.Info("autonomous run started", "max_iterations", maxIterations)

	var last *agent.RunResult
	var summary string
	for !state.Terminal() {
		if budget != nil && state.TotalTokens >= *budget {
			state.FinalStatus = StatusBudgetExceeded
			break
		}
		if err := ctx.Err(); err != nil {
			state.FinalStatus = StatusError
			state.Error = err.Error()
			break
		}

		iteration := state.IterationCount + 1
		done := &completion{}
		started := time.Now()
		res, msgs, err := l.opts.Executor.Execute(ctx, execution.Request{
			Agent:           ag,
			Role:            role,
			Prompt:          prompt,
			Audit:           l.opts.Audit,
			TriggerType:     triggerType,
			TriggerMetadata: iterationMetadata(ro.TriggerMetadata, state.RunID, iteration),
			MessageHistory:  state.MessageHistory,
			ExtraToolsets:   []execution.Toolset{done.toolset()},
		})
		if err != nil {
			res = agent.FailedResult(ag.Name, role.Name, triggerType, started, err)
		}
		state.IterationCount = iteration
		audit.LogRun(l.opts.Audit, res)
		l.opts.Metrics.RecordRun(res)
		last = res

		if !res.Success {
			state.FinalStatus = StatusError
			state.Error = res.Error
			logger.Warn("iteration failed", "iteration", iteration, "error", res.Error)
			break
		}

		state.TotalTokens += res.TokensUsed
		state.TotalToolCalls += res.ToolCalls
		state.MessageHistory = msgs
		logger.Debug("iteration finished", "iteration", iteration, "tokens", res.TokensUsed, "total_tokens", state.TotalTokens)

		if finished, s := done.signaled(); finished {
			state.FinalStatus = StatusCompleted
			summary = s
		} else if state.IterationCount >= maxIterations {
			state.FinalStatus = StatusMaxIterations
		}
	}

	state.Duration = time.Since(state.StartedAt)
	if last != nil {
		state.FinalResult = finalResult(last, state, summary)
	}
	l.finish(ctx, ag, role, state, logger)
	return state, nil
}

// finish reports the terminal state. Sinks receive the final result only
// when the run ended normally with a successful last iteration.
func (l *Loop) finish(ctx context.Context, ag *agent.Agent, role *agent.Role, state *State, logger *slog.Logger) {
	audit.LogAutonomous(l.opts.Audit, ag.Name, role.Name, state.RunID, string(state.FinalStatus),
		state.IterationCount, state.TotalTokens, state.Error)
	l.opts.Metrics.AutonomousFinished(string(state.FinalStatus), state.IterationCount)

	final := state.FinalResult
	if final != nil && final.Success &&
		(state.FinalStatus == StatusCompleted || state.FinalStatus == StatusMaxIterations) {
		l.opts.Sinks.Dispatch(ctx, final)
	}

	if l.opts.Memory != nil && final != nil {
		ctx := context.WithoutCancel(ctx)
		if err := l.opts.Memory.RecordRun(ctx, ag.Name, final, state.MessageHistory); err != nil {
			logger.Warn("failed to record session", "error", err)
		} else if err := l.opts.Memory.PruneSessions(ctx, ag.Name, ag.Memory.MaxSessions); err != nil {
			logger.Warn("failed to prune sessions", "error", err)
		}
	}

	logger.Info("autonomous run finished",
		"status", state.FinalStatus,
		"iterations", state.IterationCount,
		"total_tokens", state.TotalTokens,
		"duration", state.Duration)
}

func iterationMetadata(base map[string]any, runID string, iteration int) map[string]any {
	md := make(map[string]any, len(base)+2)
	maps.Copy(md, base)
	md[MetaRunID] = runID
	md[MetaIteration] = iteration
	return md
}

// finalResult builds the run summary from the last iteration without
// modifying it.
func finalResult(last *agent.RunResult, state *State, summary string) *agent.RunResult {
	final := *last
	final.Iterations = state.IterationCount
	final.TokensUsed = state.TotalTokens
	final.ToolCalls = state.TotalToolCalls
	final.StartedAt = state.StartedAt
	final.Duration = state.Duration
	if final.Output == "" && summary != "" {
		final.Output = summary
	}
	final.Metadata = maps.Clone(last.Metadata)
	if final.Metadata == nil {
		final.Metadata = make(map[string]any, 2)
	}
	final.Metadata[MetaRunID] = state.RunID
	final.Metadata["final_status"] = string(state.FinalStatus)
	return &final
}
