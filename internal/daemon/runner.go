// Package daemon runs an agent role as a long-lived process driven by the
// role's triggers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/internal/budget"
	"github.com/aixgo-dev/agentd/internal/execution"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/sink"
	"github.com/aixgo-dev/agentd/pkg/trigger"
)

// DefaultSignals end a daemon run.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Options are the runner's collaborators. Only Executor is required.
type Options struct {
	Executor execution.Executor
	Audit    audit.Logger
	Sinks    *sink.Dispatcher
	Memory   memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// Signals replaces DefaultSignals when non-nil.
	Signals []os.Signal
	// Clock drives daily budget rollover. Defaults to time.Now.
	Clock func() time.Time
	// QueueSize bounds the trigger dispatcher queue.
	QueueSize int
	// OnStart is called once all triggers are running.
	OnStart func(*trigger.Dispatcher)
}

// Runner runs roles as daemons.
type Runner struct {
	opts   Options
	base   *slog.Logger
	logger *slog.Logger

	mu         sync.Mutex
	dispatcher *trigger.Dispatcher
}

// New creates a runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Signals == nil {
		opts.Signals = DefaultSignals
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{opts: opts, base: logger, logger: logger.With("component", "daemon")}
}

// Running reports whether a Run call currently has its triggers started.
func (r *Runner) Running() bool {
	r.mu.Lock()
	d := r.dispatcher
	r.mu.Unlock()
	return d != nil && d.Running()
}

// Run starts the role's triggers and blocks until a shutdown signal arrives
// or ctx is done, then stops every trigger before returning. A role without
// triggers returns immediately. Trigger configuration errors are returned
// before anything starts.
func (r *Runner) Run(ctx context.Context, ag *agent.Agent, role *agent.Role) error {
	if ag == nil || role == nil {
		return errors.New("daemon: agent and role are required")
	}
	if len(role.Triggers) == 0 {
		r.logger.Info("role has no triggers, nothing to run", "agent", ag.Name, "role", role.Name)
		return nil
	}
	if r.opts.Executor == nil {
		return errors.New("daemon: no executor configured")
	}

	g := role.Guardrails
	tracker := budget.New(g.DaemonTokenBudget, g.DaemonDailyTokenBudget, budget.WithClock(r.opts.Clock))
	logger := r.logger.With("agent", ag.Name, "role", role.Name)

	// In-flight runs outlive shutdown; Stop waits for them.
	runCtx := context.WithoutCancel(ctx)
	d, err := trigger.NewDispatcher(role.Triggers, r.handler(runCtx, ag, role, tracker, logger),
		trigger.WithLogger(r.base),
		trigger.WithObserver(r.opts.Metrics),
		trigger.WithQueueSize(r.opts.QueueSize),
	)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, r.opts.Signals...)
	defer stop()

	r.mu.Lock()
	r.dispatcher = d
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.dispatcher = nil
		r.mu.Unlock()
	}()

	err = d.Run(ctx, func(ctx context.Context) error {
		audit.LogDaemon(r.opts.Audit, audit.EventDaemonStarted, ag.Name, role.Name, d.Count())
		logger.Info("daemon started", "triggers", d.Count(), "budget_limited", tracker.Limited())
		if r.opts.OnStart != nil {
			r.opts.OnStart(d)
		}
		<-ctx.Done()
		logger.Info("shutdown requested, stopping triggers")
		return nil
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	audit.LogDaemon(r.opts.Audit, audit.EventDaemonStopped, ag.Name, role.Name, len(d.Sources()))
	snap := tracker.Snapshot()
	logger.Info("daemon stopped", "total_tokens", snap.TotalConsumed, "daily_tokens", snap.DailyConsumed)
	return nil
}

// handler returns the per-event callback: admission, execution, usage
// accounting, audit, sinks and memory. Failures are contained to the event.
func (r *Runner) handler(ctx context.Context, ag *agent.Agent, role *agent.Role, tracker *budget.Tracker, logger *slog.Logger) trigger.Callback {
	return func(ev trigger.Event) {
		triggerType := string(ev.Type)
		log := logger.With("trigger", triggerType)

		if ok, reason := tracker.CheckBeforeRun(); !ok {
			log.Warn("event refused by budget", "reason", reason)
			audit.LogBudgetRefusal(r.opts.Audit, ag.Name, role.Name, triggerType, reason)
			r.opts.Metrics.BudgetRefused(reason)
			return
		}

		started := time.Now()
		res, msgs, err := r.opts.Executor.Execute(ctx, execution.Request{
			Agent:           ag,
			Role:            role,
			Prompt:          ev.Prompt,
			Audit:           r.opts.Audit,
			TriggerType:     triggerType,
			TriggerMetadata: ev.Metadata,
		})
		if err != nil {
			res = agent.FailedResult(ag.Name, role.Name, triggerType, started, err)
		}
		tracker.RecordUsage(res.TokensUsed)

		audit.LogRun(r.opts.Audit, res)
		r.opts.Metrics.RecordRun(res)
		if res.Success {
			log.Info("run completed", "tokens", res.TokensUsed, "tool_calls", res.ToolCalls, "duration", res.Duration)
		} else {
			log.Warn("run failed", "error", res.Error)
		}

		r.opts.Sinks.Dispatch(ctx, res)

		if r.opts.Memory != nil {
			if err := r.opts.Memory.RecordRun(ctx, ag.Name, res, msgs); err != nil {
				log.Warn("failed to record session", "error", err)
			}
			if err := r.opts.Memory.PruneSessions(ctx, ag.Name, ag.Memory.MaxSessions); err != nil {
				log.Warn("failed to prune sessions", "error", err)
			}
		}
	}
}
