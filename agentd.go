// Package agentd runs declarative LLM agents once, interactively, as a
// bounded autonomous loop, or as a daemon reacting to external triggers.
//
// A Runtime bundles the collaborators every mode shares: the executor, the
// audit logger, result sinks, session memory and metrics. There are no
// package-level singletons; tests build as many runtimes as they need.
package agentd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/internal/autonomous"
	"github.com/aixgo-dev/agentd/internal/daemon"
	"github.com/aixgo-dev/agentd/internal/execution"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/config"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/security"
	"github.com/aixgo-dev/agentd/pkg/sink"
	"github.com/aixgo-dev/agentd/pkg/trigger"
)

// Trigger types recorded for runs that did not come from a trigger source.
const (
	TriggerManual      = "manual"
	TriggerInteractive = "interactive"
)

// Chat commands.
const (
	CommandExit  = "/exit"
	CommandQuit  = "/quit"
	CommandReset = "/reset"
)

// ErrNoModelEndpoint is returned when no executor is supplied and neither an
// API key nor a base URL is configured.
var ErrNoModelEndpoint = errors.New("no model endpoint configured: set OPENAI_API_KEY or openai.base_url")

// Option configures a Runtime.
type Option func(*Runtime)

// WithExecutor replaces the OpenAI executor built from the service config.
func WithExecutor(e execution.Executor) Option {
	return func(r *Runtime) { r.executor = e }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.base = l
		}
	}
}

// WithAuditLogger replaces the audit logger built from the service config.
func WithAuditLogger(l audit.Logger) Option {
	return func(r *Runtime) { r.audit = l }
}

// WithMemoryStore replaces the memory store built from the service config.
func WithMemoryStore(s memory.Store) Option {
	return func(r *Runtime) { r.memory = s }
}

// WithSinks replaces the sinks built from the service config.
func WithSinks(d *sink.Dispatcher) Option {
	return func(r *Runtime) { r.sinks = d }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) { r.registry = reg }
}

// WithSecrets adds values that must be scrubbed from audit records, sink
// errors and provider errors, typically config.DefinitionSecrets.
func WithSecrets(secrets ...string) Option {
	return func(r *Runtime) { r.secrets = append(r.secrets, secrets...) }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

// WithDaemonHook is called once every trigger of a daemon is running.
func WithDaemonHook(fn func(*trigger.Dispatcher)) Option {
	return func(r *Runtime) { r.onDaemonStart = fn }
}

// LineReader reads one line of interactive input. *liner.State satisfies it.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// Runtime is the explicit handle shared by every run mode.
type Runtime struct {
	executor execution.Executor
	audit    audit.Logger
	sinks    *sink.Dispatcher
	memory   memory.Store
	metrics  *observability.Metrics
	registry *prometheus.Registry
	redactor *security.Redactor

	base          *slog.Logger
	logger        *slog.Logger
	secrets       []string
	version       string
	metricsAddr   string
	onDaemonStart func(*trigger.Dispatcher)

	closers []func() error
}

// New builds a runtime from the service config. A nil svc uses
// config.DefaultService. Collaborators supplied as options are used as is and
// are not closed by Close.
func New(svc *config.Service, opts ...Option) (rt *Runtime, err error) {
	if svc == nil {
		svc = config.DefaultService()
	}
	r := &Runtime{
		base:        slog.Default(),
		version:     "dev",
		metricsAddr: svc.Metrics.Addr,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.base.With("component", "runtime")
	r.redactor = security.NewRedactor(append(svc.Secrets(), r.secrets...)...)

	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	shutdownTracing, err := observability.InitTracing(context.Background(), svc.Tracing)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() error { return shutdownTracing(context.Background()) })

	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r.metrics = observability.NewMetrics(r.registry)

	if r.audit == nil {
		if svc.Audit.Path == "" {
			r.audit = audit.NoOpLogger{}
		} else {
			l, err := audit.OpenJSONFile(svc.Audit.Path, append(svc.Secrets(), r.secrets...)...)
			if err != nil {
				return nil, err
			}
			r.audit = l
			r.closers = append(r.closers, l.Close)
		}
	}

	if r.sinks == nil {
		d, err := sink.FromConfigs(svc.Sinks, sink.WithLogger(r.base), sink.WithRedactor(r.redactor))
		if err != nil {
			return nil, err
		}
		r.sinks = d
		r.closers = append(r.closers, d.Close)
	}

	if r.memory == nil {
		store, err := memory.Open(svc.Memory)
		if err != nil {
			return nil, err
		}
		if store != nil {
			r.memory = store
			r.closers = append(r.closers, store.Close)
		}
	}

	if r.executor == nil {
		if svc.OpenAI.APIKey == "" && svc.OpenAI.BaseURL == "" {
			return nil, ErrNoModelEndpoint
		}
		r.executor = execution.NewOpenAIExecutor(
			execution.NewOpenAIClient(svc.OpenAI.APIKey, svc.OpenAI.BaseURL),
			execution.WithLogger(r.base),
			execution.WithRedactor(r.redactor),
		)
	}
	return r, nil
}

// Registry returns the registry the runtime's metrics are registered on.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Close releases every collaborator the runtime opened itself.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// RunOnce executes one prompt and records the result.
func (r *Runtime) RunOnce(ctx context.Context, ag *agent.Agent, roleName, prompt string) (*agent.RunResult, error) {
	role, err := ag.Role(roleName)
	if err != nil {
		return nil, err
	}
	res, _, err := r.execute(ctx, ag, role, prompt, TriggerManual, nil)
	return res, err
}

// Chat runs an interactive conversation read from in and written to out.
// The history is kept across turns until /reset. /exit, /quit, end of input
// and Ctrl-C end the session.
func (r *Runtime) Chat(ctx context.Context, ag *agent.Agent, roleName string, in LineReader, out io.Writer) error {
	role, err := ag.Role(roleName)
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("%s> ", ag.Name)
	var history []agent.Message
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := in.Prompt(prompt)
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		in.AppendHistory(line)

		switch line {
		case CommandExit, CommandQuit:
			return nil
		case CommandReset:
			history = nil
			fmt.Fprintln(out, "conversation reset")
			continue
		}

		res, msgs, err := r.execute(ctx, ag, role, line, TriggerInteractive, history)
		if err != nil {
			return err
		}
		if !res.Success {
			fmt.Fprintf(out, "error: %s\n", res.Error)
			continue
		}
		history = msgs
		fmt.Fprintln(out, res.Output)
	}
}

// RunAutonomous drives the role until it calls finish, reaches its iteration
// cap or exhausts its token budget. maxIterations overrides the role's cap
// when positive.
func (r *Runtime) RunAutonomous(ctx context.Context, ag *agent.Agent, roleName, prompt string, maxIterations int) (*autonomous.State, error) {
	role, err := ag.Role(roleName)
	if err != nil {
		return nil, err
	}
	loop := autonomous.New(autonomous.Options{
		Executor: r.executor,
		Audit:    r.audit,
		Sinks:    r.sinks,
		Memory:   r.memory,
		Metrics:  r.metrics,
		Logger:   r.base,
	})
	return loop.Run(ctx, ag, role, prompt, autonomous.RunOptions{MaxIterations: maxIterations})
}

// RunDaemon runs the role's triggers until ctx is done or the process receives
// SIGINT or SIGTERM. When a metrics address is configured the health and
// metrics server runs alongside.
func (r *Runtime) RunDaemon(ctx context.Context, ag *agent.Agent, roleName string) error {
	role, err := ag.Role(roleName)
	if err != nil {
		return err
	}
	runner := daemon.New(daemon.Options{
		Executor: r.executor,
		Audit:    r.audit,
		Sinks:    r.sinks,
		Memory:   r.memory,
		Metrics:  r.metrics,
		Logger:   r.base,
		OnStart:  r.onDaemonStart,
	})

	if r.metricsAddr != "" {
		checker := observability.NewHealthChecker(r.version)
		checker.RegisterCheck(observability.RunningCheck("daemon", runner.Running))
		if r.memory != nil {
			checker.RegisterCheck(observability.StoreCheck("memory", r.memory.Ping))
		}
		srv := observability.NewServer(r.metricsAddr, checker, r.registry, r.base)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Warn("observability server shutdown", "error", err)
			}
		}()
	}
	return runner.Run(ctx, ag, role)
}

// execute runs one request and records it with every collaborator.
func (r *Runtime) execute(ctx context.Context, ag *agent.Agent, role *agent.Role, prompt, triggerType string, history []agent.Message) (*agent.RunResult, []agent.Message, error) {
	started := time.Now()
	res, msgs, err := r.executor.Execute(ctx, execution.Request{
		Agent:          ag,
		Role:           role,
		Prompt:         prompt,
		Audit:          r.audit,
		TriggerType:    triggerType,
		MessageHistory: history,
	})
	if err != nil {
		res = agent.FailedResult(ag.Name, role.Name, triggerType, started, err)
		res.Error = r.redactor.Redact(res.Error)
	}

	audit.LogRun(r.audit, res)
	r.metrics.RecordRun(res)
	r.sinks.Dispatch(ctx, res)
	if r.memory != nil {
		if err := r.memory.RecordRun(ctx, ag.Name, res, msgs); err != nil {
			r.logger.Warn("failed to record session", "agent", ag.Name, "error", err)
		}
		if err := r.memory.PruneSessions(ctx, ag.Name, ag.Memory.MaxSessions); err != nil {
			r.logger.Warn("failed to prune sessions", "agent", ag.Name, "error", err)
		}
	}
	return res, msgs, nil
}
