// Package audit records what the runner did and why: runs, tool calls,
// budget refusals and trigger lifecycle changes.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/security"
)

// Event types written by the runner.
const (
	EventRunCompleted   = "run.completed"
	EventToolExecution  = "tool.execution"
	EventBudgetRefused  = "daemon.budget_refused"
	EventDaemonStarted  = "daemon.started"
	EventDaemonStopped  = "daemon.stopped"
	EventAutonomousDone = "autonomous.finished"
)

// Event is one audit record.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	AgentName   string         `json:"agent,omitempty"`
	RoleName    string         `json:"role,omitempty"`
	TriggerType string         `json:"trigger_type,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Result      string         `json:"result"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for audit logging. Implementations must be
// safe for concurrent use.
type Logger interface {
	Log(event *Event)
	Close() error
}

// LogRun records the outcome of one execution. A nil logger is ignored.
func LogRun(l Logger, r *agent.RunResult) {
	if l == nil || r == nil {
		return
	}
	l.Log(&Event{
		Timestamp:   time.Now().UTC(),
		EventType:   EventRunCompleted,
		AgentName:   r.AgentName,
		RoleName:    r.RoleName,
		TriggerType: r.TriggerType,
		Action:      "execute",
		Result:      r.Status(),
		Error:       r.Error,
		Metadata: map[string]any{
			"tokens_used": r.TokensUsed,
			"tool_calls":  r.ToolCalls,
			"iterations":  r.Iterations,
			"duration_ms": r.Duration.Milliseconds(),
		},
	})
}

// LogToolExecution records a tool call. Argument values are never logged.
func LogToolExecution(l Logger, agentName, toolName string, args map[string]any, err error) {
	if l == nil {
		return
	}
	ev := &Event{
		Timestamp: time.Now().UTC(),
		EventType: EventToolExecution,
		AgentName: agentName,
		Resource:  toolName,
		Action:    "execute",
		Result:    "success",
		Metadata:  map[string]any{"args_count": len(args)},
	}
	if err != nil {
		ev.Result = "failure"
		ev.Error = err.Error()
	}
	l.Log(ev)
}

// LogBudgetRefusal records a daemon event skipped by budget admission.
func LogBudgetRefusal(l Logger, agentName, roleName, triggerType, reason string) {
	if l == nil {
		return
	}
	l.Log(&Event{
		Timestamp:   time.Now().UTC(),
		EventType:   EventBudgetRefused,
		AgentName:   agentName,
		RoleName:    roleName,
		TriggerType: triggerType,
		Action:      "admit",
		Result:      "denied",
		Error:       reason,
	})
}

// LogDaemon records a daemon start or stop. eventType is EventDaemonStarted
// or EventDaemonStopped.
func LogDaemon(l Logger, eventType, agentName, roleName string, triggers int) {
	if l == nil {
		return
	}
	l.Log(&Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		AgentName: agentName,
		RoleName:  roleName,
		Action:    "lifecycle",
		Result:    "success",
		Metadata:  map[string]any{"triggers": triggers},
	})
}

// LogAutonomous records the terminal state of an autonomous run.
func LogAutonomous(l Logger, agentName, roleName, runID, status string, iterations int, tokens int64, errMsg string) {
	if l == nil {
		return
	}
	result := "success"
	if errMsg != "" {
		result = "failure"
	}
	l.Log(&Event{
		Timestamp: time.Now().UTC(),
		EventType: EventAutonomousDone,
		AgentName: agentName,
		RoleName:  roleName,
		Resource:  runID,
		Action:    status,
		Result:    result,
		Error:     errMsg,
		Metadata: map[string]any{
			"iterations":   iterations,
			"total_tokens": tokens,
		},
	})
}

// InMemoryLogger stores audit events in memory (for testing).
type InMemoryLogger struct {
	mu     sync.RWMutex
	events []Event
}

// NewInMemoryLogger creates a new in-memory audit logger.
func NewInMemoryLogger() *InMemoryLogger {
	return &InMemoryLogger{}
}

func (l *InMemoryLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
}

// Events returns a copy of the recorded events.
func (l *InMemoryLogger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	return events
}

// ByType returns the recorded events of one type.
func (l *InMemoryLogger) ByType(eventType string) []Event {
	var out []Event
	for _, ev := range l.Events() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (l *InMemoryLogger) Close() error { return nil }

// JSONLogger writes one JSON object per line. Error strings are scrubbed of
// credentials before they are written.
type JSONLogger struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	redactor *security.Redactor
}

// NewJSONLogger writes to w. Pass secrets that must never appear in records.
func NewJSONLogger(w io.Writer, secrets ...string) *JSONLogger {
	return &JSONLogger{w: w, redactor: security.NewRedactor(secrets...)}
}

// OpenJSONFile appends JSON lines to path, creating it and its directory.
func OpenJSONFile(path string, secrets ...string) (*JSONLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := NewJSONLogger(f, secrets...)
	l.closer = f
	return l, nil
}

func (l *JSONLogger) Log(event *Event) {
	ev := *event
	if ev.Error != "" {
		ev.Error = l.redactor.Redact(ev.Error)
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		slog.Default().With("component", "audit").Error("marshal audit event", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		slog.Default().With("component", "audit").Error("write audit event", "error", err)
	}
}

func (l *JSONLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// NoOpLogger discards every event (for when audit logging is disabled).
type NoOpLogger struct{}

func (NoOpLogger) Log(*Event)   {}
func (NoOpLogger) Close() error { return nil }
