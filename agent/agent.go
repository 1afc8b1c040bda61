package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/agentd/pkg/trigger"
)

// DefaultMaxIterations caps autonomous runs when a role sets no max_iterations.
const DefaultMaxIterations = 10

// DefaultMaxSessions is the session-limit policy applied when memory is enabled
// and the definition does not set max_sessions.
const DefaultMaxSessions = 50

var (
	// ErrRoleNotFound is returned when a role name does not exist on the agent.
	ErrRoleNotFound = errors.New("role not found")
	// ErrInvalidDefinition wraps every validation failure of an agent definition.
	ErrInvalidDefinition = errors.New("invalid agent definition")
)

// Agent is an executable agent built from a declarative definition.
type Agent struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description,omitempty"`
	Model        string       `yaml:"model"`
	Instructions string       `yaml:"instructions,omitempty"`
	Temperature  float32      `yaml:"temperature,omitempty"`
	Memory       MemoryPolicy `yaml:"memory,omitempty"`
	Roles        []Role       `yaml:"roles"`
}

// Role is one way of running an agent: a prompt, guardrails and triggers.
type Role struct {
	Name       string           `yaml:"name"`
	Prompt     string           `yaml:"prompt,omitempty"`
	Guardrails Guardrails       `yaml:"guardrails,omitempty"`
	Triggers   []trigger.Config `yaml:"triggers,omitempty"`
}

// Guardrails are the limits enforced by the execution and autonomy layers.
// Nil budgets are unbounded.
type Guardrails struct {
	MaxIterations          int      `yaml:"max_iterations,omitempty"`
	AutonomousTokenBudget  *int64   `yaml:"autonomous_token_budget,omitempty"`
	DaemonTokenBudget      *int64   `yaml:"daemon_token_budget,omitempty"`
	DaemonDailyTokenBudget *int64   `yaml:"daemon_daily_token_budget,omitempty"`
	MaxTokensPerRun        int      `yaml:"max_tokens_per_run,omitempty"`
	Timeout                Duration `yaml:"timeout,omitempty"`
}

// MemoryPolicy configures how many past sessions are kept for the agent.
type MemoryPolicy struct {
	MaxSessions int `yaml:"max_sessions,omitempty"`
}

// Duration wraps time.Duration so it can be written as "30s" in YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Role returns the named role. An empty name selects the first role.
func (a *Agent) Role(name string) (*Role, error) {
	if len(a.Roles) == 0 {
		return nil, fmt.Errorf("agent %s: %w: no roles defined", a.Name, ErrRoleNotFound)
	}
	if name == "" {
		return &a.Roles[0], nil
	}
	for i := range a.Roles {
		if a.Roles[i].Name == name {
			return &a.Roles[i], nil
		}
	}
	return nil, fmt.Errorf("agent %s: %w: %q", a.Name, ErrRoleNotFound, name)
}

// SystemPrompt combines the agent instructions with the role prompt.
func (a *Agent) SystemPrompt(role *Role) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(a.Instructions); s != "" {
		parts = append(parts, s)
	}
	if role != nil {
		if s := strings.TrimSpace(role.Prompt); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ApplyDefaults fills unset fields with their documented defaults.
func (a *Agent) ApplyDefaults() {
	if a.Memory.MaxSessions == 0 {
		a.Memory.MaxSessions = DefaultMaxSessions
	}
	for i := range a.Roles {
		if a.Roles[i].Name == "" {
			a.Roles[i].Name = "default"
		}
		if a.Roles[i].Guardrails.MaxIterations == 0 {
			a.Roles[i].Guardrails.MaxIterations = DefaultMaxIterations
		}
	}
}

// Validate reports the first problem found in the definition.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if a.Model == "" {
		return fmt.Errorf("%w: agent %s: model is required", ErrInvalidDefinition, a.Name)
	}
	if len(a.Roles) == 0 {
		return fmt.Errorf("%w: agent %s: at least one role is required", ErrInvalidDefinition, a.Name)
	}
	if a.Memory.MaxSessions < 0 {
		return fmt.Errorf("%w: agent %s: memory.max_sessions must not be negative", ErrInvalidDefinition, a.Name)
	}

	seen := make(map[string]bool, len(a.Roles))
	for i := range a.Roles {
		r := &a.Roles[i]
		if seen[r.Name] {
			return fmt.Errorf("%w: agent %s: duplicate role %q", ErrInvalidDefinition, a.Name, r.Name)
		}
		seen[r.Name] = true
		if err := r.Guardrails.validate(); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidDefinition, r.Name, err)
		}
		for j := range r.Triggers {
			if err := r.Triggers[j].Validate(); err != nil {
				return fmt.Errorf("%w: role %s: trigger %d: %v", ErrInvalidDefinition, r.Name, j, err)
			}
		}
	}
	return nil
}

func (g Guardrails) validate() error {
	if g.MaxIterations < 0 {
		return errors.New("max_iterations must not be negative")
	}
	if g.MaxTokensPerRun < 0 {
		return errors.New("max_tokens_per_run must not be negative")
	}
	for name, v := range map[string]*int64{
		"autonomous_token_budget":   g.AutonomousTokenBudget,
		"daemon_token_budget":       g.DaemonTokenBudget,
		"daemon_daily_token_budget": g.DaemonDailyTokenBudget,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// MaxIterationsOr returns the override when positive, otherwise the role cap.
func (g Guardrails) MaxIterationsOr(override int) int {
	if override > 0 {
		return override
	}
	if g.MaxIterations > 0 {
		return g.MaxIterations
	}
	return DefaultMaxIterations
}
