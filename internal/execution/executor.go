// Package execution defines the single-shot execution primitive the daemon and
// the autonomous loop drive, and an OpenAI-compatible implementation of it.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/audit"
)

// Request is one execution of an agent role against a prompt.
type Request struct {
	Agent           *agent.Agent
	Role            *agent.Role
	Prompt          string
	Audit           audit.Logger
	TriggerType     string
	TriggerMetadata map[string]any
	// MessageHistory continues an earlier conversation. Nil starts a new one.
	MessageHistory []agent.Message
	// ExtraToolsets are offered to the model in addition to the executor's own.
	ExtraToolsets []Toolset
}

// Executor runs one request to completion.
//
// Ordinary model or tool failures are reported as a RunResult with Success
// false and a nil error. A non-nil error means the request itself could not
// be attempted; callers turn it into a failed RunResult.
type Executor interface {
	Execute(ctx context.Context, req Request) (*agent.RunResult, []agent.Message, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (*agent.RunResult, []agent.Message, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*agent.RunResult, []agent.Message, error) {
	return f(ctx, req)
}

// ToolHandler runs a tool with decoded JSON arguments and returns the text
// handed back to the model.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
	Handler    ToolHandler
}

// Toolset groups tools offered together.
type Toolset struct {
	Name  string
	Tools []Tool
}

func (r Request) validate() error {
	if r.Agent == nil {
		return fmt.Errorf("execution: nil agent")
	}
	if r.Role == nil {
		return fmt.Errorf("execution: agent %s: nil role", r.Agent.Name)
	}
	return nil
}

// metadata returns a copy of the trigger metadata for the result.
func (r Request) metadata() map[string]any {
	if len(r.TriggerMetadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.TriggerMetadata))
	maps.Copy(out, r.TriggerMetadata)
	return out
}

// toolIndex flattens toolsets. A later tool with the same name replaces an earlier one.
func toolIndex(sets ...[]Toolset) (map[string]Tool, []string) {
	index := make(map[string]Tool)
	var order []string
	for _, group := range sets {
		for _, set := range group {
			for _, t := range set.Tools {
				if _, dup := index[t.Name]; !dup {
					order = append(order, t.Name)
				}
				index[t.Name] = t
			}
		}
	}
	return index, order
}

func schemaJSON(schema map[string]any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}
