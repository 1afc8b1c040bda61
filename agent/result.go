package agent

import (
	"fmt"
	"time"
)

// RunResult is the outcome of one execution of an agent against one prompt.
// It is never mutated after the executor returns it.
type RunResult struct {
	Success          bool           `json:"success"`
	Output           string         `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	AgentName        string         `json:"agent"`
	RoleName         string         `json:"role"`
	TriggerType      string         `json:"trigger_type,omitempty"`
	TokensUsed       int64          `json:"tokens_used"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	ToolCalls        int            `json:"tool_calls"`
	Iterations       int            `json:"iterations,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	Duration         time.Duration  `json:"duration"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// FailedResult builds the result reported when a run could not produce output.
func FailedResult(agentName, roleName, triggerType string, startedAt time.Time, err error) *RunResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &RunResult{
		Success:     false,
		Error:       msg,
		AgentName:   agentName,
		RoleName:    roleName,
		TriggerType: triggerType,
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt),
	}
}

// Status is "success" or "failure".
func (r *RunResult) Status() string {
	if r.Success {
		return "success"
	}
	return "failure"
}

func (r *RunResult) String() string {
	return fmt.Sprintf("RunResult{Agent:%s, Role:%s, Status:%s, Tokens:%d, Duration:%s}",
		r.AgentName, r.RoleName, r.Status(), r.TokensUsed, r.Duration)
}
