package autonomous

import (
	"context"
	"strings"
	"sync"

	"github.com/aixgo-dev/agentd/internal/execution"
)

// FinishToolName is the tool the model calls to end an autonomous run.
const FinishToolName = "finish"

// completion records whether the finish tool was called during one iteration.
type completion struct {
	mu      sync.Mutex
	done    bool
	summary string
}

func (c *completion) finish(_ context.Context, args map[string]any) (string, error) {
	summary, _ := args["summary"].(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	c.summary = strings.TrimSpace(summary)
	return "Task marked as complete.", nil
}

func (c *completion) signaled() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, c.summary
}

// toolset offers the finish tool to the model.
func (c *completion) toolset() execution.Toolset {
	return execution.Toolset{
		Name: "completion",
		Tools: []execution.Tool{{
			Name:        FinishToolName,
			Description: "Call this when the task is fully complete. Provide a short summary of the outcome.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "Summary of what was accomplished",
					},
				},
			},
			Handler: c.finish,
		}},
	}
}
