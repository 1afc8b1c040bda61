package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/audit"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/security"
)

// DefaultMaxToolRounds bounds the model/tool round trips of one execution.
const DefaultMaxToolRounds = 8

// ErrToolRoundsExceeded is reported when the model keeps calling tools.
var ErrToolRoundsExceeded = errors.New("tool call round limit reached")

// OpenAIClient interface for testability
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient creates a client for api.openai.com or any compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAIOption configures an OpenAIExecutor.
type OpenAIOption func(*OpenAIExecutor)

// WithToolsets registers toolsets offered on every execution.
func WithToolsets(sets ...Toolset) OpenAIOption {
	return func(e *OpenAIExecutor) { e.toolsets = append(e.toolsets, sets...) }
}

// WithMaxToolRounds overrides DefaultMaxToolRounds.
func WithMaxToolRounds(n int) OpenAIOption {
	return func(e *OpenAIExecutor) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(e *OpenAIExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRedactor scrubs the given redactor's secrets from provider errors.
func WithRedactor(r *security.Redactor) OpenAIOption {
	return func(e *OpenAIExecutor) { e.redactor = r }
}

// OpenAIExecutor runs the chat-completion tool loop against an
// OpenAI-compatible API until the model answers without calling a tool.
type OpenAIExecutor struct {
	client    OpenAIClient
	toolsets  []Toolset
	maxRounds int
	logger    *slog.Logger
	redactor  *security.Redactor
}

// NewOpenAIExecutor creates an executor around client.
func NewOpenAIExecutor(client OpenAIClient, opts ...OpenAIOption) *OpenAIExecutor {
	e := &OpenAIExecutor{
		client:    client,
		maxRounds: DefaultMaxToolRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "execution")
	return e
}

func (e *OpenAIExecutor) Execute(ctx context.Context, req Request) (*agent.RunResult, []agent.Message, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	if e.client == nil {
		return nil, nil, errors.New("execution: no model client configured")
	}

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "agentd.execute",
		attribute.String("agent.name", req.Agent.Name),
		attribute.String("agent.role", req.Role.Name),
		attribute.String("trigger.type", req.TriggerType),
	)
	defer span.End()

	if timeout := req.Role.Guardrails.Timeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := &agent.RunResult{
		AgentName:   req.Agent.Name,
		RoleName:    req.Role.Name,
		TriggerType: req.TriggerType,
		StartedAt:   started,
		Metadata:    req.metadata(),
	}
	messages := initialMessages(req)
	tools, order := toolIndex(e.toolsets, req.ExtraToolsets)
	oaTools := openAITools(tools, order)

	runErr := e.loop(ctx, req, result, &messages, tools, oaTools)
	result.Duration = time.Since(started)
	if runErr != nil {
		result.Success = false
		result.Error = e.redactor.Redact(runErr.Error())
		observability.RecordError(span, runErr)
		e.logger.Warn("execution failed", "agent", req.Agent.Name, "role", req.Role.Name, "error", result.Error)
	} else {
		result.Success = true
	}
	span.SetAttributes(
		attribute.Int64("tokens.total", result.TokensUsed),
		attribute.Int("tool.calls", result.ToolCalls),
	)
	return result, agent.CloneMessages(messages), nil
}

func (e *OpenAIExecutor) loop(ctx context.Context, req Request, result *agent.RunResult, messages *[]agent.Message, tools map[string]Tool, oaTools []openai.Tool) error {
	limit := int64(req.Role.Guardrails.MaxTokensPerRun)
	for round := 0; round < e.maxRounds; round++ {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       req.Agent.Model,
			Messages:    toOpenAIMessages(*messages),
			Tools:       oaTools,
			Temperature: req.Agent.Temperature,
		})
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		result.PromptTokens += int64(resp.Usage.PromptTokens)
		result.CompletionTokens += int64(resp.Usage.CompletionTokens)
		result.TokensUsed += int64(resp.Usage.TotalTokens)

		if len(resp.Choices) == 0 {
			return errors.New("no choices in response")
		}
		msg := resp.Choices[0].Message
		*messages = append(*messages, fromOpenAIMessage(msg))

		if limit > 0 && result.TokensUsed > limit {
			return fmt.Errorf("token limit per run exceeded: %d > %d", result.TokensUsed, limit)
		}
		if len(msg.ToolCalls) == 0 {
			result.Output = msg.Content
			return nil
		}
		for _, call := range msg.ToolCalls {
			result.ToolCalls++
			out := e.runTool(ctx, req, tools, call)
			*messages = append(*messages, agent.NewToolMessage(call.ID, call.Function.Name, out))
		}
	}
	return fmt.Errorf("%w (%d)", ErrToolRoundsExceeded, e.maxRounds)
}

// runTool executes one tool call. Failures are reported back to the model
// rather than ending the run.
func (e *OpenAIExecutor) runTool(ctx context.Context, req Request, tools map[string]Tool, call openai.ToolCall) string {
	name := call.Function.Name
	tool, ok := tools[name]
	if !ok || tool.Handler == nil {
		err := fmt.Errorf("unknown tool: %s", name)
		audit.LogToolExecution(req.Audit, req.Agent.Name, name, nil, err)
		return "error: " + err.Error()
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			err = fmt.Errorf("failed to unmarshal tool arguments: %w", err)
			audit.LogToolExecution(req.Audit, req.Agent.Name, name, nil, err)
			return "error: " + err.Error()
		}
	}

	ctx, span := observability.StartSpan(ctx, "agentd.tool", attribute.String("tool.name", name))
	defer span.End()

	out, err := tool.Handler(ctx, args)
	audit.LogToolExecution(req.Audit, req.Agent.Name, name, args, err)
	if err != nil {
		observability.RecordError(span, err)
		return "error: " + e.redactor.Redact(err.Error())
	}
	return out
}

// initialMessages starts a conversation or continues the given history.
func initialMessages(req Request) []agent.Message {
	history := agent.CloneMessages(req.MessageHistory)
	if len(history) == 0 || history[0].Role != agent.RoleSystem {
		if sys := req.Agent.SystemPrompt(req.Role); sys != "" {
			history = append([]agent.Message{agent.NewSystemMessage(sys)}, history...)
		}
	}
	return append(history, agent.NewUserMessage(req.Prompt))
}

func openAITools(tools map[string]Tool, order []string) []openai.Tool {
	if len(order) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(order))
	for _, name := range order {
		t := tools[name]
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaJSON(t.Parameters),
			},
		})
	}
	return out
}

func toOpenAIMessages(in []agent.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(in))
	for i, m := range in {
		out[i] = openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, c := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, openai.ToolCall{
				ID:   c.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      c.Name,
					Arguments: c.Arguments,
				},
			})
		}
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) agent.Message {
	msg := agent.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if msg.Role == "" {
		msg.Role = agent.RoleAssistant
	}
	for _, c := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, agent.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return msg
}
