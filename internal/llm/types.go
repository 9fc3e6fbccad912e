// Package llm defines the provider-agnostic streaming interface the
// orchestrator speaks. Provider differences (Anthropic Messages, OpenAI Chat
// Completions) are hidden behind adapters that translate native stream events
// into a flat chunk sequence.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one conversation turn in the unified shape.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID / ToolName are set on tool-result turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

func ToolResult(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: name}
}

// ToolDefinition describes a tool advertised to the model. Parameters is a
// JSON-schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one streaming turn.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	return nil
}

type ChunkKind string

const (
	ChunkText              ChunkKind = "text"
	ChunkToolUseStart      ChunkKind = "tool_use_start"
	ChunkToolUseInputDelta ChunkKind = "tool_use_input_delta"
	ChunkToolUseStop       ChunkKind = "tool_use_stop"
	ChunkUsage             ChunkKind = "usage"
	ChunkStop              ChunkKind = "stop"
)

// Chunk is one unit of a streamed turn. Field population depends on Kind:
// text -> Delta; tool_use_start -> ToolUseID+ToolName;
// tool_use_input_delta -> ToolUseID+JSONDelta; tool_use_stop -> ToolUseID;
// usage -> InputTokens+OutputTokens; stop -> StopReason.
type Chunk struct {
	Kind         ChunkKind
	Delta        string
	ToolUseID    string
	ToolName     string
	JSONDelta    string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Stream yields chunks for one turn. Recv returns io.EOF after the final
// chunk. Close releases the underlying transport and is safe to call twice.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// ProviderAdapter is implemented per provider family.
type ProviderAdapter interface {
	Name() string
	StreamTurn(ctx context.Context, req Request) (Stream, error)
}

// ModelRole selects which configured model a call uses.
type ModelRole string

const (
	RoleBuilder       ModelRole = "builder"
	RolePlanner       ModelRole = "planner"
	RoleAuditor       ModelRole = "auditor"
	RoleQuestionnaire ModelRole = "questionnaire"
)

// Client routes requests to the adapter owning the requested model and
// carries the per-role model configuration.
type Client struct {
	adapters        map[string]ProviderAdapter
	defaultProvider string
	models          map[ModelRole]string
	retry           RetryPolicy
	sleep           SleepFunc
}

func NewClient() *Client {
	return &Client{
		adapters: map[string]ProviderAdapter{},
		models:   map[ModelRole]string{},
		retry:    DefaultRetryPolicy(),
	}
}

func (c *Client) Register(a ProviderAdapter) {
	c.adapters[a.Name()] = a
	if c.defaultProvider == "" {
		c.defaultProvider = a.Name()
	}
}

func (c *Client) SetModel(role ModelRole, model string) {
	c.models[role] = strings.TrimSpace(model)
}

// ModelFor returns the configured model for a role, falling back to the
// builder model.
func (c *Client) ModelFor(role ModelRole) string {
	if m := c.models[role]; m != "" {
		return m
	}
	return c.models[RoleBuilder]
}

// SetRetryPolicy overrides the default retry policy for StreamTurn dial
// attempts. A nil SleepFunc uses real sleeps.
func (c *Client) SetRetryPolicy(p RetryPolicy, sleep SleepFunc) {
	c.retry = p
	c.sleep = sleep
}

// StreamTurn opens one streamed turn. Provider selection is by model prefix
// ("claude-*" -> anthropic, "gpt-*"/"o*" -> openai) with the first registered
// adapter as fallback. Opening the stream is retried per the client policy;
// mid-stream errors are the caller's to handle.
func (c *Client) StreamTurn(ctx context.Context, req Request) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	name := providerForModel(req.Model)
	if _, ok := c.adapters[name]; !ok {
		name = c.defaultProvider
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("no adapter for model %q", req.Model)}
	}
	return RetryStream(ctx, c.retry, c.sleep, func() (Stream, error) {
		return adapter.StreamTurn(ctx, req)
	})
}

func providerForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	default:
		return ""
	}
}
