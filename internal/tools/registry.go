// Package tools implements the sandboxed execution surface exposed to the
// build agent: a registry of typed tools dispatched by name, each with a
// JSON-schema-validated input and a truncated, structured result. Tool
// failures never escape the executor; they become error strings the agent
// sees in its next turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgeguard/forgeguard/internal/llm"
)

// Result is what a tool call returns to the conversation.
type Result struct {
	ToolName string
	CallID   string
	Output   string
	IsError  bool
}

type registeredTool struct {
	def      llm.ToolDefinition
	schema   *jsonschema.Schema
	maxChars int
	exec     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the closed set of tools the agent may call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]registeredTool{}}
}

func (r *Registry) register(def llm.ToolDefinition, maxChars int, exec func(ctx context.Context, args map[string]any) (string, error)) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("tool %s missing executor", def.Name)
	}
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", def.Name, err)
	}
	if maxChars <= 0 {
		maxChars = 20_000
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; !dup {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, schema: schema, maxChars: maxChars, exec: exec}
	return nil
}

// Definitions returns tool definitions in registration order, for the LLM
// request.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Dispatch validates and executes one tool call.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{ToolName: call.Name, CallID: call.ID, Output: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return Result{ToolName: call.Name, CallID: call.ID, Output: fmt.Sprintf("invalid tool arguments JSON: %v", err), IsError: true}
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return Result{ToolName: call.Name, CallID: call.ID, Output: fmt.Sprintf("tool args schema validation failed: %v", err), IsError: true}
	}

	out, err := t.exec(ctx, args)
	if err != nil {
		msg := strings.TrimSpace(out)
		if msg == "" {
			msg = err.Error()
		}
		return Result{ToolName: call.Name, CallID: call.ID, Output: truncateHeadTail(msg, t.maxChars), IsError: true}
	}
	return Result{ToolName: call.Name, CallID: call.ID, Output: truncateHeadTail(out, t.maxChars)}
}

// truncateHeadTail keeps the head and tail of oversized output with an
// explicit omission marker, so the agent sees both the start and the end.
func truncateHeadTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	removed := len(s) - max
	head := max / 2
	tail := max - head
	marker := fmt.Sprintf("\n\n[WARNING: output truncated, %d characters removed from the middle. Re-run with more targeted parameters to see specific parts.]\n\n", removed)
	return s[:head] + marker + s[len(s)-tail:]
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok && int(v) > 0 {
		return int(v)
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}
