// Package openai adapts the OpenAI Chat Completions streaming API
// (github.com/sashabaranov/go-openai) to the unified llm.Stream chunk
// sequence.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/forgeguard/forgeguard/internal/llm"
)

var sharedHTTPClient = &http.Client{}

type Adapter struct {
	Keys    *llm.KeyPool
	BaseURL string
}

func New(keys *llm.KeyPool) *Adapter {
	return &Adapter{Keys: keys}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) StreamTurn(ctx context.Context, req llm.Request) (llm.Stream, error) {
	key := a.Keys.Acquire()
	cfg := goopenai.DefaultConfig(key)
	cfg.HTTPClient = sharedHTTPClient
	if strings.TrimSpace(a.BaseURL) != "" {
		cfg.BaseURL = a.BaseURL
	}
	client := goopenai.NewClientWithConfig(cfg)

	raw, err := client.CreateChatCompletionStream(ctx, toChatRequest(req))
	if err != nil {
		uerr := translateError(err)
		a.Keys.ReportFailure(key, uerr)
		return nil, uerr
	}
	return &stream{raw: raw, key: key, keys: a.Keys}, nil
}

func toChatRequest(req llm.Request) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:         req.Model,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if strings.TrimSpace(req.System) != "" {
		out.Messages = append(out.Messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser, llm.RoleSystem:
			out.Messages = append(out.Messages, goopenai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		case llm.RoleAssistant:
			msg := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out.Messages = append(out.Messages, msg)
		case llm.RoleTool:
			out.Messages = append(out.Messages, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

// stream translates Chat Completions deltas into llm.Chunks. OpenAI does not
// emit explicit tool-use stop events, so a tool call is closed when a new
// tool index starts or the choice finishes.
type stream struct {
	raw  *goopenai.ChatCompletionStream
	key  string
	keys *llm.KeyPool

	pending []llm.Chunk
	// Tool call ids by stream index; openOrder preserves close ordering.
	openTools  map[int]string
	openOrder  []int
	stopReason string
	sawUsage   bool
	done       bool
}

func (s *stream) Recv() (llm.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		resp, err := s.raw.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.closeOpenTools()
			if !s.sawUsage {
				s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkUsage})
			}
			reason := s.stopReason
			if reason == "" {
				reason = "stop"
			}
			s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkStop, StopReason: reason})
			continue
		}
		if err != nil {
			s.done = true
			uerr := translateError(err)
			s.keys.ReportFailure(s.key, uerr)
			return llm.Chunk{}, uerr
		}
		s.handle(resp)
	}
}

func (s *stream) handle(resp goopenai.ChatCompletionStreamResponse) {
	if resp.Usage != nil {
		s.sawUsage = true
		s.pending = append(s.pending, llm.Chunk{
			Kind:         llm.ChunkUsage,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		})
	}
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkText, Delta: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		if s.openTools == nil {
			s.openTools = map[int]string{}
		}
		if tc.ID != "" {
			// New tool call on this index; close any previous one there.
			if prev, ok := s.openTools[idx]; ok && prev != tc.ID {
				s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkToolUseStop, ToolUseID: prev})
				s.removeOpen(idx)
			}
			s.openTools[idx] = tc.ID
			s.openOrder = append(s.openOrder, idx)
			s.pending = append(s.pending, llm.Chunk{
				Kind:      llm.ChunkToolUseStart,
				ToolUseID: tc.ID,
				ToolName:  tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			if id, ok := s.openTools[idx]; ok {
				s.pending = append(s.pending, llm.Chunk{
					Kind:      llm.ChunkToolUseInputDelta,
					ToolUseID: id,
					JSONDelta: tc.Function.Arguments,
				})
			}
		}
	}
	if choice.FinishReason != "" {
		s.stopReason = normalizeFinishReason(string(choice.FinishReason))
		s.closeOpenTools()
	}
}

func (s *stream) closeOpenTools() {
	for _, idx := range s.openOrder {
		if id, ok := s.openTools[idx]; ok {
			s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkToolUseStop, ToolUseID: id})
			delete(s.openTools, idx)
		}
	}
	s.openOrder = nil
}

func (s *stream) removeOpen(idx int) {
	for i, v := range s.openOrder {
		if v == idx {
			s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
			return
		}
	}
}

func (s *stream) Close() error {
	s.done = true
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func normalizeFinishReason(r string) string {
	switch r {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return r
	}
}

func translateError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return llm.FromHTTPStatus("openai", apiErr.HTTPStatusCode, apiErr.Message, nil)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return llm.FromHTTPStatus("openai", reqErr.HTTPStatusCode, reqErr.Error(), nil)
	}
	return err
}
