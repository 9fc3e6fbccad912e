// Package anthropic adapts the official Anthropic Messages streaming API to
// the unified llm.Stream chunk sequence.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/forgeguard/forgeguard/internal/llm"
)

// sharedHTTPClient is process-scoped so per-key SDK clients reuse pooled
// connections instead of handshaking per call.
var sharedHTTPClient = &http.Client{}

type Adapter struct {
	Keys    *llm.KeyPool
	BaseURL string
}

func New(keys *llm.KeyPool) *Adapter {
	return &Adapter{Keys: keys}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) StreamTurn(ctx context.Context, req llm.Request) (llm.Stream, error) {
	key := a.Keys.Acquire()
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(sharedHTTPClient),
	}
	if strings.TrimSpace(a.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(a.BaseURL))
	}
	client := sdk.NewClient(opts...)

	params, err := toMessageParams(req)
	if err != nil {
		return nil, err
	}
	raw := client.Messages.NewStreaming(ctx, params)
	return &stream{raw: raw, key: key, keys: a.Keys}, nil
}

func toMessageParams(req llm.Request) (sdk.MessageNewParams, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := []sdk.ContentBlockParamUnion{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.ContentBlockParamUnion{
					OfToolUse: &sdk.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(tc.Arguments),
					},
				})
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case llm.RoleTool:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.ContentBlockParamUnion{
				OfToolResult: &sdk.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content: []sdk.ToolResultBlockParamContentUnion{
						{OfText: &sdk.TextBlockParam{Text: m.Content}},
					},
				},
			}))
		case llm.RoleSystem:
			// System content travels in params.System; a stray system turn in
			// the history degrades to a user turn rather than failing the call.
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	for _, def := range req.Tools {
		tp := &sdk.ToolParam{Name: def.Name}
		if def.Description != "" {
			tp.Description = sdk.String(def.Description)
		}
		if def.Parameters != nil {
			if props, ok := def.Parameters["properties"]; ok {
				tp.InputSchema.Properties = props
			}
			if reqd, ok := def.Parameters["required"].([]string); ok {
				tp.InputSchema.Required = reqd
			} else if raw, ok := def.Parameters["required"].([]any); ok {
				for _, r := range raw {
					if s, ok := r.(string); ok {
						tp.InputSchema.Required = append(tp.InputSchema.Required, s)
					}
				}
			}
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: tp})
	}
	return params, nil
}

// stream translates native Anthropic events into llm.Chunks. Translation is
// pull-based: one native event may expand to several chunks, buffered in
// pending.
type stream struct {
	raw  *ssestream.Stream[sdk.MessageStreamEventUnion]
	key  string
	keys *llm.KeyPool

	pending []llm.Chunk
	// index -> tool use id, so input deltas and stops can be attributed.
	openTools         map[int]string
	inputTokens       int
	stopReasonPending string
	stopped           bool
	done              bool
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
		if !s.raw.Next() {
			s.done = true
			if err := s.raw.Err(); err != nil {
				uerr := translateError(err)
				s.keys.ReportFailure(s.key, uerr)
				return llm.Chunk{}, uerr
			}
			if !s.stopped {
				// Defensive: some terminations skip message_stop.
				return llm.Chunk{Kind: llm.ChunkStop, StopReason: "end_turn"}, nil
			}
			return llm.Chunk{}, io.EOF
		}
		s.handle(s.raw.Current())
	}
}

func (s *stream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.openTools = map[int]string{}
		s.inputTokens = int(ev.Message.Usage.InputTokens)
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if s.openTools == nil {
				s.openTools = map[int]string{}
			}
			s.openTools[int(ev.Index)] = tu.ID
			s.pending = append(s.pending, llm.Chunk{
				Kind:      llm.ChunkToolUseStart,
				ToolUseID: tu.ID,
				ToolName:  tu.Name,
			})
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkText, Delta: delta.Text})
			}
		case sdk.InputJSONDelta:
			if id, ok := s.openTools[int(ev.Index)]; ok && delta.PartialJSON != "" {
				s.pending = append(s.pending, llm.Chunk{
					Kind:      llm.ChunkToolUseInputDelta,
					ToolUseID: id,
					JSONDelta: delta.PartialJSON,
				})
			}
		}
	case sdk.ContentBlockStopEvent:
		if id, ok := s.openTools[int(ev.Index)]; ok {
			delete(s.openTools, int(ev.Index))
			s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkToolUseStop, ToolUseID: id})
		}
	case sdk.MessageDeltaEvent:
		s.pending = append(s.pending, llm.Chunk{
			Kind:         llm.ChunkUsage,
			InputTokens:  s.inputTokens,
			OutputTokens: int(ev.Usage.OutputTokens),
		})
		if r := string(ev.Delta.StopReason); r != "" {
			s.stopReasonPending = r
		}
	case sdk.MessageStopEvent:
		reason := s.stopReasonPending
		if reason == "" {
			reason = "end_turn"
		}
		s.stopped = true
		s.pending = append(s.pending, llm.Chunk{Kind: llm.ChunkStop, StopReason: reason})
	}
}

func (s *stream) Close() error {
	s.done = true
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return llm.FromHTTPStatus("anthropic", apiErr.StatusCode, apiErr.Error(), nil)
	}
	return err
}
