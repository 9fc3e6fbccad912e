package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeguard/forgeguard/internal/llm"
)

const (
	compactFraction  = 0.85
	summaryByteLimit = 2 * 1024
	// chars-per-token heuristic for context estimation
	charsPerToken = 4
)

// Turn is one conversation entry with the metadata compaction needs.
type Turn struct {
	Role       llm.Role       `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`

	Preamble     bool `json:"preamble,omitempty"`
	AuditFinding bool `json:"audit_finding,omitempty"`
	SignOff      bool `json:"sign_off,omitempty"`
	Phase        int  `json:"phase"`
}

// Conversation is the rolling message history for one build.
type Conversation struct {
	turns []Turn
}

func NewConversation(preamble string) *Conversation {
	c := &Conversation{}
	if strings.TrimSpace(preamble) != "" {
		c.turns = append(c.turns, Turn{Role: llm.RoleUser, Content: preamble, Preamble: true})
	}
	return c
}

func (c *Conversation) Append(t Turn) { c.turns = append(c.turns, t) }

func (c *Conversation) Turns() []Turn { return c.turns }

// Last returns the final turn, or a zero Turn when empty.
func (c *Conversation) Last() Turn {
	if len(c.turns) == 0 {
		return Turn{}
	}
	return c.turns[len(c.turns)-1]
}

// Messages renders the history for an LLM request.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.turns))
	for _, t := range c.turns {
		out = append(out, llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
			ToolName:   t.ToolName,
		})
	}
	return out
}

// EstimateTokens approximates the prompt size.
func (c *Conversation) EstimateTokens() int {
	chars := 0
	for _, t := range c.turns {
		chars += len(t.Content)
		for _, tc := range t.ToolCalls {
			chars += len(tc.Arguments) + len(tc.Name)
		}
	}
	return chars / charsPerToken
}

// MaybeCompact compacts the history when the estimate crosses the context
// threshold. Kept verbatim: the preamble, every audit-finding turn, the last
// sign-off turn, and the last two turns. Everything else collapses into one
// synthetic user turn capped at 2 KB. Returns true when compaction ran.
func (c *Conversation) MaybeCompact(contextLimitTokens int) bool {
	if contextLimitTokens <= 0 {
		return false
	}
	if float64(c.EstimateTokens()) < compactFraction*float64(contextLimitTokens) {
		return false
	}

	keep := make([]bool, len(c.turns))
	lastSignOff := -1
	for i, t := range c.turns {
		if t.Preamble || t.AuditFinding {
			keep[i] = true
		}
		if t.SignOff {
			lastSignOff = i
		}
	}
	if lastSignOff >= 0 {
		keep[lastSignOff] = true
	}
	for i := len(c.turns) - 2; i < len(c.turns); i++ {
		if i >= 0 {
			keep[i] = true
		}
	}

	var summary strings.Builder
	dropped := 0
	for i, t := range c.turns {
		if keep[i] {
			continue
		}
		dropped++
		line := strings.TrimSpace(t.Content)
		if len(line) > 160 {
			line = line[:160]
		}
		if summary.Len()+len(line) < summaryByteLimit-64 {
			fmt.Fprintf(&summary, "[%s] %s\n", t.Role, line)
		}
	}
	if dropped == 0 {
		return false
	}

	synthetic := Turn{
		Role: llm.RoleUser,
		Content: fmt.Sprintf("[Conversation compacted: %d earlier turns summarized]\n%s",
			dropped, summary.String()),
	}
	if len(synthetic.Content) > summaryByteLimit {
		synthetic.Content = synthetic.Content[:summaryByteLimit]
	}

	var out []Turn
	inserted := false
	for i, t := range c.turns {
		if keep[i] {
			out = append(out, t)
			// The summary sits right after the preamble block.
			if t.Preamble && !inserted {
				out = append(out, synthetic)
				inserted = true
			}
			continue
		}
		if !inserted {
			out = append(out, synthetic)
			inserted = true
		}
	}
	c.turns = out
	return true
}

// Snapshot serializes the conversation for gate persistence.
func (c *Conversation) Snapshot() ([]byte, error) {
	return json.Marshal(c.turns)
}

// RestoreConversation rebuilds a conversation from a persisted snapshot.
func RestoreConversation(data []byte) (*Conversation, error) {
	c := &Conversation{}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.turns); err != nil {
		return nil, fmt.Errorf("restore conversation: %w", err)
	}
	return c, nil
}
