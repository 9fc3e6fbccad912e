package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeguard/forgeguard/internal/llm"
)

func TestConversationPreambleAndMessages(t *testing.T) {
	c := NewConversation("You are the builder.")
	c.Append(Turn{Role: llm.RoleUser, Content: "Phase 0: implement"})
	c.Append(Turn{Role: llm.RoleAssistant, Content: "working"})

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "You are the builder.", msgs[0].Content)
	assert.True(t, c.Turns()[0].Preamble)
	assert.Equal(t, "working", c.Last().Content)
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	c := NewConversation("preamble")
	c.Append(Turn{Role: llm.RoleUser, Content: "short"})
	assert.False(t, c.MaybeCompact(1_000_000))
	assert.Len(t, c.Turns(), 2)
}

func TestMaybeCompactKeepsPinnedTurns(t *testing.T) {
	c := NewConversation("preamble text")
	filler := strings.Repeat("x", 600)
	for i := 0; i < 20; i++ {
		c.Append(Turn{Role: llm.RoleAssistant, Content: filler, Phase: 0})
	}
	c.Append(Turn{Role: llm.RoleUser, Content: "audit findings: fix main.py", AuditFinding: true})
	c.Append(Turn{Role: llm.RoleAssistant, Content: "sign-off", SignOff: true})
	for i := 0; i < 20; i++ {
		c.Append(Turn{Role: llm.RoleAssistant, Content: filler, Phase: 1})
	}
	c.Append(Turn{Role: llm.RoleUser, Content: "tail-1"})
	c.Append(Turn{Role: llm.RoleAssistant, Content: "tail-2"})

	// 40 filler turns of 600 chars estimate to ~6k tokens, comfortably past
	// 85% of the 5k limit.
	before := c.EstimateTokens()
	require.GreaterOrEqual(t, float64(before), 0.85*5_000)
	require.True(t, c.MaybeCompact(5_000))
	assert.Less(t, c.EstimateTokens(), before)

	turns := c.Turns()
	assert.True(t, turns[0].Preamble, "preamble survives compaction")
	assert.Contains(t, turns[1].Content, "[Conversation compacted:",
		"summary sits right after the preamble")
	assert.LessOrEqual(t, len(turns[1].Content), summaryByteLimit)

	var hasFinding, hasSignOff bool
	for _, tn := range turns {
		if tn.AuditFinding {
			hasFinding = true
		}
		if tn.SignOff {
			hasSignOff = true
		}
	}
	assert.True(t, hasFinding, "audit findings survive compaction")
	assert.True(t, hasSignOff, "last sign-off survives compaction")
	assert.Equal(t, "tail-1", turns[len(turns)-2].Content)
	assert.Equal(t, "tail-2", turns[len(turns)-1].Content)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := NewConversation("preamble")
	c.Append(Turn{Role: llm.RoleAssistant, Content: "did work",
		ToolCalls: []llm.ToolCall{{ID: "t1", Name: "write_file", Arguments: []byte(`{"path":"a"}`)}}})
	c.Append(Turn{Role: llm.RoleTool, Content: "ok", ToolCallID: "t1", ToolName: "write_file"})

	data, err := c.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreConversation(data)
	require.NoError(t, err)
	require.Len(t, restored.Turns(), 3)
	assert.Equal(t, c.Turns()[1].ToolCalls[0].Name, restored.Turns()[1].ToolCalls[0].Name)
	assert.Equal(t, "ok", restored.Turns()[2].Content)

	empty, err := RestoreConversation(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Turns())
}
