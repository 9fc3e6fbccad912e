package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	text := "preface\n=== PLAN ===\n- Set up project layout\n2. Write the parser\n* Add tests\n=== END PLAN ===\ntrailer"
	items := ParsePlan(text)
	assert.Equal(t, []string{"Set up project layout", "Write the parser", "Add tests"}, items)
}

func TestParsePlanWithoutEndMarker(t *testing.T) {
	items := ParsePlan("=== PLAN ===\n- only task\n\nAnd then I started working.")
	assert.Equal(t, []string{"only task"}, items)
}

func TestParsePlanAbsent(t *testing.T) {
	assert.Nil(t, ParsePlan("no structured output here"))
}

func TestParseTaskDone(t *testing.T) {
	text := "=== TASK DONE: 1 ===\nsome text\n=== TASK DONE: 3 ==="
	assert.Equal(t, []int{1, 3}, ParseTaskDone(text))
	assert.Empty(t, ParseTaskDone("=== TASK DONE: x ==="))
}

func TestParseFileBlocks(t *testing.T) {
	text := "=== FILE: src/app.py ===\nprint('hi')\n=== END FILE ===\n" +
		"=== FILE: notes.md ===\n```markdown\n# Notes\n```\n=== END FILE ==="
	blocks, skipped := ParseFileBlocks(text)
	require.Len(t, blocks, 2)
	assert.Zero(t, skipped)
	assert.Equal(t, "src/app.py", blocks[0].Path)
	assert.Equal(t, "print('hi')\n", blocks[0].Content)
	assert.Equal(t, "notes.md", blocks[1].Path)
	assert.Equal(t, "# Notes\n", blocks[1].Content, "code fences are stripped")
}

func TestParseFileBlocksSkipsMalformed(t *testing.T) {
	text := "=== FILE: empty.txt ===\n\n=== END FILE ==="
	blocks, skipped := ParseFileBlocks(text)
	assert.Empty(t, blocks)
	assert.Equal(t, 1, skipped)
}

func TestHasSignOff(t *testing.T) {
	assert.True(t, HasSignOff("done!\n=== PHASE SIGN-OFF: PASS ===\n"))
	assert.False(t, HasSignOff("=== PHASE SIGN-OFF: FAIL ==="))
	assert.False(t, HasSignOff("still working"))
}
