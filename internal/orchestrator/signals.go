package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

// Structured markers the builder model emits inside its text stream.
const signOffMarker = "=== PHASE SIGN-OFF: PASS ==="

var (
	planBlockRe = regexp.MustCompile(`(?s)=== PLAN ===\s*(.*?)\s*(?:=== END PLAN ===|\n\n|$)`)
	taskDoneRe  = regexp.MustCompile(`=== TASK DONE: (\d+) ===`)
	fileBlockRe = regexp.MustCompile(`(?s)=== FILE: ([^=\n]+?) ===\n(.*?)=== END FILE ===`)
	fenceRe     = regexp.MustCompile("(?s)\\A```[a-zA-Z0-9_+-]*\\n(.*)\\n```\\s*\\z")
)

// ParsePlan extracts the task list from the first PLAN block. Items are
// bullet or numbered lines; blank lines are skipped.
func ParsePlan(text string) []string {
	m := planBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var items []string
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// ParseTaskDone returns the indices (1-based, as emitted) of completed tasks.
func ParseTaskDone(text string) []int {
	var out []int
	for _, m := range taskDoneRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// FileBlock is one fallback-path file write parsed from the stream.
type FileBlock struct {
	Path    string
	Content string
}

// ParseFileBlocks extracts FILE blocks. Content may be fenced; the fence is
// stripped. Blocks with an empty path or empty content are dropped (the
// caller logs a warning).
func ParseFileBlocks(text string) (blocks []FileBlock, skipped int) {
	for _, m := range fileBlockRe.FindAllStringSubmatch(text, -1) {
		path := strings.TrimSpace(m[1])
		content := m[2]
		if f := fenceRe.FindStringSubmatch(strings.TrimSpace(content)); f != nil {
			content = f[1] + "\n"
		}
		if path == "" || strings.TrimSpace(content) == "" {
			skipped++
			continue
		}
		blocks = append(blocks, FileBlock{Path: path, Content: content})
	}
	return blocks, skipped
}

// HasSignOff reports whether the builder declared the phase complete.
func HasSignOff(text string) bool {
	return strings.Contains(text, signOffMarker)
}
