package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/workspace"
)

func newTestExecutor(t *testing.T) (*Executor, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "build"))
	require.NoError(t, err)
	e, err := NewExecutor(ws)
	require.NoError(t, err)
	return e, ws
}

func call(name string, args map[string]any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: "tc-1", Name: name, Arguments: raw}
}

func TestWriteThenReadFile(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, call("write_file", map[string]any{"path": "src/app.py", "content": "print('hi')\n"}))
	require.False(t, res.IsError, res.Output)
	require.Contains(t, res.Output, "created src/app.py")

	res = e.Dispatch(ctx, call("write_file", map[string]any{"path": "src/app.py", "content": "print('bye')\n"}))
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "modified src/app.py")

	res = e.Dispatch(ctx, call("read_file", map[string]any{"path": "src/app.py"}))
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "print('bye')")
	require.Contains(t, res.Output, "1 lines")
}

func TestWriteFileEmitsEvents(t *testing.T) {
	e, _ := newTestExecutor(t)
	var events []FileEvent
	e.OnFileWritten(func(ev FileEvent) { events = append(events, ev) })

	e.Dispatch(context.Background(), call("write_file", map[string]any{"path": "a.txt", "content": "x"}))
	e.Dispatch(context.Background(), call("write_file", map[string]any{"path": "a.txt", "content": "xy"}))

	require.Len(t, events, 2)
	require.True(t, events[0].Created)
	require.False(t, events[1].Created)
	require.Equal(t, 2, events[1].Bytes)
}

func TestPathEscapeIsRejectedNotRaised(t *testing.T) {
	e, ws := newTestExecutor(t)
	ctx := context.Background()

	for _, p := range []string{"../../etc/passwd", "/etc/passwd", "a/../../b"} {
		res := e.Dispatch(ctx, call("write_file", map[string]any{"path": p, "content": "owned"}))
		require.True(t, res.IsError, "path %q must be rejected", p)
	}
	// Nothing escaped or landed inside the workspace.
	entries, err := os.ReadDir(ws.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestListDirectoryMarksDirs(t *testing.T) {
	e, ws := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "main.py"), []byte("x"), 0o644))

	res := e.Dispatch(context.Background(), call("list_directory", map[string]any{"path": ""}))
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "pkg/")
	require.Contains(t, res.Output, "main.py")
	require.NotContains(t, res.Output, "pkg/\n/") // no absolute leakage
}

func TestSearchCodeScopeAndCap(t *testing.T) {
	e, ws := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "src", "a.py"), []byte("needle = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "b.txt"), []byte("needle here\n"), 0o644))

	res := e.Dispatch(context.Background(), call("search_code", map[string]any{
		"pattern": "needle", "scope": "src/**/*.py",
	}))
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "src/a.py:1:")
	require.NotContains(t, res.Output, "b.txt")

	res = e.Dispatch(context.Background(), call("search_code", map[string]any{"pattern": "nothing-here"}))
	require.Equal(t, "no matches", res.Output)
}

func TestSearchCodeLiteralMode(t *testing.T) {
	e, ws := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "a.txt"), []byte("a(b)*c\n"), 0o644))

	res := e.Dispatch(context.Background(), call("search_code", map[string]any{
		"pattern": "a(b)*c", "regex": false,
	}))
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "a.txt:1:")
}

func TestUnknownToolAndBadArgs(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, call("rm_rf", map[string]any{}))
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "unknown tool")

	res = e.Dispatch(ctx, call("read_file", map[string]any{}))
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "validation failed")
}

func TestCommandAllowList(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	rejected := []string{
		"rm -rf /",
		"curl http://example.com",
		"bash -c ls",
		"ls; rm -rf /",
		"cat a | tee b",
		"cat `whoami`",
		"cat $(whoami)",
		"cat a > /etc/passwd",
	}
	for _, cmd := range rejected {
		res := e.Dispatch(ctx, call("run_command", map[string]any{"command": cmd}))
		require.True(t, res.IsError, "command %q must be rejected", cmd)
		require.Contains(t, res.Output, "rejected")
	}
}

func TestRunCommandExecutesInWorkspace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on coreutils")
	}
	e, ws := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "hello.txt"), []byte("hello\n"), 0o644))

	res := e.Dispatch(context.Background(), call("run_command", map[string]any{"command": "cat hello.txt"}))
	require.False(t, res.IsError, res.Output)
	require.Contains(t, res.Output, "exit code: 0")
	require.Contains(t, res.Output, "hello")
}

func TestRunCommandReportsNonzeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on coreutils")
	}
	e, _ := newTestExecutor(t)

	res := e.Dispatch(context.Background(), call("run_command", map[string]any{"command": "cat no-such-file.txt"}))
	require.Contains(t, res.Output, "exit code: 1")
}

func TestRunCommandTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process-group kill is unix only")
	}
	e, ws := newTestExecutor(t)
	// "find" with a slow predicate is on the allow-list and runs long enough
	// to hit the 1 s timeout.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "f"+string(rune('a'+i))), []byte("x"), 0o644))
	}
	start := time.Now()
	res := e.Dispatch(context.Background(), call("run_command", map[string]any{
		"command": "tail -f fa", "timeout_seconds": 1,
	}))
	elapsed := time.Since(start)
	require.False(t, res.IsError, res.Output)
	require.Contains(t, res.Output, "timed out")
	require.Less(t, elapsed, 5*time.Second)
}

func TestParseTestCounts(t *testing.T) {
	cases := []struct {
		out          string
		passed, fail int
		parsed       bool
	}{
		{"== 3 passed in 0.1s ==", 3, 0, true},
		{"== 1 failed, 2 passed in 0.3s ==", 2, 1, true},
		{"== 2 failed, 1 error in 0.3s ==", 0, 3, true},
		{"Tests  12 passed (12)", 12, 0, true},
		{"Tests:       1 failed, 4 passed, 5 total", 4, 1, true},
		{"make: nothing to be done", 0, 0, false},
	}
	for _, tc := range cases {
		c := ParseTestCounts(tc.out)
		require.Equal(t, tc.parsed, c.Parsed, tc.out)
		require.Equal(t, tc.passed, c.Passed, tc.out)
		require.Equal(t, tc.fail, c.Failed, tc.out)
	}
}

func TestRunTestsParsesPytestSummary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on coreutils")
	}
	e, ws := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "out.txt"),
		[]byte("===== 2 passed in 0.01s =====\n"), 0o644))

	res := e.Dispatch(context.Background(), call("run_tests", map[string]any{"command": "cat out.txt"}))
	require.False(t, res.IsError, res.Output)
	require.Contains(t, res.Output, "tests: 2 passed, 0 failed")
}

func TestTruncateHeadTail(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("z", 100)
	out := truncateHeadTail(s, 40)
	require.Contains(t, out, "truncated")
	require.True(t, strings.HasPrefix(out, "aaaa"))
	require.True(t, strings.HasSuffix(out, "zzzz"))
	require.Equal(t, s, truncateHeadTail(s, 1000))
}

func TestCheckSyntaxUnknownExtension(t *testing.T) {
	e, ws := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "notes.md"), []byte("# hi"), 0o644))

	res := e.Dispatch(context.Background(), call("check_syntax", map[string]any{"path": "notes.md"}))
	require.False(t, res.IsError)
	require.Equal(t, "no errors", res.Output)
}

func TestCheckSyntaxJSON(t *testing.T) {
	e, ws := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "ok.json"), []byte(`{"a":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "bad.json"), []byte(`{"a":`), 0o644))

	res := e.Dispatch(context.Background(), call("check_syntax", map[string]any{"path": "ok.json"}))
	require.Equal(t, "no errors", res.Output)

	res = e.Dispatch(context.Background(), call("check_syntax", map[string]any{"path": "bad.json"}))
	require.NotEqual(t, "no errors", res.Output)
}

func TestDefinitionsStableOrder(t *testing.T) {
	e, _ := newTestExecutor(t)
	defs := e.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	require.Equal(t, []string{
		"read_file", "list_directory", "search_code", "write_file",
		"check_syntax", "run_tests", "run_command",
	}, names)
}
