package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/workspace"
)

const (
	defaultCommandTimeout = 120 * time.Second
	maxCommandTimeout     = 600 * time.Second
	stdoutCap             = 50 * 1024
	stderrCap             = 10 * 1024
)

// allowedPrefixes is the closed set of command prefixes run_tests and
// run_command will execute. Longest match wins so "python -m pytest" is
// checked before "python -m".
var allowedPrefixes = []string{
	"python -m pytest",
	"npm test",
	"npx vitest",
	"pip install",
	"npm install",
	"python -m",
	"pytest",
	"npx",
	"cat",
	"head",
	"tail",
	"wc",
	"find",
	"ls",
}

var shellMetaRe = regexp.MustCompile("[;|`<>&\n]|\\$\\(")

// Executor owns the tool registry for one build and binds every tool to a
// workspace.
type Executor struct {
	ws            *workspace.Workspace
	reg           *Registry
	onFileWritten func(FileEvent)
	// replaced in tests to observe kill timing
	killGrace time.Duration
}

func NewExecutor(ws *workspace.Workspace) (*Executor, error) {
	e := &Executor{ws: ws, reg: NewRegistry(), killGrace: 2 * time.Second}
	if err := e.registerFileTools(); err != nil {
		return nil, err
	}
	if err := e.registerCommandTools(); err != nil {
		return nil, err
	}
	return e, nil
}

// OnFileWritten installs the callback invoked after every successful
// write_file.
func (e *Executor) OnFileWritten(fn func(FileEvent)) { e.onFileWritten = fn }

// Definitions exposes the tool schemas for the LLM request.
func (e *Executor) Definitions() []llm.ToolDefinition { return e.reg.Definitions() }

// Dispatch executes one tool call. Errors are folded into the result; the
// caller never sees a Go error from a tool body.
func (e *Executor) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	return e.reg.Dispatch(ctx, call)
}

func (e *Executor) registerCommandTools() error {
	if err := e.reg.register(runTestsDef(), stdoutCap+stderrCap+1024, e.runTests); err != nil {
		return err
	}
	return e.reg.register(runCommandDef(), stdoutCap+stderrCap+1024, e.runCommand)
}

func runTestsDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "run_tests",
		Description: "Run the project's test command (e.g. pytest, npx vitest run). Returns exit code, output, and parsed pass/fail counts.",
		Parameters: objSchema(map[string]any{
			"command":         strProp("Test command, e.g. 'pytest -x' or 'npx vitest run'"),
			"timeout_seconds": intProp("Seconds before the process is killed (default 120, max 600)"),
		}, "command"),
	}
}

func runCommandDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "run_command",
		Description: "Run an allow-listed shell command in the workspace root. No pipes, redirection, or command chaining.",
		Parameters: objSchema(map[string]any{
			"command":         strProp("The command to run; the first token must be allow-listed"),
			"timeout_seconds": intProp("Seconds before the process is killed (default 120, max 600)"),
		}, "command"),
	}
}

// ExecResult is the raw outcome of a subprocess run.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// TestCounts is what run_tests parses out of pytest or vitest output.
type TestCounts struct {
	Passed int
	Failed int
	Parsed bool
}

func (e *Executor) runTests(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	timeout := commandTimeout(args)
	argv, err := vetCommand(command)
	if err != nil {
		return "", err
	}
	res := e.runArgv(ctx, argv, timeout)
	counts := ParseTestCounts(res.Stdout + "\n" + res.Stderr)

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	if res.TimedOut {
		b.WriteString(" (timed out, process killed)")
	}
	if counts.Parsed {
		fmt.Fprintf(&b, "\ntests: %d passed, %d failed", counts.Passed, counts.Failed)
	}
	b.WriteString("\n--- stdout ---\n")
	b.WriteString(truncateHeadTail(res.Stdout, stdoutCap))
	if strings.TrimSpace(res.Stderr) != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(truncateHeadTail(res.Stderr, stderrCap))
	}
	return b.String(), nil
}

func (e *Executor) runCommand(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	timeout := commandTimeout(args)
	argv, err := vetCommand(command)
	if err != nil {
		return "", err
	}
	res := e.runArgv(ctx, argv, timeout)

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	if res.TimedOut {
		b.WriteString(" (timed out, process killed)")
	}
	b.WriteString("\n")
	b.WriteString(truncateHeadTail(res.Stdout, stdoutCap))
	if strings.TrimSpace(res.Stderr) != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(truncateHeadTail(res.Stderr, stderrCap))
	}
	return b.String(), nil
}

func commandTimeout(args map[string]any) time.Duration {
	secs := intArg(args, "timeout_seconds", int(defaultCommandTimeout/time.Second))
	d := time.Duration(secs) * time.Second
	if d > maxCommandTimeout {
		d = maxCommandTimeout
	}
	if d <= 0 {
		d = defaultCommandTimeout
	}
	return d
}

// vetCommand enforces the security contract: allow-listed prefix, no shell
// metacharacters, and plain whitespace tokenization (no shell involved).
func vetCommand(command string) ([]string, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	if loc := shellMetaRe.FindString(command); loc != "" {
		return nil, fmt.Errorf("command rejected: shell metacharacter %q is not permitted", strings.TrimSpace(loc))
	}
	allowed := false
	for _, prefix := range allowedPrefixes {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("command rejected: %q is not on the allowed command list", firstToken(command))
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return argv, nil
}

func firstToken(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return s
	}
	return f[0]
}

// runArgv executes argv in the workspace root with a scrubbed environment.
// The child gets its own process group so the timeout kill reaches any
// grandchildren the test runner spawned.
func (e *Executor) runArgv(ctx context.Context, argv []string, timeout time.Duration) ExecResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.ws.Root()
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ExecResult{ExitCode: 127, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case err := <-done:
		return ExecResult{
			ExitCode: exitCodeOf(err),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(e.killGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: timedOut,
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

var (
	pytestPassRe  = regexp.MustCompile(`(\d+) passed`)
	pytestFailRe  = regexp.MustCompile(`(\d+) failed`)
	pytestErrorRe = regexp.MustCompile(`(\d+) error`)
	vitestPassRe  = regexp.MustCompile(`Tests\s+(\d+) passed`)
	vitestFailRe  = regexp.MustCompile(`Tests.*?(\d+) failed`)
	jestPassRe    = regexp.MustCompile(`Tests:.*?(\d+) passed`)
	jestFailRe    = regexp.MustCompile(`Tests:.*?(\d+) failed`)
)

// ParseTestCounts extracts pass/fail totals from pytest, vitest, or jest
// summary lines. Unrecognized output leaves Parsed false.
func ParseTestCounts(out string) TestCounts {
	var c TestCounts
	grab := func(re *regexp.Regexp) (int, bool) {
		m := re.FindStringSubmatch(out)
		if m == nil {
			return 0, false
		}
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		return n, true
	}
	if n, ok := grab(vitestPassRe); ok {
		c.Passed, c.Parsed = n, true
		if f, ok := grab(vitestFailRe); ok {
			c.Failed = f
		}
		return c
	}
	if n, ok := grab(jestFailRe); ok {
		c.Failed, c.Parsed = n, true
		if p, ok := grab(jestPassRe); ok {
			c.Passed = p
		}
		return c
	}
	if n, ok := grab(pytestPassRe); ok {
		c.Passed, c.Parsed = n, true
	}
	if n, ok := grab(pytestFailRe); ok {
		c.Failed, c.Parsed = n, true
	}
	if n, ok := grab(pytestErrorRe); ok && n > 0 {
		c.Failed += n
		c.Parsed = true
	}
	return c
}
