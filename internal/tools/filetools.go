package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forgeguard/forgeguard/internal/llm"
)

const (
	readFileCap     = 50 * 1024
	searchMatchCap  = 50
	searchFileLimit = 5000
)

// FileEvent describes a write_file outcome for progress reporting.
type FileEvent struct {
	Path    string
	Bytes   int
	Created bool
}

func (e *Executor) registerFileTools() error {
	if err := e.reg.register(readFileDef(), readFileCap+512, e.readFile); err != nil {
		return err
	}
	if err := e.reg.register(listDirectoryDef(), 20_000, e.listDirectory); err != nil {
		return err
	}
	if err := e.reg.register(searchCodeDef(), 30_000, e.searchCode); err != nil {
		return err
	}
	if err := e.reg.register(writeFileDef(), 2_000, e.writeFile); err != nil {
		return err
	}
	return e.reg.register(checkSyntaxDef(), 20_000, e.checkSyntax)
}

func readFileDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the project workspace. Returns the content with line count and byte size. Content over 50 KB is truncated.",
		Parameters:  objSchema(map[string]any{"path": strProp("Path relative to the workspace root")}, "path"),
	}
}

func (e *Executor) readFile(_ context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", rel)
		}
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	lines := strings.Count(string(data), "\n")
	if len(data) > 0 && data[len(data)-1] != '\n' {
		lines++
	}
	content := string(data)
	note := ""
	if len(content) > readFileCap {
		content = content[:readFileCap]
		note = fmt.Sprintf("\n[truncated at %d bytes]", readFileCap)
	}
	return fmt.Sprintf("%s (%d lines, %d bytes)\n%s%s", rel, lines, len(data), content, note), nil
}

func listDirectoryDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "list_directory",
		Description: "List entries in a workspace directory. Directories carry a trailing slash.",
		Parameters:  objSchema(map[string]any{"path": strProp("Directory path relative to the workspace root; empty for the root")}),
	}
}

func (e *Executor) listDirectory(_ context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if name == ".git" {
			continue
		}
		if ent.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

func searchCodeDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "search_code",
		Description: "Search workspace files for a pattern. Returns up to 50 matches as path:line: snippet.",
		Parameters: objSchema(map[string]any{
			"pattern": strProp("Regular expression, or literal text when regex is false"),
			"scope":   strProp("Optional glob limiting the files searched, e.g. src/**/*.py"),
			"regex":   boolProp("Treat pattern as a regular expression (default true)"),
		}, "pattern"),
	}
}

func (e *Executor) searchCode(ctx context.Context, args map[string]any) (string, error) {
	pattern := stringArg(args, "pattern")
	scope := stringArg(args, "scope")
	useRegex := true
	if v, ok := args["regex"].(bool); ok {
		useRegex = v
	}
	var re *regexp.Regexp
	var err error
	if useRegex {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("invalid regex: %w", err)
		}
	}

	var matches []string
	seen := 0
	root := e.ws.Root()
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		if d.IsDir() {
			base := d.Name()
			if base == ".git" || base == "node_modules" || base == "__pycache__" {
				return fs.SkipDir
			}
			return nil
		}
		seen++
		if seen > searchFileLimit {
			return fs.SkipAll
		}
		if scope != "" {
			ok, merr := doublestar.Match(scope, filepath.ToSlash(rel))
			if merr != nil || !ok {
				return nil
			}
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil || !isText(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			hit := false
			if re != nil {
				hit = re.MatchString(line)
			} else {
				hit = strings.Contains(line, pattern)
			}
			if hit {
				snippet := strings.TrimSpace(line)
				if len(snippet) > 200 {
					snippet = snippet[:200]
				}
				matches = append(matches, fmt.Sprintf("%s:%d: %s", filepath.ToSlash(rel), i+1, snippet))
				if len(matches) >= searchMatchCap {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return "", walkErr
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	header := fmt.Sprintf("%d match(es)", len(matches))
	if len(matches) >= searchMatchCap {
		header += " (capped)"
	}
	return header + "\n" + strings.Join(matches, "\n"), nil
}

func writeFileDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "write_file",
		Description: "Write a file in the workspace, creating parent directories as needed. Overwrites existing content.",
		Parameters: objSchema(map[string]any{
			"path":    strProp("Path relative to the workspace root"),
			"content": strProp("Full file content"),
		}, "path", "content"),
	}
}

func (e *Executor) writeFile(_ context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	content := stringArg(args, "content")
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	_, statErr := os.Stat(abs)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	if e.onFileWritten != nil {
		e.onFileWritten(FileEvent{Path: filepath.ToSlash(rel), Bytes: len(content), Created: created})
	}
	verb := "modified"
	if created {
		verb = "created"
	}
	return fmt.Sprintf("%s %s (%d bytes)", verb, filepath.ToSlash(rel), len(content)), nil
}

func checkSyntaxDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "check_syntax",
		Description: "Check a source file for syntax errors. Returns line-numbered errors or 'no errors'.",
		Parameters:  objSchema(map[string]any{"path": strProp("File path relative to the workspace root")}, "path"),
	}
}

func (e *Executor) checkSyntax(ctx context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("file not found: %s", rel)
	}

	var argv []string
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".py":
		argv = []string{"python", "-m", "py_compile", abs}
	case ".js", ".mjs", ".cjs":
		argv = []string{"node", "--check", abs}
	case ".json":
		return checkJSONSyntax(abs)
	default:
		// No checker for this language; an unknown extension is not an error.
		return "no errors", nil
	}

	res := e.runArgv(ctx, argv, defaultCommandTimeout)
	if res.ExitCode == 0 {
		return "no errors", nil
	}
	errs := parseSyntaxErrors(res.Stderr + "\n" + res.Stdout)
	if len(errs) == 0 {
		return strings.TrimSpace(res.Stderr + "\n" + res.Stdout), nil
	}
	return strings.Join(errs, "\n"), nil
}

func checkJSONSyntax(abs string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err.Error(), nil
	}
	return "no errors", nil
}

var syntaxLineRe = regexp.MustCompile(`(?m)(?:^|[^\d])[Ll]ine (\d+)[):,]?\s*(.*)$|:(\d+)(?::\d+)?:\s*(.+)$`)

// parseSyntaxErrors normalizes compiler stderr into "line N: message" rows.
func parseSyntaxErrors(out string) []string {
	var errs []string
	for _, m := range syntaxLineRe.FindAllStringSubmatch(out, -1) {
		line, msg := m[1], m[2]
		if line == "" {
			line, msg = m[3], m[4]
		}
		msg = strings.TrimSpace(msg)
		if line == "" || msg == "" {
			continue
		}
		errs = append(errs, fmt.Sprintf("line %s: %s", line, msg))
	}
	return errs
}

// isText rejects binary files from search by checking for NUL bytes in the
// first KB.
func isText(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return false
		}
	}
	return true
}
