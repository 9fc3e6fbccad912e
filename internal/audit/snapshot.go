// Package audit holds the inline phase auditor and the recovery planner that
// runs when an audit fails.
package audit

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeguard/forgeguard/internal/workspace"
)

const (
	snapshotBudget = 200 * 1024
	perFileCap     = 16 * 1024
)

// skipSnapshotDirs are trees that add bulk without informing an audit.
var skipSnapshotDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
}

// Snapshot renders the workspace for the auditor prompt: a file tree followed
// by file contents, truncated per file and capped overall.
func Snapshot(ws *workspace.Workspace) (string, error) {
	root := ws.Root()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipSnapshotDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	var b strings.Builder
	b.WriteString("## File tree\n")
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString("\n## File contents\n")

	for _, f := range files {
		if b.Len() >= snapshotBudget {
			fmt.Fprintf(&b, "\n[snapshot budget reached; %d files omitted]\n", remaining(files, f))
			break
		}
		data, rerr := os.ReadFile(filepath.Join(root, filepath.FromSlash(f)))
		if rerr != nil || !isText(data) {
			continue
		}
		content := string(data)
		truncated := false
		if len(content) > perFileCap {
			content = content[:perFileCap]
			truncated = true
		}
		if b.Len()+len(content) > snapshotBudget {
			content = content[:snapshotBudget-b.Len()]
			truncated = true
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s", f, content)
		if truncated {
			b.WriteString("\n[truncated]\n")
		}
	}
	return b.String(), nil
}

func remaining(files []string, current string) int {
	for i, f := range files {
		if f == current {
			return len(files) - i
		}
	}
	return 0
}

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
