// Package workspace provides the path-sandboxed filesystem view of a single
// build's working directory. Every tool-visible path operation resolves
// through Workspace.Resolve, which guarantees the result is a descendant of
// the workspace root after normalization and symlink resolution.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScopeError marks an attempted escape from the workspace root. It is
// surfaced to the agent as a tool error string, never as a crash.
type ScopeError struct {
	Path   string
	Reason string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope error: %s: %s", e.Path, e.Reason)
}

// Workspace wraps one absolute directory owned exclusively by one build.
type Workspace struct {
	root string
}

// New creates the working directory if needed and returns a Workspace rooted
// at its symlink-resolved absolute path.
func New(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	// Resolve the root once so prefix checks compare like with like
	// (e.g. /tmp vs /private/tmp on darwin).
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: resolved}, nil
}

func (w *Workspace) Root() string { return w.root }

// Resolve maps a relative path to an absolute path inside the root.
// Absolute inputs, parent traversal and symlinks that leave the root are all
// rejected with a ScopeError.
func (w *Workspace) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", &ScopeError{Path: rel, Reason: "empty path"}
	}
	// Normalize Windows-style separators before cleaning; the agent is not
	// guaranteed to emit host-native paths.
	rel = strings.ReplaceAll(rel, "\\", "/")
	if filepath.IsAbs(rel) {
		return "", &ScopeError{Path: rel, Reason: "absolute paths are not allowed"}
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &ScopeError{Path: rel, Reason: "path escapes workspace root"}
	}
	abs := filepath.Join(w.root, clean)

	// The path itself may not exist yet (write_file creates it). Walk up to
	// the deepest existing ancestor and symlink-resolve that, so a symlink
	// planted inside the tree cannot redirect writes outside the root.
	existing := abs
	suffix := ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		suffix = filepath.Join(filepath.Base(existing), suffix)
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", &ScopeError{Path: rel, Reason: err.Error()}
	}
	final := filepath.Join(resolved, suffix)
	if final != w.root && !strings.HasPrefix(final, w.root+string(filepath.Separator)) {
		return "", &ScopeError{Path: rel, Reason: "path escapes workspace root"}
	}
	return final, nil
}

// TreeEntry is one line of the rendered directory tree.
type TreeEntry struct {
	Path  string
	IsDir bool
}

// Tree lists entries up to depth levels below the root, directories suffixed
// with "/". Depth 1 lists the root's immediate children.
func (w *Workspace) Tree(depth int) ([]TreeEntry, error) {
	if depth <= 0 {
		depth = 1
	}
	var out []TreeEntry
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == w.root {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return rerr
		}
		if strings.Count(rel, string(filepath.Separator)) >= depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// Hidden VCS internals are noise for the agent.
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		out = append(out, TreeEntry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Summary aggregates file counts by language and total bytes.
type Summary struct {
	TotalFiles int            `json:"total_files"`
	TotalBytes int64          `json:"total_bytes"`
	ByLanguage map[string]int `json:"by_language"`
}

func (w *Workspace) Summary() (Summary, error) {
	s := Summary{ByLanguage: map[string]int{}}
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		s.TotalFiles++
		s.TotalBytes += info.Size()
		s.ByLanguage[languageForExt(filepath.Ext(d.Name()))]++
		return nil
	})
	return s, err
}

// Cleanup removes the working directory. Called only on terminal states when
// retention is not requested; failed builds keep their tree for inspection.
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.root)
}

func languageForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	case ".sh":
		return "shell"
	case ".sql":
		return "sql"
	case "":
		return "other"
	default:
		return "other"
	}
}
