package workspace

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRejectsEscapes(t *testing.T) {
	ws, err := New(t.TempDir())
	require.NoError(t, err)

	cases := []string{
		"..",
		"../etc/passwd",
		"../../etc/passwd",
		"a/../../etc/passwd",
		"/etc/passwd",
		"..\\..\\etc\\passwd",
		"",
		"   ",
	}
	for _, in := range cases {
		_, err := ws.Resolve(in)
		if err == nil {
			t.Fatalf("Resolve(%q) should have failed", in)
		}
		var se *ScopeError
		require.ErrorAs(t, err, &se, "input %q", in)
	}
}

func TestResolveAcceptsInteriorPaths(t *testing.T) {
	ws, err := New(t.TempDir())
	require.NoError(t, err)

	for _, in := range []string{"main.txt", "a/b/c.txt", "./x.go", "a/./b.txt", "a/b/../c.txt"} {
		abs, err := ws.Resolve(in)
		require.NoError(t, err, "input %q", in)
		require.True(t, strings.HasPrefix(abs, ws.Root()), "resolved %q outside root", abs)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink semantics differ on windows")
	}
	outside := t.TempDir()
	ws, err := New(t.TempDir())
	require.NoError(t, err)

	link := filepath.Join(ws.Root(), "evil")
	require.NoError(t, os.Symlink(outside, link))

	_, err = ws.Resolve("evil/target.txt")
	var se *ScopeError
	require.ErrorAs(t, err, &se)
}

func TestTreeAndSummary(t *testing.T) {
	ws, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "pkg", "util.py"), []byte("x = 1\n"), 0o644))

	entries, err := ws.Tree(1)
	require.NoError(t, err)
	require.Len(t, entries, 2) // main.go + pkg/

	entries, err = ws.Tree(2)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	sum, err := ws.Summary()
	require.NoError(t, err)
	require.Equal(t, 2, sum.TotalFiles)
	require.Equal(t, 1, sum.ByLanguage["go"])
	require.Equal(t, 1, sum.ByLanguage["python"])
	require.Greater(t, sum.TotalBytes, int64(0))
}
