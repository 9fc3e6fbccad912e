package orchestrator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// contractsDir is where Forge governance files live inside the project root.
const contractsDir = "Forge/Contracts"

const contractsSummaryCap = 32 * 1024

// ContractBatch is the pinned snapshot of the governance files at build
// start. The digest identifies the batch immutably on the build row; the
// summary travels in the builder preamble.
type ContractBatch struct {
	Digest  string
	Files   []string
	Summary string
}

// PinContracts walks Forge/Contracts under root and produces the batch. A
// missing contracts tree yields an empty batch, not an error; ungoverned
// projects still build.
func PinContracts(root string) (ContractBatch, error) {
	base := filepath.Join(root, filepath.FromSlash(contractsDir))
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return ContractBatch{}, nil
	}

	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(base, path)
		if rerr != nil {
			return rerr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ContractBatch{}, fmt.Errorf("walk contracts: %w", err)
	}
	sort.Strings(files)

	h := blake3.New()
	var summary strings.Builder
	for _, f := range files {
		data, rerr := os.ReadFile(filepath.Join(base, filepath.FromSlash(f)))
		if rerr != nil {
			return ContractBatch{}, fmt.Errorf("read contract %s: %w", f, rerr)
		}
		// Digest covers path and content so renames change the batch id.
		_, _ = h.Write([]byte(f))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(data)
		_, _ = h.Write([]byte{0})

		if summary.Len() < contractsSummaryCap {
			fmt.Fprintf(&summary, "\n--- %s ---\n%s\n", f, string(data))
		}
	}

	batch := ContractBatch{Files: files}
	if len(files) > 0 {
		batch.Digest = fmt.Sprintf("%x", h.Sum(nil))
		s := summary.String()
		if len(s) > contractsSummaryCap {
			s = s[:contractsSummaryCap] + "\n[contracts summary truncated]"
		}
		batch.Summary = s
	}
	return batch, nil
}
