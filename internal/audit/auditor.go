package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/workspace"
)

// Verdict is the audit outcome.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Finding is one structured audit observation.
type Finding struct {
	Kind     string `json:"kind"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// Result is what one audit returns.
type Result struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings,omitempty"`
}

// Usage reports the tokens one auxiliary LLM call consumed, for the cost
// ledger.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// Input is everything the auditor sees.
type Input struct {
	Phase         int
	PhaseName     string
	Contracts     string
	Workspace     *workspace.Workspace
	BuilderOutput string
}

const auditorSystem = `You are a strict build auditor. You are given the phase
deliverables, the pinned contracts, and a snapshot of the working tree. Decide
whether the phase output satisfies the contracts.

Respond with a single JSON object and nothing else:
{"verdict": "PASS" | "FAIL", "findings": [{"kind": "...", "location": "...", "message": "...", "blocking": true|false}]}

A FAIL verdict must include at least one blocking finding. A PASS verdict may
include non-blocking findings.`

// Auditor runs the LLM-based phase audit. It is the sole arbiter of phase
// progression.
type Auditor struct {
	client *llm.Client
}

func NewAuditor(client *llm.Client) *Auditor {
	return &Auditor{client: client}
}

// Audit consults the auditor model and parses its verdict.
func (a *Auditor) Audit(ctx context.Context, in Input) (Result, Usage, error) {
	snapshot, err := Snapshot(in.Workspace)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("workspace snapshot: %w", err)
	}

	model := a.client.ModelFor(llm.RoleAuditor)
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "# Phase %d: %s\n\n", in.Phase, in.PhaseName)
	if strings.TrimSpace(in.Contracts) != "" {
		fmt.Fprintf(&prompt, "# Contracts\n%s\n\n", in.Contracts)
	}
	fmt.Fprintf(&prompt, "# Builder output\n%s\n\n# Workspace\n%s\n", in.BuilderOutput, snapshot)

	text, usage, err := collectTurn(ctx, a.client, llm.Request{
		Model:    model,
		System:   auditorSystem,
		Messages: []llm.Message{llm.User(prompt.String())},
	})
	if err != nil {
		return Result{}, usage, err
	}

	res, perr := ParseResult(text)
	if perr != nil {
		return Result{}, usage, perr
	}
	return res, usage, nil
}

var verdictLineRe = regexp.MustCompile(`(?i)\bverdict\b[^A-Za-z]*(PASS|FAIL)`)

// ParseResult extracts the verdict from model output. JSON is authoritative;
// a labeled verdict line is the fallback for models that wrap their answer in
// prose.
func ParseResult(text string) (Result, error) {
	if raw := extractJSONObject(text); raw != "" {
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			res.Verdict = Verdict(strings.ToUpper(string(res.Verdict)))
			if res.Verdict == VerdictPass || res.Verdict == VerdictFail {
				return res, nil
			}
		}
	}
	if m := verdictLineRe.FindStringSubmatch(text); m != nil {
		v := Verdict(strings.ToUpper(m[1]))
		res := Result{Verdict: v}
		if v == VerdictFail {
			res.Findings = []Finding{{Kind: "unstructured", Message: strings.TrimSpace(text), Blocking: true}}
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("auditor output contains no verdict")
}

// extractJSONObject returns the first balanced top-level JSON object in text.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// collectTurn streams one non-tool turn to completion, returning the full
// text and final usage.
func collectTurn(ctx context.Context, client *llm.Client, req llm.Request) (string, Usage, error) {
	stream, err := client.StreamTurn(ctx, req)
	if err != nil {
		return "", Usage{Model: req.Model}, err
	}
	defer stream.Close()

	var text strings.Builder
	usage := Usage{Model: req.Model}
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text.String(), usage, err
		}
		switch chunk.Kind {
		case llm.ChunkText:
			text.WriteString(chunk.Delta)
		case llm.ChunkUsage:
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
		}
	}
	return text.String(), usage, nil
}
