package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/forgeguard/forgeguard/internal/llm"
)

const maxPlanItems = 5

// Plan is the remediation plan produced after an audit failure.
type Plan struct {
	Items []string `json:"items"`
	// Fallback marks the generic plan used when the planner call itself
	// failed.
	Fallback bool `json:"fallback,omitempty"`
}

// PlanInput is the project state the planner reasons over.
type PlanInput struct {
	Phase         int
	Findings      []Finding
	Contracts     string
	StateSnapshot string
	BuilderOutput string
}

const plannerSystem = `You are a recovery planner for a failed build phase.
Produce a short remediation plan, at most 5 items, following these rules:
- Address only BLOCKING findings.
- Never propose renaming files or restructuring directories.
- Never propose starting over.
- Reference specific files.
- Respect the contracts.

Respond with a single JSON object and nothing else:
{"items": ["...", "..."]}`

// FallbackPlan is used when the planner call errors; the build still gets an
// actionable user turn.
func FallbackPlan() Plan {
	return Plan{
		Items:    []string{"Retry the phase and address each blocking audit finding directly."},
		Fallback: true,
	}
}

// Planner turns audit findings into a targeted remediation plan.
type Planner struct {
	client *llm.Client
}

func NewPlanner(client *llm.Client) *Planner {
	return &Planner{client: client}
}

// Plan asks the planner model for a remediation plan. Planner errors never
// fail the build: the fallback plan is returned with a nil error and the
// cause is reported alongside for logging.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (Plan, Usage, error) {
	model := p.client.ModelFor(llm.RolePlanner)

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "# Phase %d audit findings\n", in.Phase)
	for _, f := range in.Findings {
		marker := "non-blocking"
		if f.Blocking {
			marker = "BLOCKING"
		}
		fmt.Fprintf(&prompt, "- [%s] %s", marker, f.Message)
		if f.Location != "" {
			fmt.Fprintf(&prompt, " (%s)", f.Location)
		}
		prompt.WriteByte('\n')
	}
	if strings.TrimSpace(in.Contracts) != "" {
		fmt.Fprintf(&prompt, "\n# Contracts\n%s\n", in.Contracts)
	}
	if strings.TrimSpace(in.StateSnapshot) != "" {
		fmt.Fprintf(&prompt, "\n# Project state\n%s\n", in.StateSnapshot)
	}
	if strings.TrimSpace(in.BuilderOutput) != "" {
		fmt.Fprintf(&prompt, "\n# Builder output\n%s\n", in.BuilderOutput)
	}

	text, usage, err := collectTurn(ctx, p.client, llm.Request{
		Model:    model,
		System:   plannerSystem,
		Messages: []llm.Message{llm.User(prompt.String())},
	})
	if err != nil {
		return FallbackPlan(), usage, nil
	}

	plan := parsePlan(text)
	if len(plan.Items) == 0 {
		return FallbackPlan(), usage, nil
	}
	return plan, usage, nil
}

var bulletRe = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+(.+)$`)

func parsePlan(text string) Plan {
	if raw := extractJSONObject(text); raw != "" {
		var plan Plan
		if err := json.Unmarshal([]byte(raw), &plan); err == nil && len(plan.Items) > 0 {
			plan.Fallback = false
			return clampPlan(plan)
		}
	}
	var plan Plan
	for _, m := range bulletRe.FindAllStringSubmatch(text, -1) {
		if item := strings.TrimSpace(m[1]); item != "" {
			plan.Items = append(plan.Items, item)
		}
	}
	return clampPlan(plan)
}

func clampPlan(p Plan) Plan {
	if len(p.Items) > maxPlanItems {
		p.Items = p.Items[:maxPlanItems]
	}
	return p
}
