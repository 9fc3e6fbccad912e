package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/forgeguard/forgeguard/internal/audit"
	"github.com/forgeguard/forgeguard/internal/cost"
	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/store"
	"github.com/forgeguard/forgeguard/internal/tools"
)

// runPhase drives one phase to a sealed (audit PASS), skipped, or failed
// outcome. Audit FAIL loops back through the planner until the pause
// threshold.
func (d *Driver) runPhase(ctx context.Context, phase int) error {
	p := d.phases[phase]
	d.resetPhaseState()
	started := time.Now()
	defer func() { phaseDuration.Observe(time.Since(started).Seconds()) }()
	d.emit(ctx, EvPhaseStart, store.SourceSystem, store.LevelInfo,
		fmt.Sprintf("phase %d: %s", phase, p.Name),
		map[string]any{"phase": phase, "name": p.Name})

	d.conv.Append(Turn{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Phase %d: %s\n\n%s", phase, p.Name, p.Instruction),
		Phase:   phase,
	})

	deadline := time.Now().Add(d.cfg.PhaseTimeout)

	for {
		if d.cancelled() {
			return errCancelled
		}
		// Time spent waiting at a gate is the user's, not the phase's.
		if time.Now().After(deadline.Add(d.pausedFor)) {
			return fmt.Errorf("phase %d exceeded wall clock of %s", phase, d.cfg.PhaseTimeout)
		}

		d.drainInterjections(ctx, phase)

		if d.conv.MaybeCompact(d.cfg.ContextLimitTokens) {
			d.emit(ctx, EvCompacted, store.SourceSystem, store.LevelInfo,
				"conversation compacted", nil)
		}

		if err := d.checkCost(ctx, phase); err != nil {
			return err
		}

		signedOff, err := d.streamOneTurn(ctx, phase)
		if err != nil {
			return err
		}
		if d.cancelled() {
			return errCancelled
		}
		if !signedOff {
			// Keep the conversation moving; the model stopped without
			// declaring the phase done.
			if d.conv.Last().Role == llm.RoleAssistant {
				d.conv.Append(Turn{Role: llm.RoleUser, Content: "Continue.", Phase: phase})
			}
			continue
		}

		sealed, err := d.auditPhase(ctx, phase)
		if err != nil {
			return err
		}
		if sealed {
			return nil
		}
		// Audit failed below threshold; loop back to the conversation.
	}
}

func (d *Driver) resetPhaseState() {
	d.plan = nil
	d.planDone = map[int]bool{}
	d.accumulated.Reset()
	d.lastAuditor = nil
	d.allFindings = nil
	d.pausedFor = 0
}

// checkCost enforces the spend cap before dispatching a turn. Block pauses
// with a cost_cap gate; the gate resolution decides what happens next.
func (d *Driver) checkCost(ctx context.Context, phase int) error {
	decision, projected := d.acct.CheckBeforeTurn()
	switch decision {
	case cost.Warn:
		d.emit(ctx, EvCostWarning, store.SourceSystem, store.LevelWarn,
			fmt.Sprintf("projected spend $%.4f approaching cap $%.2f", projected, d.acct.Cap()),
			map[string]any{"projected_usd": projected, "cap_usd": d.acct.Cap()})
	case cost.Block:
		payload, _ := json.Marshal(map[string]any{
			"projected_usd": projected,
			"cap_usd":       d.acct.Cap(),
		})
		if err := d.pauseAndAwaitGate(ctx, store.GateCostCap, payload, phase); err != nil {
			return err
		}
	}
	return nil
}

// streamOneTurn runs one builder turn: streams chunks, dispatches tool
// calls, parses stream markers, and commits the assistant message. Returns
// whether the phase sign-off marker appeared.
func (d *Driver) streamOneTurn(ctx context.Context, phase int) (bool, error) {
	model := d.client.ModelFor(llm.RoleBuilder)
	req := llm.Request{
		Model:    model,
		Messages: d.conv.Messages(),
		Tools:    d.exec.Definitions(),
	}

	stream, err := d.client.StreamTurn(ctx, req)
	if err != nil {
		return false, fmt.Errorf("builder turn: %w", err)
	}
	defer stream.Close()

	var (
		text       strings.Builder
		toolCalls  []llm.ToolCall
		results    []tools.Result
		openInputs = map[string]*strings.Builder{}
		openNames  = map[string]string{}
		inTokens   int
		outTokens  int
	)

	for {
		if d.cancelled() {
			// Drain point between chunk batches.
			return false, errCancelled
		}
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return false, fmt.Errorf("builder stream: %w", rerr)
		}
		switch chunk.Kind {
		case llm.ChunkText:
			text.WriteString(chunk.Delta)
			d.accumulated.WriteString(chunk.Delta)
		case llm.ChunkToolUseStart:
			openInputs[chunk.ToolUseID] = &strings.Builder{}
			openNames[chunk.ToolUseID] = chunk.ToolName
		case llm.ChunkToolUseInputDelta:
			if b, ok := openInputs[chunk.ToolUseID]; ok {
				b.WriteString(chunk.JSONDelta)
			}
		case llm.ChunkToolUseStop:
			b, ok := openInputs[chunk.ToolUseID]
			if !ok {
				continue
			}
			delete(openInputs, chunk.ToolUseID)
			call := llm.ToolCall{
				ID:        chunk.ToolUseID,
				Name:      openNames[chunk.ToolUseID],
				Arguments: json.RawMessage(b.String()),
			}
			toolCalls = append(toolCalls, call)
			results = append(results, d.dispatchTool(ctx, phase, call))
		case llm.ChunkUsage:
			inTokens, outTokens = chunk.InputTokens, chunk.OutputTokens
		case llm.ChunkStop:
			// handled after EOF
		}
	}

	if inTokens > 0 || outTokens > 0 {
		llmTokens.WithLabelValues("input").Add(float64(inTokens))
		llmTokens.WithLabelValues("output").Add(float64(outTokens))
		if _, err := d.acct.Record(ctx, phase, model, inTokens, outTokens, ""); err != nil {
			d.log.Warn("cost record failed", "err", err)
		}
	}

	assistantText := text.String()
	d.conv.Append(Turn{
		Role:      llm.RoleAssistant,
		Content:   assistantText,
		ToolCalls: toolCalls,
		Phase:     phase,
		SignOff:   HasSignOff(assistantText),
	})
	for i, res := range results {
		d.conv.Append(Turn{
			Role:       llm.RoleTool,
			Content:    res.Output,
			ToolCallID: toolCalls[i].ID,
			ToolName:   toolCalls[i].Name,
			Phase:      phase,
		})
	}

	d.parseStreamMarkers(ctx, phase, assistantText)
	return HasSignOff(d.accumulated.String()), nil
}

// dispatchTool executes one tool call and emits its events.
func (d *Driver) dispatchTool(ctx context.Context, phase int, call llm.ToolCall) tools.Result {
	res := d.exec.Dispatch(ctx, call)
	level := store.LevelInfo
	if res.IsError {
		level = store.LevelWarn
	}
	d.emit(ctx, EvToolUse, store.SourceTool, level,
		fmt.Sprintf("%s (%d chars)", call.Name, len(res.Output)),
		map[string]any{"tool": call.Name, "is_error": res.IsError})

	if call.Name == "run_tests" && !res.IsError {
		counts := tools.ParseTestCounts(res.Output)
		if counts.Parsed {
			d.emit(ctx, EvTestRun, store.SourceTest, store.LevelInfo,
				fmt.Sprintf("tests: %d passed, %d failed", counts.Passed, counts.Failed),
				map[string]any{"passed": counts.Passed, "failed": counts.Failed})
		}
	}
	return res
}

// parseStreamMarkers applies PLAN / TASK DONE / FILE blocks from the
// assistant's text.
func (d *Driver) parseStreamMarkers(ctx context.Context, phase int, text string) {
	if items := ParsePlan(text); len(items) > 0 && len(d.plan) == 0 {
		d.plan = items
		d.emit(ctx, EvPhasePlan, store.SourceBuilder, store.LevelInfo,
			fmt.Sprintf("plan with %d tasks", len(items)),
			map[string]any{"phase": phase, "tasks": items})
	}
	for _, n := range ParseTaskDone(text) {
		if d.planDone[n] {
			continue
		}
		d.planDone[n] = true
		msg := fmt.Sprintf("task %d done", n)
		if n >= 1 && n <= len(d.plan) {
			msg = fmt.Sprintf("task %d done: %s", n, d.plan[n-1])
		}
		d.emit(ctx, EvTaskComplete, store.SourceBuilder, store.LevelInfo, msg,
			map[string]any{"phase": phase, "task": n})
	}
	blocks, skipped := ParseFileBlocks(text)
	if skipped > 0 {
		d.emit(ctx, EvBuildLog, store.SourceBuilder, store.LevelWarn,
			fmt.Sprintf("%d malformed file block(s) skipped", skipped), nil)
	}
	for _, fb := range blocks {
		args, _ := json.Marshal(map[string]string{"path": fb.Path, "content": fb.Content})
		res := d.exec.Dispatch(ctx, llm.ToolCall{ID: "fileblock", Name: "write_file", Arguments: args})
		if res.IsError {
			d.emit(ctx, EvBuildLog, store.SourceBuilder, store.LevelWarn,
				fmt.Sprintf("file block %s rejected: %s", fb.Path, res.Output), nil)
		}
	}
}

// auditPhase runs the inline audit and handles both outcomes. Returns true
// when the phase sealed.
func (d *Driver) auditPhase(ctx context.Context, phase int) (bool, error) {
	p := d.phases[phase]
	res, usage, err := d.auditor.Audit(ctx, audit.Input{
		Phase:         phase,
		PhaseName:     p.Name,
		Contracts:     d.contractsSummary,
		Workspace:     d.ws,
		BuilderOutput: d.accumulated.String(),
	})
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		if _, cerr := d.acct.Record(ctx, phase, usage.Model, usage.InputTokens, usage.OutputTokens, "(audit)"); cerr != nil {
			d.log.Warn("audit cost record failed", "err", cerr)
		}
	}
	if err != nil {
		return false, fmt.Errorf("inline audit: %w", err)
	}
	auditVerdicts.WithLabelValues(string(res.Verdict)).Inc()

	if res.Verdict == audit.VerdictPass {
		return true, d.sealPhase(ctx, phase)
	}

	d.lastAuditor = res.Findings
	d.allFindings = append(d.allFindings, res.Findings)
	d.build.LoopCount++
	if err := d.st.SetPhase(ctx, d.build.ID, phase, d.build.LoopCount, d.build.CompletedPhases); err != nil {
		return false, err
	}
	d.emit(ctx, EvAuditFail, store.SourceAudit, store.LevelWarn,
		fmt.Sprintf("phase %d audit failed (round %d)", phase, d.build.LoopCount),
		map[string]any{"phase": phase, "round": d.build.LoopCount, "findings": res.Findings})

	if d.build.LoopCount < d.cfg.PauseThreshold {
		d.injectRecoveryPlan(ctx, phase, res.Findings)
		return false, nil
	}

	// Threshold reached; the user decides.
	payload, _ := json.Marshal(map[string]any{
		"phase":    phase,
		"rounds":   d.build.LoopCount,
		"findings": d.latestFindingsPerRound(),
	})
	if err := d.pauseAndAwaitGate(ctx, store.GatePhaseReview, payload, phase); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Driver) latestFindingsPerRound() [][]audit.Finding {
	return d.allFindings
}

// sealPhase commits the passing phase and advances progress.
func (d *Driver) sealPhase(ctx context.Context, phase int) error {
	if err := d.git.StageAll(); err != nil {
		return fmt.Errorf("git stage: %w", err)
	}
	sha, err := d.git.Commit(fmt.Sprintf("forge: Phase %d complete", phase))
	if err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	d.build.CompletedPhases = phase + 1
	d.build.LoopCount = 0
	if err := d.st.SetPhase(ctx, d.build.ID, phase, 0, d.build.CompletedPhases); err != nil {
		return err
	}
	d.emit(ctx, EvAuditPass, store.SourceAudit, store.LevelInfo,
		fmt.Sprintf("phase %d audit passed", phase),
		map[string]any{"phase": phase, "commit": sha})
	return nil
}

// injectRecoveryPlan asks the planner for a remediation plan and appends it
// as the loopback user turn.
func (d *Driver) injectRecoveryPlan(ctx context.Context, phase int, findings []audit.Finding) {
	plan, usage, _ := d.planner.Plan(ctx, audit.PlanInput{
		Phase:         phase,
		Findings:      findings,
		Contracts:     d.contractsSummary,
		BuilderOutput: d.accumulated.String(),
	})
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		if _, err := d.acct.Record(ctx, phase, usage.Model, usage.InputTokens, usage.OutputTokens, "(planner)"); err != nil {
			d.log.Warn("planner cost record failed", "err", err)
		}
	}
	d.emit(ctx, EvRecoveryPlan, store.SourcePlanner, store.LevelInfo,
		fmt.Sprintf("recovery plan with %d items", len(plan.Items)),
		map[string]any{"phase": phase, "items": plan.Items, "fallback": plan.Fallback})

	var b strings.Builder
	b.WriteString("The phase audit failed. Address these findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s", f.Message)
		if f.Location != "" {
			fmt.Fprintf(&b, " (%s)", f.Location)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nRemediation plan:\n")
	for i, item := range plan.Items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	d.conv.Append(Turn{Role: llm.RoleUser, Content: b.String(), Phase: phase, AuditFinding: true})
}

// pushFinal pushes the sealed build to the remote after the last phase. For
// new_remote targets the repository is provisioned first and origin pointed
// at it.
func (d *Driver) pushFinal(ctx context.Context) error {
	if d.build.TargetKind == store.TargetNewRemote {
		if err := d.ensureRemote(ctx); err != nil {
			d.emit(ctx, EvBuildLog, store.SourceGit, store.LevelError,
				"remote provisioning failed: "+err.Error(), nil)
			return err
		}
	}
	branch, err := d.git.CurrentBranch()
	if err != nil {
		return err
	}
	if err := d.git.Push(ctx, d.cfg.PushRemote, branch); err != nil {
		d.emit(ctx, EvBuildLog, store.SourceGit, store.LevelError, "push failed: "+err.Error(), nil)
		return err
	}
	d.emit(ctx, EvBuildLog, store.SourceGit, store.LevelInfo,
		fmt.Sprintf("pushed %s to %s", branch, d.cfg.PushRemote), nil)
	return nil
}

// ensureRemote creates the hosted repository once and binds the push remote
// to it. Idempotent across gate-resolved retries.
func (d *Driver) ensureRemote(ctx context.Context) error {
	if d.remoteReady {
		return nil
	}
	if d.repos == nil {
		return fmt.Errorf("new_remote target requires a configured github token")
	}
	repo, err := d.repos.CreateRemoteRepo(ctx, d.build.ProjectID, true)
	if err != nil {
		return err
	}
	if err := d.git.SetRemote(d.cfg.PushRemote, repo.CloneURL); err != nil {
		return err
	}
	d.remoteReady = true
	d.emit(ctx, EvBuildLog, store.SourceGit, store.LevelInfo,
		"remote repository ready: "+repo.HTMLURL,
		map[string]any{"full_name": repo.FullName, "private": repo.Private})
	return nil
}
