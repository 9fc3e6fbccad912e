package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/store"
)

// gateOptions is the action set offered with every pause.
var gateOptions = []ResumeAction{ResumeRetry, ResumeWithMessage, ResumeSkipPhase, ResumeAbort}

// pauseAndAwaitGate persists the gate, blocks until a resolution, and
// applies the chosen action. The gate write happens before the broadcast so
// a crash between the two still leaves a resumable build.
func (d *Driver) pauseAndAwaitGate(ctx context.Context, kind store.GateKind, payload json.RawMessage, phase int) error {
	// The wait is excluded from the phase wall clock; runPhase extends its
	// deadline by the accumulated pause time.
	pauseStart := time.Now()
	defer func() { d.pausedFor += time.Since(pauseStart) }()

	snapshot, err := d.conv.Snapshot()
	if err != nil {
		return fmt.Errorf("conversation snapshot: %w", err)
	}
	if err := d.st.SetGate(ctx, d.build.ID, store.PendingGate{Kind: kind, Payload: payload}, snapshot); err != nil {
		return fmt.Errorf("persist gate: %w", err)
	}

	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()

	d.emit(ctx, EvBuildPaused, store.SourceSystem, store.LevelWarn,
		fmt.Sprintf("build paused: %s", kind),
		map[string]any{"gate": kind, "options": gateOptions, "payload": payload})

	var req resumeReq
	timer := time.NewTimer(d.cfg.PauseTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		d.clearPaused()
		return errCancelled
	case <-timer.C:
		d.clearPaused()
		return fmt.Errorf("pause gate %s timed out after %s", kind, d.cfg.PauseTimeout)
	case req = <-d.resumeCh:
	}
	d.clearPaused()

	if req.action == ResumeAbort {
		return errAborted
	}

	if err := d.st.ClearGate(ctx, d.build.ID); err != nil {
		return fmt.Errorf("clear gate: %w", err)
	}
	d.emit(ctx, EvBuildResumed, store.SourceUser, store.LevelInfo,
		fmt.Sprintf("build resumed: %s", req.action),
		map[string]any{"action": req.action})

	switch req.action {
	case ResumeRetry:
		d.resetLoopCount(ctx, phase)
		return nil
	case ResumeWithMessage:
		d.resetLoopCount(ctx, phase)
		if req.message != "" {
			d.conv.Append(Turn{Role: llm.RoleUser, Content: req.message, Phase: phase})
		}
		return nil
	case ResumeSkipPhase:
		// Advancement without an audit_pass event; the log records the skip.
		d.build.CompletedPhases = phase + 1
		d.build.LoopCount = 0
		if err := d.st.SetPhase(ctx, d.build.ID, phase, 0, d.build.CompletedPhases); err != nil {
			return err
		}
		d.emit(ctx, EvPhaseSkipped, store.SourceUser, store.LevelWarn,
			fmt.Sprintf("phase %d skipped at gate", phase),
			map[string]any{"phase": phase})
		return errPhaseSkipped
	default:
		return fmt.Errorf("unknown resume action %q", req.action)
	}
}

// ResumeDetached applies a gate resolution for a build rehydrated after a
// process restart. The conversation tail comes from the persisted snapshot.
// It reports whether the caller should start Run.
func (d *Driver) ResumeDetached(ctx context.Context, action ResumeAction, message string) (bool, error) {
	if d.build.Gate == nil {
		return false, fmt.Errorf("build %s has no pending gate", d.build.ID)
	}
	if len(d.build.Conversation) > 0 {
		conv, err := RestoreConversation(d.build.Conversation)
		if err != nil {
			return false, fmt.Errorf("restore conversation: %w", err)
		}
		d.conv = conv
	}
	phase := d.build.Phase

	if action == ResumeAbort {
		d.finish(store.StatusCancelled, "")
		return false, nil
	}
	if err := d.st.ClearGate(ctx, d.build.ID); err != nil {
		return false, fmt.Errorf("clear gate: %w", err)
	}
	d.build.Gate = nil
	d.emit(ctx, EvBuildResumed, store.SourceUser, store.LevelInfo,
		fmt.Sprintf("build resumed: %s", action),
		map[string]any{"action": action, "rehydrated": true})

	switch action {
	case ResumeRetry:
		d.resetLoopCount(ctx, phase)
	case ResumeWithMessage:
		d.resetLoopCount(ctx, phase)
		if message != "" && d.conv != nil {
			d.conv.Append(Turn{Role: llm.RoleUser, Content: message, Phase: phase})
		}
	case ResumeSkipPhase:
		d.build.CompletedPhases = phase + 1
		d.build.LoopCount = 0
		d.build.Phase = phase + 1
		if err := d.st.SetPhase(ctx, d.build.ID, d.build.Phase, 0, d.build.CompletedPhases); err != nil {
			return false, err
		}
		d.emit(ctx, EvPhaseSkipped, store.SourceUser, store.LevelWarn,
			fmt.Sprintf("phase %d skipped at gate", phase),
			map[string]any{"phase": phase})
	default:
		return false, fmt.Errorf("unknown resume action %q", action)
	}
	return true, nil
}

func (d *Driver) clearPaused() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

func (d *Driver) resetLoopCount(ctx context.Context, phase int) {
	d.build.LoopCount = 0
	if err := d.st.SetPhase(ctx, d.build.ID, phase, 0, d.build.CompletedPhases); err != nil {
		d.log.Warn("loop count reset failed", "err", err)
	}
}
