package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeguard/forgeguard/internal/audit"
	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/cost"
	"github.com/forgeguard/forgeguard/internal/gitops"
	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/store"
	"github.com/forgeguard/forgeguard/internal/tools"
	"github.com/forgeguard/forgeguard/internal/workspace"
)

// ToolRunner is the executor surface the driver needs.
type ToolRunner interface {
	Definitions() []llm.ToolDefinition
	Dispatch(ctx context.Context, call llm.ToolCall) tools.Result
	OnFileWritten(fn func(tools.FileEvent))
}

// GitOps is the subset of the git client the driver uses.
type GitOps interface {
	InitOrClone(target string) error
	StageAll() error
	Commit(message string) (string, error)
	Push(ctx context.Context, remote, branch string) error
	CurrentBranch() (string, error)
	SetRemote(name, url string) error
}

// RepoCreator provisions the remote repository for new_remote targets. Nil
// when no hosting credentials are configured.
type RepoCreator interface {
	CreateRemoteRepo(ctx context.Context, name string, private bool) (*gitops.RemoteRepo, error)
}

// PhaseAuditor decides phase progression.
type PhaseAuditor interface {
	Audit(ctx context.Context, in audit.Input) (audit.Result, audit.Usage, error)
}

// RecoveryPlanner produces remediation plans on audit failure.
type RecoveryPlanner interface {
	Plan(ctx context.Context, in audit.PlanInput) (audit.Plan, audit.Usage, error)
}

// DriverConfig carries the per-build tunables.
type DriverConfig struct {
	PauseThreshold     int
	PhaseTimeout       time.Duration
	PauseTimeout       time.Duration
	ContextLimitTokens int
	PushRemote         string
	LargeFileWarnBytes int64
}

func (c *DriverConfig) applyDefaults() {
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = 3
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 10 * time.Minute
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = 30 * time.Minute
	}
	if c.ContextLimitTokens <= 0 {
		c.ContextLimitTokens = 200_000
	}
	if c.PushRemote == "" {
		c.PushRemote = "origin"
	}
	if c.LargeFileWarnBytes <= 0 {
		c.LargeFileWarnBytes = 1 << 20
	}
}

type resumeReq struct {
	action  ResumeAction
	message string
}

// Driver owns one build's phase state. All other components are
// collaborators behind narrow interfaces.
type Driver struct {
	cfg    DriverConfig
	build  *store.Build
	phases []Phase

	st      *store.SQLiteStore
	hub     *broadcast.Hub
	client  *llm.Client
	exec    ToolRunner
	git     GitOps
	repos   RepoCreator
	auditor PhaseAuditor
	planner RecoveryPlanner
	acct    *cost.Accountant
	ws      *workspace.Workspace
	log     *slog.Logger

	conv             *Conversation
	contractsSummary string
	remoteReady      bool

	// per-phase state
	plan        []string
	planDone    map[int]bool
	accumulated strings.Builder
	lastAuditor []audit.Finding
	allFindings [][]audit.Finding
	pausedFor   time.Duration

	cancelFlag atomic.Bool
	forceStop  context.CancelFunc

	mu            sync.Mutex
	interjections []string
	resumeCh      chan resumeReq
	paused        bool
}

var (
	errCancelled    = errors.New("build cancelled")
	errAborted      = errors.New("build aborted at gate")
	errPhaseSkipped = errors.New("phase skipped")
)

// NewDriver wires a driver. The executor's file events are bound to the
// broadcast stream here.
func NewDriver(cfg DriverConfig, b *store.Build, phases []Phase, st *store.SQLiteStore,
	hub *broadcast.Hub, client *llm.Client, exec ToolRunner, git GitOps,
	repos RepoCreator, auditor PhaseAuditor, planner RecoveryPlanner,
	acct *cost.Accountant, ws *workspace.Workspace, log *slog.Logger) *Driver {

	cfg.applyDefaults()
	if len(phases) == 0 {
		phases = []Phase{{Name: "implement", Instruction: "Implement the project according to the contracts."}}
	}
	d := &Driver{
		cfg:      cfg,
		build:    b,
		phases:   phases,
		st:       st,
		hub:      hub,
		client:   client,
		exec:     exec,
		git:      git,
		repos:    repos,
		auditor:  auditor,
		planner:  planner,
		acct:     acct,
		ws:       ws,
		log:      log.With("build_id", b.ID),
		resumeCh: make(chan resumeReq, 1),
		planDone: map[int]bool{},
	}
	exec.OnFileWritten(d.onFileWritten)
	return d
}

// Cancel requests a cooperative stop. Force additionally hard-stops any
// in-flight subprocess and stream by cancelling the driver context.
func (d *Driver) Cancel(force bool) {
	d.cancelFlag.Store(true)
	if force {
		d.mu.Lock()
		stop := d.forceStop
		d.mu.Unlock()
		if stop != nil {
			stop()
		}
	}
}

// Interject queues a user message for the next turn boundary. Paused builds
// ignore interjections; the gate is the channel then.
func (d *Driver) Interject(message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return false
	}
	d.interjections = append(d.interjections, message)
	return true
}

// Resume delivers a gate resolution. Returns false when the build is not
// waiting on a gate.
func (d *Driver) Resume(action ResumeAction, message string) bool {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if !paused {
		return false
	}
	select {
	case d.resumeCh <- resumeReq{action: action, message: message}:
		return true
	default:
		return false
	}
}

func (d *Driver) emit(ctx context.Context, kind string, source store.LogSource,
	level store.LogLevel, message string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	_, err := d.hub.Publish(ctx, d.build.UserID, broadcast.Event{
		Kind:    kind,
		BuildID: d.build.ID,
		Payload: raw,
	}, source, level, message)
	if err != nil {
		d.log.Warn("event publish failed", "kind", kind, "err", err)
	}
}

func (d *Driver) onFileWritten(ev tools.FileEvent) {
	kind := EvFileModified
	if ev.Created {
		kind = EvFileCreated
	}
	level := store.LevelInfo
	msg := fmt.Sprintf("%s (%d bytes)", ev.Path, ev.Bytes)
	if int64(ev.Bytes) > d.cfg.LargeFileWarnBytes {
		level = store.LevelWarn
		msg += " exceeds the large file threshold"
	}
	d.emit(context.Background(), kind, store.SourceTool, level, msg,
		map[string]any{"path": ev.Path, "bytes": ev.Bytes})
}

// Run drives the build to a terminal state. It is the only goroutine that
// mutates the build row.
func (d *Driver) Run(parent context.Context) {
	ctx, stop := context.WithCancel(parent)
	defer stop()
	d.mu.Lock()
	d.forceStop = stop
	d.mu.Unlock()

	if err := d.run(ctx); err != nil {
		switch {
		case errors.Is(err, errCancelled) || errors.Is(err, errAborted) || errors.Is(err, context.Canceled):
			d.finish(store.StatusCancelled, "")
		default:
			d.finish(store.StatusFailed, err.Error())
		}
	}
}

func (d *Driver) finish(status store.Status, detail string) {
	ctx := context.Background()
	if err := d.st.UpdateStatus(ctx, d.build.ID, status, detail); err != nil {
		d.log.Error("status update failed", "status", status, "err", err)
	}
	buildOutcomes.WithLabelValues(string(status)).Inc()
	switch status {
	case store.StatusCancelled:
		d.emit(ctx, EvBuildCancelled, store.SourceSystem, store.LevelInfo, "build cancelled", nil)
	case store.StatusFailed:
		d.emit(ctx, EvBuildLog, store.SourceSystem, store.LevelError, "build failed: "+detail, nil)
	}
}

func (d *Driver) run(ctx context.Context) error {
	if err := d.st.UpdateStatus(ctx, d.build.ID, store.StatusRunning, ""); err != nil {
		return err
	}
	d.emit(ctx, EvBuildStarted, store.SourceSystem, store.LevelInfo,
		fmt.Sprintf("build started (%d phases)", len(d.phases)),
		map[string]any{"phases": len(d.phases), "target_kind": d.build.TargetKind})

	if err := d.prepareWorkspace(ctx); err != nil {
		return fmt.Errorf("workspace preparation: %w", err)
	}

	if d.conv == nil {
		d.conv = NewConversation(d.preamble())
	}

	for phase := d.build.Phase; phase < len(d.phases); phase++ {
		if d.cancelled() {
			return errCancelled
		}
		d.build.Phase = phase
		if err := d.st.SetPhase(ctx, d.build.ID, phase, d.build.LoopCount, d.build.CompletedPhases); err != nil {
			return err
		}
		err := d.runPhase(ctx, phase)
		switch {
		case err == nil, errors.Is(err, errPhaseSkipped):
			// sealed or skipped; next phase
		default:
			return err
		}
	}

	if d.build.TargetKind != store.TargetLocal {
		for {
			err := d.pushFinal(ctx)
			if err == nil {
				break
			}
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			perr := d.pauseAndAwaitGate(ctx, store.GatePhaseReview, payload, len(d.phases)-1)
			if errors.Is(perr, errPhaseSkipped) {
				break
			}
			if perr != nil {
				return perr
			}
		}
	}

	if err := d.st.UpdateStatus(ctx, d.build.ID, store.StatusCompleted, ""); err != nil {
		return err
	}
	buildOutcomes.WithLabelValues(string(store.StatusCompleted)).Inc()
	d.emit(ctx, EvBuildCompleted, store.SourceSystem, store.LevelInfo, "build completed",
		map[string]any{"completed_phases": d.build.CompletedPhases, "total_cost_usd": d.acct.Total()})
	return nil
}

func (d *Driver) prepareWorkspace(ctx context.Context) error {
	target := d.build.TargetRef
	if d.build.TargetKind != store.TargetExistingRemote {
		target = d.ws.Root()
	}
	if err := d.git.InitOrClone(target); err != nil {
		return err
	}
	batch, err := PinContracts(d.ws.Root())
	if err != nil {
		return err
	}
	d.build.ContractBatch = batch.Digest
	d.emit(ctx, EvWorkspaceReady, store.SourceSystem, store.LevelInfo, "workspace ready",
		map[string]any{"working_dir": d.ws.Root(), "contract_batch": batch.Digest})
	d.emit(ctx, EvBuildOverview, store.SourceSystem, store.LevelInfo, "build overview",
		map[string]any{"phases": d.phaseNames(), "contract_files": batch.Files})
	d.contractsSummary = batch.Summary
	return nil
}

func (d *Driver) phaseNames() []string {
	names := make([]string, len(d.phases))
	for i, p := range d.phases {
		names[i] = p.Name
	}
	return names
}

func (d *Driver) preamble() string {
	var b strings.Builder
	b.WriteString(`You are the ForgeGuard builder agent. Work phase by phase.
Emit a === PLAN === block before making changes, mark progress with
=== TASK DONE: N === markers, and finish each phase with
=== PHASE SIGN-OFF: PASS === once its deliverables are complete.
Prefer the provided tools for all file and command operations.`)
	if strings.TrimSpace(d.contractsSummary) != "" {
		b.WriteString("\n\n# Pinned contracts\n")
		b.WriteString(d.contractsSummary)
	}
	return b.String()
}

func (d *Driver) cancelled() bool { return d.cancelFlag.Load() }

// drainInterjections coalesces pending interjections into one user turn.
func (d *Driver) drainInterjections(ctx context.Context, phase int) {
	d.mu.Lock()
	msgs := d.interjections
	d.interjections = nil
	d.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	content := "[User interjection] " + strings.Join(msgs, "\n")
	d.conv.Append(Turn{Role: llm.RoleUser, Content: content, Phase: phase})
	d.emit(ctx, EvBuildInterjection, store.SourceUser, store.LevelInfo, content,
		map[string]any{"count": len(msgs)})
}
