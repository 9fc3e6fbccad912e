package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/forgeguard/forgeguard/internal/audit"
	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/cost"
	"github.com/forgeguard/forgeguard/internal/gitops"
	"github.com/forgeguard/forgeguard/internal/llm"
	"github.com/forgeguard/forgeguard/internal/procfs"
	"github.com/forgeguard/forgeguard/internal/store"
	"github.com/forgeguard/forgeguard/internal/tools"
	"github.com/forgeguard/forgeguard/internal/workspace"
)

var (
	ErrRateLimited = errors.New("user build rate limit exceeded")
	ErrProjectBusy = errors.New("project already has an active build")
	ErrUserBusy    = errors.New("user concurrent build limit reached")
	ErrNotPaused   = errors.New("build is not paused at a gate")
	ErrNotRunning  = errors.New("build is not running")
)

// Config carries orchestrator-level tunables. Per-build tunables live in
// Driver.
type Config struct {
	WorkspaceRoot      string
	MaxCostUSD         float64
	DefaultSpendCapUSD float64
	UserHourly         int
	// UserConcurrent caps live builds per user; 0 means unlimited.
	UserConcurrent int
	// GitHubToken enables remote repository provisioning for new_remote
	// targets.
	GitHubToken string
	PushRetries int
	Driver      DriverConfig
}

func (c *Config) applyDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(os.TempDir(), "forgeguard")
	}
	if c.MaxCostUSD == 0 {
		c.MaxCostUSD = 25.0
	}
	if c.DefaultSpendCapUSD == 0 {
		c.DefaultSpendCapUSD = 10.0
	}
	if c.UserHourly <= 0 {
		c.UserHourly = 5
	}
	c.Driver.applyDefaults()
}

// Orchestrator owns the live drivers and is the single entry point for the
// HTTP layer: start, cancel, resume, interject, and the read-side queries.
type Orchestrator struct {
	cfg    Config
	st     *store.SQLiteStore
	hub    *broadcast.Hub
	client *llm.Client
	log    *slog.Logger

	mu       sync.Mutex
	drivers  map[string]*Driver
	limiters map[string]*rate.Limiter

	// newGit and newRepos let tests substitute the git layer.
	newGit   func(dir string) GitOps
	newRepos func() RepoCreator
}

func New(cfg Config, st *store.SQLiteStore, hub *broadcast.Hub, client *llm.Client, log *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		st:       st,
		hub:      hub,
		client:   client,
		log:      log,
		drivers:  make(map[string]*Driver),
		limiters: make(map[string]*rate.Limiter),
		newGit: func(dir string) GitOps {
			g := gitops.NewClient(dir)
			g.SetPushAttempts(cfg.PushRetries)
			return g
		},
		newRepos: func() RepoCreator {
			if cfg.GitHubToken == "" {
				return nil
			}
			return gitops.NewGitHubClient(cfg.GitHubToken)
		},
	}
}

// StartRequest describes one build to launch.
type StartRequest struct {
	ProjectID   string           `json:"project_id"`
	UserID      string           `json:"user_id"`
	TargetKind  store.TargetKind `json:"target_kind"`
	TargetRef   string           `json:"target_ref"`
	Phases      []Phase          `json:"phases,omitempty"`
	SpendCapUSD float64          `json:"spend_cap_usd,omitempty"`
}

func (r *StartRequest) validate() error {
	if r.ProjectID == "" || r.UserID == "" {
		return fmt.Errorf("project_id and user_id are required")
	}
	switch r.TargetKind {
	case store.TargetLocal, store.TargetExistingRemote:
		if r.TargetRef == "" {
			return fmt.Errorf("target_ref is required for target_kind %s", r.TargetKind)
		}
	case store.TargetNewRemote:
	case "":
		r.TargetKind = store.TargetNewRemote
	default:
		return fmt.Errorf("unknown target_kind %q", r.TargetKind)
	}
	return nil
}

func (o *Orchestrator) limiter(userID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[userID]
	if !ok {
		per := time.Hour / time.Duration(o.cfg.UserHourly)
		l = rate.NewLimiter(rate.Every(per), o.cfg.UserHourly)
		o.limiters[userID] = l
	}
	return l
}

// StartBuild admits a new build: per-user rate limit, one active build per
// project, then the driver goroutine.
func (o *Orchestrator) StartBuild(ctx context.Context, req StartRequest) (*store.Build, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if o.cfg.UserConcurrent > 0 && o.liveForUser(req.UserID) >= o.cfg.UserConcurrent {
		return nil, ErrUserBusy
	}
	if !o.limiter(req.UserID).Allow() {
		return nil, ErrRateLimited
	}
	busy, err := o.st.ActiveForProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrProjectBusy
	}

	id := ulid.Make().String()
	workingDir := req.TargetRef
	if req.TargetKind != store.TargetLocal {
		workingDir = filepath.Join(o.cfg.WorkspaceRoot, id)
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	phasesJSON, err := json.Marshal(req.Phases)
	if err != nil {
		return nil, fmt.Errorf("encode phases: %w", err)
	}
	b := &store.Build{
		ID:         id,
		ProjectID:  req.ProjectID,
		UserID:     req.UserID,
		Status:     store.StatusPending,
		TargetKind: req.TargetKind,
		TargetRef:  req.TargetRef,
		WorkingDir: workingDir,
		OwnerPID:   os.Getpid(),
		Phases:     phasesJSON,
	}
	if err := o.st.Create(ctx, b); err != nil {
		return nil, err
	}

	d, err := o.buildDriver(b, req.Phases, req.SpendCapUSD, 0)
	if err != nil {
		_ = o.st.UpdateStatus(ctx, id, store.StatusFailed, err.Error())
		return nil, err
	}
	o.launch(d)
	return b, nil
}

// buildDriver assembles the per-build collaborators. spentSoFar seeds the
// accountant for rehydrated builds.
func (o *Orchestrator) buildDriver(b *store.Build, phases []Phase, spendCap, spentSoFar float64) (*Driver, error) {
	ws, err := workspace.New(b.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	exec, err := tools.NewExecutor(ws)
	if err != nil {
		return nil, fmt.Errorf("tool executor: %w", err)
	}
	if spendCap <= 0 {
		spendCap = o.cfg.DefaultSpendCapUSD
	}
	if o.cfg.MaxCostUSD > 0 && spendCap > o.cfg.MaxCostUSD {
		spendCap = o.cfg.MaxCostUSD
	}
	acct := cost.NewAccountant(b.ID, o.st, spendCap, 0)
	if spentSoFar > 0 {
		acct.Seed(spentSoFar)
	}
	d := NewDriver(o.cfg.Driver, b, phases, o.st, o.hub, o.client,
		exec, o.newGit(ws.Root()), o.newRepos(), audit.NewAuditor(o.client),
		audit.NewPlanner(o.client), acct, ws, o.log)
	return d, nil
}

func (o *Orchestrator) launch(d *Driver) {
	o.mu.Lock()
	o.drivers[d.build.ID] = d
	o.mu.Unlock()
	go func() {
		d.Run(context.Background())
		o.mu.Lock()
		delete(o.drivers, d.build.ID)
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) liveForUser(userID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, d := range o.drivers {
		if d.build.UserID == userID {
			n++
		}
	}
	return n
}

func (o *Orchestrator) driver(id string) (*Driver, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.drivers[id]
	return d, ok
}

// CancelBuild stops a build. Force hard-kills any in-flight subprocess and
// stream; otherwise the driver stops at the next safe point.
func (o *Orchestrator) CancelBuild(ctx context.Context, id string, force bool) error {
	if d, ok := o.driver(id); ok {
		d.Cancel(force)
		// A paused driver is blocked on its gate, not on the cancel flag.
		d.Resume(ResumeAbort, "")
		return nil
	}
	b, err := o.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return fmt.Errorf("build %s already %s", id, b.Status)
	}
	return o.st.UpdateStatus(ctx, id, store.StatusCancelled, "")
}

// ResumeBuild resolves a pending gate. When no live driver exists (process
// restarted while paused) the build is rehydrated from its persisted gate,
// conversation snapshot, and phase plan.
func (o *Orchestrator) ResumeBuild(ctx context.Context, id string, action ResumeAction, message string) error {
	if d, ok := o.driver(id); ok {
		if !d.Resume(action, message) {
			return ErrNotPaused
		}
		return nil
	}

	b, err := o.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != store.StatusPaused || b.Gate == nil {
		return ErrNotPaused
	}
	var phases []Phase
	if len(b.Phases) > 0 {
		if err := json.Unmarshal(b.Phases, &phases); err != nil {
			return fmt.Errorf("decode phase plan: %w", err)
		}
	}
	spent, err := o.st.TotalCostUSD(ctx, id)
	if err != nil {
		return err
	}
	d, err := o.buildDriver(b, phases, 0, spent)
	if err != nil {
		return err
	}
	run, err := d.ResumeDetached(ctx, action, message)
	if err != nil {
		return err
	}
	if run {
		o.launch(d)
	}
	return nil
}

// Interject queues a user message into a running build's conversation.
func (o *Orchestrator) Interject(id, message string) error {
	d, ok := o.driver(id)
	if !ok {
		return ErrNotRunning
	}
	if !d.Interject(message) {
		return fmt.Errorf("build %s is paused; resolve the gate instead", id)
	}
	return nil
}

// Status returns the build row.
func (o *Orchestrator) Status(ctx context.Context, id string) (*store.Build, error) {
	return o.st.Get(ctx, id)
}

// Logs returns a build's timeline after the given timestamp.
func (o *Orchestrator) Logs(ctx context.Context, id string, after time.Time, limit int) ([]store.BuildLog, error) {
	return o.st.ListLogs(ctx, id, after, limit)
}

// BuildSummary aggregates a build's timeline and ledger.
type BuildSummary struct {
	BuildID         string          `json:"build_id"`
	Status          store.Status    `json:"status"`
	Phase           int             `json:"phase"`
	CompletedPhases int             `json:"completed_phases"`
	LoopCount       int             `json:"loop_count"`
	Elapsed         time.Duration   `json:"elapsed"`
	ToolCalls       map[string]int  `json:"tool_calls"`
	TestsPassed     int             `json:"tests_passed"`
	TestsFailed     int             `json:"tests_failed"`
	FilesWritten    int             `json:"files_written"`
	Commits         int             `json:"commits"`
	AuditPasses     int             `json:"audit_passes"`
	AuditFails      int             `json:"audit_fails"`
	InputTokens     int             `json:"input_tokens"`
	OutputTokens    int             `json:"output_tokens"`
	TotalCostUSD    float64         `json:"total_cost_usd"`
	Gate            *store.GateKind `json:"gate,omitempty"`
}

// Summary computes the roll-up from persisted state only, so it works for
// finished and rehydrated builds alike.
func (o *Orchestrator) Summary(ctx context.Context, id string) (*BuildSummary, error) {
	b, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := o.st.ListLogs(ctx, id, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	costs, err := o.st.ListCosts(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &BuildSummary{
		BuildID:         b.ID,
		Status:          b.Status,
		Phase:           b.Phase,
		CompletedPhases: b.CompletedPhases,
		LoopCount:       b.LoopCount,
		ToolCalls:       make(map[string]int),
	}
	if b.Gate != nil {
		k := b.Gate.Kind
		s.Gate = &k
	}
	end := time.Now()
	if b.CompletedAt != nil {
		end = *b.CompletedAt
	}
	s.Elapsed = end.Sub(b.CreatedAt)

	for _, l := range logs {
		switch l.Kind {
		case EvToolUse:
			var p struct {
				Tool string `json:"tool"`
			}
			_ = json.Unmarshal(l.Payload, &p)
			s.ToolCalls[p.Tool]++
		case EvTestRun:
			var p struct {
				Passed int `json:"passed"`
				Failed int `json:"failed"`
			}
			_ = json.Unmarshal(l.Payload, &p)
			s.TestsPassed += p.Passed
			s.TestsFailed += p.Failed
		case EvFileCreated, EvFileModified:
			s.FilesWritten++
		case EvAuditPass:
			s.AuditPasses++
			s.Commits++
		case EvAuditFail:
			s.AuditFails++
		}
	}
	for _, c := range costs {
		s.InputTokens += c.InputTokens
		s.OutputTokens += c.OutputTokens
		s.TotalCostUSD += c.USD
	}
	return s, nil
}

// ScanOrphans marks builds left running or pending by a dead process as
// failed. A build whose owner PID belongs to another live orchestrator is
// left alone. Paused builds keep their durable gate and stay resumable.
func (o *Orchestrator) ScanOrphans(ctx context.Context) error {
	self := os.Getpid()
	for _, status := range []store.Status{store.StatusRunning, store.StatusPending} {
		builds, err := o.st.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, b := range builds {
			if _, live := o.driver(b.ID); live {
				continue
			}
			// Our own PID with no driver means the id was recycled onto us.
			if b.OwnerPID != 0 && b.OwnerPID != self && procfs.Alive(b.OwnerPID) {
				continue
			}
			o.log.Warn("orphaned build", "build_id", b.ID, "status", status, "owner_pid", b.OwnerPID)
			if err := o.st.UpdateStatus(ctx, b.ID, store.StatusFailed, "orphaned by restart"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Watch expires stale pause gates for builds without a live driver. Live
// drivers enforce their own pause timeout.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.expireStaleGates(ctx)
		}
	}
}

func (o *Orchestrator) expireStaleGates(ctx context.Context) {
	builds, err := o.st.ListByStatus(ctx, store.StatusPaused)
	if err != nil {
		o.log.Warn("gate scan failed", "err", err)
		return
	}
	for _, b := range builds {
		if _, live := o.driver(b.ID); live {
			continue
		}
		if b.PausedAt == nil || time.Since(*b.PausedAt) < o.cfg.Driver.PauseTimeout {
			continue
		}
		detail := fmt.Sprintf("pause gate timed out after %s", o.cfg.Driver.PauseTimeout)
		if err := o.st.UpdateStatus(ctx, b.ID, store.StatusFailed, detail); err != nil {
			o.log.Warn("gate expiry failed", "build_id", b.ID, "err", err)
		}
	}
}

// Shutdown cooperatively cancels every live driver.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	drivers := make([]*Driver, 0, len(o.drivers))
	for _, d := range o.drivers {
		drivers = append(drivers, d)
	}
	o.mu.Unlock()
	for _, d := range drivers {
		d.Cancel(false)
	}
}
