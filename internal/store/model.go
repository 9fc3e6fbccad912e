// Package store persists builds, their append-only log and cost ledgers,
// and the pending gate state that lets a paused build survive a process
// restart.
package store

import (
	"encoding/json"
	"time"
)

// Status is the build lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TargetKind says where build output lands.
type TargetKind string

const (
	TargetNewRemote      TargetKind = "new_remote"
	TargetExistingRemote TargetKind = "existing_remote"
	TargetLocal          TargetKind = "local"
)

// GateKind names why a build is paused.
type GateKind string

const (
	GatePhaseReview   GateKind = "phase_review"
	GateIDEReady      GateKind = "ide_ready"
	GateClarification GateKind = "clarification"
	GatePlanReview    GateKind = "plan_review"
	GateCostCap       GateKind = "cost_cap"
)

// PendingGate is the persisted await state of a paused build.
type PendingGate struct {
	Kind         GateKind        `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// Build is one orchestrated build.
type Build struct {
	ID              string
	ProjectID       string
	UserID          string
	Phase           int
	Status          Status
	LoopCount       int
	CompletedPhases int
	TargetKind      TargetKind
	TargetRef       string
	WorkingDir      string
	ContractBatch   string
	// OwnerPID is the orchestrator process that launched the driver; the
	// startup orphan scan uses it to tell dead builds from ones another
	// live process still owns.
	OwnerPID    int
	Gate        *PendingGate
	PausedAt    *time.Time
	ErrorDetail string
	// Phase plan as JSON, so a restarted process can rehydrate the driver.
	Phases []byte
	// Conversation tail snapshot, written at pause so resume survives restart.
	Conversation []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// LogSource identifies which subsystem produced a log row.
type LogSource string

const (
	SourceBuilder LogSource = "builder"
	SourceAudit   LogSource = "audit"
	SourcePlanner LogSource = "planner"
	SourceTool    LogSource = "tool"
	SourceTest    LogSource = "test"
	SourceGit     LogSource = "git"
	SourceSystem  LogSource = "system"
	SourceUser    LogSource = "user"
)

// LogLevel is the severity of a log row.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// BuildLog is one append-only timeline entry.
type BuildLog struct {
	ID      int64
	BuildID string
	TS      time.Time
	Source  LogSource
	Level   LogLevel
	// Kind is the broadcast event kind, empty for plain log rows.
	Kind    string
	Message string
	// Optional structured payload for typed events (file writes, audits).
	Payload json.RawMessage
}

// BuildCost is one LLM call's ledger row.
type BuildCost struct {
	ID           int64
	BuildID      string
	Phase        int
	Model        string
	InputTokens  int
	OutputTokens int
	USD          float64
	Note         string
	TS           time.Time
}
