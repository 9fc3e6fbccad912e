// Package orchestrator drives builds: the phase loop, the conversation with
// the builder model, audit gating, pause/resume gates, and the control
// surface the HTTP layer calls.
package orchestrator

// Event kinds pushed to observers. Each is also a BuildLog row.
const (
	EvBuildStarted      = "build_started"
	EvWorkspaceReady    = "workspace_ready"
	EvBuildOverview     = "build_overview"
	EvPhaseStart        = "phase_start"
	EvPhasePlan         = "phase_plan"
	EvTaskComplete      = "task_complete"
	EvBuildLog          = "build_log"
	EvToolUse           = "tool_use"
	EvFileCreated       = "file_created"
	EvFileModified      = "file_modified"
	EvTestRun           = "test_run"
	EvAuditPass         = "audit_pass"
	EvAuditFail         = "audit_fail"
	EvRecoveryPlan      = "recovery_plan"
	EvBuildPaused       = "build_paused"
	EvBuildInterjection = "build_interjection"
	EvBuildResumed      = "build_resumed"
	EvBuildCancelled    = "build_cancelled"
	EvBuildCompleted    = "build_completed"
	EvPhaseSkipped      = "phase_skipped"
	EvCompacted         = "compacted"
	EvCostWarning       = "cost_warning"
)

// ResumeAction is what a gate resolution may request.
type ResumeAction string

const (
	ResumeRetry       ResumeAction = "retry"
	ResumeWithMessage ResumeAction = "retry_with_message"
	ResumeSkipPhase   ResumeAction = "skip_phase"
	ResumeAbort       ResumeAction = "abort"
)

// Phase is one unit of the project's phase plan.
type Phase struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}
