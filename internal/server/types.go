package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/forgeguard/forgeguard/internal/store"
)

// StartBuildRequest is the POST /builds request body.
type StartBuildRequest struct {
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
	TargetKind string `json:"target_kind"`

	// TargetRef is a clone URL for existing_remote targets or a directory
	// for local targets.
	TargetRef string `json:"target_ref,omitempty"`

	// Phases is the optional phase plan; omitted means a single implement
	// phase.
	Phases []PhaseSpec `json:"phases,omitempty"`

	SpendCapUSD float64 `json:"spend_cap_usd,omitempty"`
}

// PhaseSpec is one phase of the submitted plan.
type PhaseSpec struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

// BuildStatus is returned by GET /builds/{id}.
type BuildStatus struct {
	BuildID         string     `json:"build_id"`
	ProjectID       string     `json:"project_id"`
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	Phase           int        `json:"phase"`
	CompletedPhases int        `json:"completed_phases"`
	LoopCount       int        `json:"loop_count"`
	TargetKind      string     `json:"target_kind"`
	TargetRef       string     `json:"target_ref,omitempty"`
	ContractBatch   string     `json:"contract_batch,omitempty"`
	Gate            *GateView  `json:"gate,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// GateView is the pending gate of a paused build.
type GateView struct {
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	Options      []string        `json:"options"`
}

// CancelRequest is the POST /builds/{id}/cancel body.
type CancelRequest struct {
	Force bool `json:"force,omitempty"`
}

// ResumeRequest is the POST /builds/{id}/resume body.
type ResumeRequest struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// InterjectRequest is the POST /builds/{id}/interject body.
type InterjectRequest struct {
	Message string `json:"message"`
}

// LogEntry is one row of GET /builds/{id}/logs.
type LogEntry struct {
	ID      int64           `json:"id"`
	TS      time.Time       `json:"ts"`
	Source  string          `json:"source"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func buildStatusView(b *store.Build) BuildStatus {
	v := BuildStatus{
		BuildID:         b.ID,
		ProjectID:       b.ProjectID,
		UserID:          b.UserID,
		Status:          string(b.Status),
		Phase:           b.Phase,
		CompletedPhases: b.CompletedPhases,
		LoopCount:       b.LoopCount,
		TargetKind:      string(b.TargetKind),
		TargetRef:       b.TargetRef,
		ContractBatch:   b.ContractBatch,
		ErrorDetail:     b.ErrorDetail,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		CompletedAt:     b.CompletedAt,
	}
	if b.Gate != nil {
		v.Gate = &GateView{
			Kind:         string(b.Gate.Kind),
			Payload:      b.Gate.Payload,
			RegisteredAt: b.Gate.RegisteredAt,
			Options:      []string{"retry", "retry_with_message", "skip_phase", "abort"},
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
