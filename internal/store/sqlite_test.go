package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBuild(t *testing.T, s *SQLiteStore, id string) *Build {
	t.Helper()
	b := &Build{
		ID:         id,
		ProjectID:  "proj-1",
		UserID:     "user-1",
		TargetKind: TargetLocal,
		TargetRef:  "/tmp/t1",
		WorkingDir: "/tmp/t1",
		OwnerPID:   4242,
	}
	require.NoError(t, s.Create(context.Background(), b))
	return b
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")

	got, err := s.Get(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, TargetLocal, got.TargetKind)
	require.Equal(t, 4242, got.OwnerPID)
	require.Nil(t, got.Gate)
	require.Nil(t, got.CompletedAt)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestCompletedAtSetOnlyOnTerminal(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	require.NoError(t, s.UpdateStatus(ctx, "b1", StatusRunning, ""))
	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Nil(t, b.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, "b1", StatusCompleted, ""))
	b, err = s.Get(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, b.CompletedAt)
	require.Equal(t, StatusCompleted, b.Status)
}

func TestCompletedPhasesMonotonic(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	require.NoError(t, s.SetPhase(ctx, "b1", 3, 0, 3))
	require.NoError(t, s.SetPhase(ctx, "b1", 1, 2, 1)) // loopback never regresses the seal

	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, 1, b.Phase)
	require.Equal(t, 2, b.LoopCount)
	require.Equal(t, 3, b.CompletedPhases)
}

func TestGateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"findings": []string{"missing docstring"}})
	conv := []byte(`[{"role":"user","content":"hi"}]`)
	require.NoError(t, s.SetGate(ctx, "b1", PendingGate{Kind: GatePhaseReview, Payload: payload}, conv))

	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, b.Status)
	require.NotNil(t, b.Gate)
	require.Equal(t, GatePhaseReview, b.Gate.Kind)
	require.JSONEq(t, string(payload), string(b.Gate.Payload))
	require.False(t, b.Gate.RegisteredAt.IsZero())
	require.NotNil(t, b.PausedAt)
	require.Equal(t, conv, b.Conversation)

	require.NoError(t, s.ClearGate(ctx, "b1"))
	b, err = s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, b.Status)
	require.Nil(t, b.Gate)
	require.Nil(t, b.PausedAt)
	// The conversation snapshot survives the gate clear.
	require.Equal(t, conv, b.Conversation)
}

func TestTerminalStatusClearsGate(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"reason": "cap"})
	require.NoError(t, s.SetGate(ctx, "b1", PendingGate{Kind: GateCostCap, Payload: payload}, nil))

	require.NoError(t, s.UpdateStatus(ctx, "b1", StatusCancelled, ""))
	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, b.Status)
	require.Nil(t, b.Gate)
	require.Nil(t, b.PausedAt)
	require.NotNil(t, b.CompletedAt)

	seedBuild(t, s, "b2")
	require.NoError(t, s.SetGate(ctx, "b2", PendingGate{Kind: GatePhaseReview, Payload: payload}, nil))
	require.NoError(t, s.UpdateStatus(ctx, "b2", StatusFailed, "pause gate timed out"))
	b, err = s.Get(ctx, "b2")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, b.Status)
	require.Nil(t, b.Gate)
	require.Nil(t, b.PausedAt)
}

func TestGateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/builds.db"

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	seedBuild(t, s, "b1")
	payload, _ := json.Marshal(map[string]string{"reason": "cap"})
	require.NoError(t, s.SetGate(context.Background(), "b1", PendingGate{Kind: GateCostCap, Payload: payload}, nil))
	require.NoError(t, s.Close())

	// Simulated restart.
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	b, err := s2.Get(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, b.Status)
	require.NotNil(t, b.Gate)
	require.Equal(t, GateCostCap, b.Gate.Kind)
}

func TestLogsAppendOrderAndAfterFilter(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.AppendLog(ctx, BuildLog{
			BuildID: "b1",
			TS:      base.Add(time.Duration(i) * time.Second),
			Source:  SourceSystem,
			Level:   LevelInfo,
			Message: string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	logs, err := s.ListLogs(ctx, "b1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i := 1; i < len(logs); i++ {
		require.Greater(t, logs[i].ID, logs[i-1].ID)
	}

	logs, err = s.ListLogs(ctx, "b1", base.Add(2*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	logs, err = s.ListLogs(ctx, "b1", time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
}

func TestCostLedgerSums(t *testing.T) {
	s := newTestStore(t)
	seedBuild(t, s, "b1")
	ctx := context.Background()

	rows := []BuildCost{
		{BuildID: "b1", Phase: 0, Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 200, USD: 0.006},
		{BuildID: "b1", Phase: 0, Model: "claude-sonnet-4-5", InputTokens: 2000, OutputTokens: 400, USD: 0.012},
		{BuildID: "b1", Phase: 1, Model: "gpt-4o", InputTokens: 500, OutputTokens: 100, USD: 0.0025, Note: "(planner)"},
	}
	for _, r := range rows {
		require.NoError(t, s.AppendCost(ctx, r))
	}

	got, err := s.ListCosts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "(planner)", got[2].Note)

	total, err := s.TotalCostUSD(ctx, "b1")
	require.NoError(t, err)
	require.InDelta(t, 0.0205, total, 1e-9)
}

func TestListByStatusAndActiveForProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBuild(t, s, "b1")
	seedBuild(t, s, "b2")
	require.NoError(t, s.UpdateStatus(ctx, "b1", StatusRunning, ""))
	require.NoError(t, s.UpdateStatus(ctx, "b2", StatusFailed, "orphaned by restart"))

	running, err := s.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "b1", running[0].ID)

	active, err := s.ActiveForProject(ctx, "proj-1")
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, s.UpdateStatus(ctx, "b1", StatusCancelled, ""))
	active, err = s.ActiveForProject(ctx, "proj-1")
	require.NoError(t, err)
	require.False(t, active)

	failed, err := s.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "orphaned by restart", failed[0].ErrorDetail)
}
