package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/orchestrator"
	"github.com/forgeguard/forgeguard/internal/store"
)

// stubControl backs the handlers with canned state; logs come from a real
// in-memory store so the SSE replay path is exercised end to end.
type stubControl struct {
	st        *store.SQLiteStore
	builds    map[string]*store.Build
	startErr  error
	resumeErr error
	cancelErr error

	lastResume orchestrator.ResumeAction
	interjects []string
}

func (c *stubControl) StartBuild(ctx context.Context, req orchestrator.StartRequest) (*store.Build, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	return &store.Build{ID: "bld-1", Status: store.StatusPending}, nil
}

func (c *stubControl) CancelBuild(ctx context.Context, id string, force bool) error {
	if _, ok := c.builds[id]; !ok {
		return store.ErrNotFound
	}
	return c.cancelErr
}

func (c *stubControl) ResumeBuild(ctx context.Context, id string, action orchestrator.ResumeAction, message string) error {
	if _, ok := c.builds[id]; !ok {
		return store.ErrNotFound
	}
	c.lastResume = action
	return c.resumeErr
}

func (c *stubControl) Interject(id, message string) error {
	c.interjects = append(c.interjects, message)
	return nil
}

func (c *stubControl) Status(ctx context.Context, id string) (*store.Build, error) {
	b, ok := c.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (c *stubControl) Logs(ctx context.Context, id string, after time.Time, limit int) ([]store.BuildLog, error) {
	return c.st.ListLogs(ctx, id, after, limit)
}

func (c *stubControl) Summary(ctx context.Context, id string) (*orchestrator.BuildSummary, error) {
	if _, ok := c.builds[id]; !ok {
		return nil, store.ErrNotFound
	}
	return &orchestrator.BuildSummary{BuildID: id, Status: c.builds[id].Status}, nil
}

type fixture struct {
	t       *testing.T
	control *stubControl
	hub     *broadcast.Hub
	srv     *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	control := &stubControl{st: st, builds: map[string]*store.Build{}}
	hub := broadcast.NewHub(st)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{t: t, control: control, hub: hub, srv: New(Config{Addr: ":0"}, control, hub, log)}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStartBuild(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/builds", StartBuildRequest{
		ProjectID: "p1", UserID: "u1", TargetKind: "local", TargetRef: "/tmp/x",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bld-1", resp["build_id"])
}

func TestStartBuildValidationAndLimits(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/builds", StartBuildRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.control.startErr = orchestrator.ErrRateLimited
	w = f.do(http.MethodPost, "/builds", StartBuildRequest{ProjectID: "p1", UserID: "u1"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	f.control.startErr = orchestrator.ErrProjectBusy
	w = f.do(http.MethodPost, "/builds", StartBuildRequest{ProjectID: "p1", UserID: "u1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetBuildWithGate(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.control.builds["bld-1"] = &store.Build{
		ID: "bld-1", ProjectID: "p1", UserID: "u1", Status: store.StatusPaused,
		Gate: &store.PendingGate{Kind: store.GatePhaseReview, RegisteredAt: now},
	}

	w := f.do(http.MethodGet, "/builds/bld-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp BuildStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Gate)
	assert.Equal(t, "phase_review", resp.Gate.Kind)
	assert.Equal(t, []string{"retry", "retry_with_message", "skip_phase", "abort"}, resp.Gate.Options)

	w = f.do(http.MethodGet, "/builds/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/builds/bad..id!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResumeBuild(t *testing.T) {
	f := newFixture(t)
	f.control.builds["bld-1"] = &store.Build{ID: "bld-1", Status: store.StatusPaused}

	w := f.do(http.MethodPost, "/builds/bld-1/resume", ResumeRequest{Action: "retry_with_message", Message: "use pytest"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orchestrator.ResumeWithMessage, f.control.lastResume)

	w = f.do(http.MethodPost, "/builds/bld-1/resume", ResumeRequest{Action: "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.control.resumeErr = orchestrator.ErrNotPaused
	w = f.do(http.MethodPost, "/builds/bld-1/resume", ResumeRequest{Action: "retry"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/builds/nope/resume", ResumeRequest{Action: "retry"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndInterject(t *testing.T) {
	f := newFixture(t)
	f.control.builds["bld-1"] = &store.Build{ID: "bld-1", Status: store.StatusRunning}

	w := f.do(http.MethodPost, "/builds/bld-1/cancel", CancelRequest{Force: true})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/builds/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/builds/bld-1/interject", InterjectRequest{Message: "focus on tests"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"focus on tests"}, f.control.interjects)

	w = f.do(http.MethodPost, "/builds/bld-1/interject", InterjectRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCSRFBlocksCrossOriginPost(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader("{}"))
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/builds/bld-1/cancel", strings.NewReader("{}"))
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusForbidden, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.control.builds["bld-1"] = &store.Build{ID: "bld-1", Status: store.StatusRunning}
	for i := 0; i < 3; i++ {
		_, err := f.control.st.AppendLog(ctx, store.BuildLog{
			BuildID: "bld-1", Source: store.SourceSystem, Level: store.LevelInfo,
			Kind: "build_log", Message: "row",
		})
		require.NoError(t, err)
	}

	w := f.do(http.MethodGet, "/builds/bld-1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Logs, 2)

	w = f.do(http.MethodGet, "/builds/bld-1/logs?after_ms=notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSSEReplayAndLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.control.builds["bld-1"] = &store.Build{ID: "bld-1", UserID: "u1", Status: store.StatusRunning}

	_, err := f.hub.Publish(ctx, "u1", broadcast.Event{
		Kind: "build_started", BuildID: "bld-1", TS: time.Now().Add(-time.Second),
	}, store.SourceSystem, store.LevelInfo, "build started")
	require.NoError(t, err)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/builds/bld-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The replay row arrives first; then a live terminal event ends the
	// stream with a done marker.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.hub.Publish(ctx, "u1", broadcast.Event{
			Kind: "build_completed", BuildID: "bld-1", TS: time.Now(),
		}, store.SourceSystem, store.LevelInfo, "build completed")
	}()

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out; events so far: %v", events)
		case line, open := <-lines:
			if !open {
				t.Fatalf("stream closed early; events: %v", events)
			}
			if strings.HasPrefix(line, "event: ") {
				events = append(events, strings.TrimPrefix(line, "event: "))
			}
			if line == "event: done" {
				assert.Equal(t, []string{"build_started", "build_completed", "done"}, events)
				return
			}
		}
	}
}

func TestSSETerminalBuildReplaysAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.control.builds["bld-2"] = &store.Build{ID: "bld-2", UserID: "u2", Status: store.StatusCompleted}
	_, err := f.hub.Publish(ctx, "u2", broadcast.Event{
		Kind: "build_completed", BuildID: "bld-2", TS: time.Now(),
	}, store.SourceSystem, store.LevelInfo, "build completed")
	require.NoError(t, err)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/builds/bld-2/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: build_completed")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(body)), "data: {}"),
		"terminal builds end with a done event")
	assert.Contains(t, string(body), "event: done")
}
