package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeguard/forgeguard/internal/store"
)

type memLogger struct{ rows []store.BuildLog }

func (m *memLogger) AppendLog(_ context.Context, entry store.BuildLog) (store.BuildLog, error) {
	entry.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, entry)
	return entry, nil
}

type failSink struct{ closed bool }

func (f *failSink) Send(Event) error { return errors.New("broken pipe") }
func (f *failSink) Close() error     { f.closed = true; return nil }

func publish(t *testing.T, h *Hub, user, buildID, kind string) {
	t.Helper()
	_, err := h.Publish(context.Background(), user, Event{Kind: kind, BuildID: buildID},
		store.SourceSystem, store.LevelInfo, kind)
	require.NoError(t, err)
}

func TestPublishPersistsBeforeFanOut(t *testing.T) {
	logger := &memLogger{}
	h := NewHub(logger)
	sink := NewChannelSink(8)
	h.Attach("u1", sink)

	payload, _ := json.Marshal(map[string]string{"path": "main.txt"})
	row, err := h.Publish(context.Background(), "u1",
		Event{Kind: "file_created", BuildID: "b1", Payload: payload},
		store.SourceTool, store.LevelInfo, "file_created main.txt")
	require.NoError(t, err)
	require.Equal(t, int64(1), row.ID)
	require.Len(t, logger.rows, 1)

	ev := <-sink.Events()
	require.Equal(t, "file_created", ev.Kind)
	require.Equal(t, "b1", ev.BuildID)
}

func TestEventOrderMatchesLogOrder(t *testing.T) {
	logger := &memLogger{}
	h := NewHub(logger)
	sink := NewChannelSink(16)
	h.Attach("u1", sink)

	kinds := []string{"build_started", "phase_started", "audit_pass", "build_completed"}
	for _, k := range kinds {
		publish(t, h, "u1", "b1", k)
	}

	for i, k := range kinds {
		require.Equal(t, k, logger.rows[i].Message)
		ev := <-sink.Events()
		require.Equal(t, k, ev.Kind)
	}
}

func TestSinkCapEvictsOldest(t *testing.T) {
	h := NewHub(&memLogger{})
	first := NewChannelSink(1)
	h.Attach("u1", first)
	h.Attach("u1", NewChannelSink(1))
	h.Attach("u1", NewChannelSink(1))
	require.Equal(t, 3, h.SinkCount("u1"))

	h.Attach("u1", NewChannelSink(1))
	require.Equal(t, 3, h.SinkCount("u1"))

	// The evicted sink was closed; its channel no longer accepts sends.
	require.Error(t, first.Send(Event{Kind: "x"}))
}

func TestFailingSinkIsDropped(t *testing.T) {
	h := NewHub(&memLogger{})
	bad := &failSink{}
	good := NewChannelSink(8)
	h.Attach("u1", bad)
	h.Attach("u1", good)

	publish(t, h, "u1", "b1", "build_started")
	require.Equal(t, 1, h.SinkCount("u1"))
	require.True(t, bad.closed)

	ev := <-good.Events()
	require.Equal(t, "build_started", ev.Kind)
}

func TestSlowChannelSinkIsDropped(t *testing.T) {
	h := NewHub(&memLogger{})
	slow := NewChannelSink(1)
	h.Attach("u1", slow)

	publish(t, h, "u1", "b1", "one")
	publish(t, h, "u1", "b1", "two") // buffer full; sink dropped
	require.Equal(t, 0, h.SinkCount("u1"))
}

func TestHeartbeatReachesSinks(t *testing.T) {
	h := NewHub(&memLogger{})
	h.tick = 5 * time.Millisecond
	sink := NewChannelSink(8)
	h.Attach("u1", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	select {
	case ev := <-sink.Events():
		require.Equal(t, heartbeatKind, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat within 1s")
	}
}

func TestRunCloseDrainsSinks(t *testing.T) {
	logger := &memLogger{}
	h := NewHub(logger)
	h.tick = time.Hour
	sink := NewChannelSink(8)
	h.Attach("u1", sink)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	// All sinks closed; channel drains then reports closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sink.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("sink not closed after hub shutdown")
		}
	}
}

func TestUsersAreIsolated(t *testing.T) {
	h := NewHub(&memLogger{})
	a := NewChannelSink(8)
	b := NewChannelSink(8)
	h.Attach("alice", a)
	h.Attach("bob", b)

	publish(t, h, "alice", "b1", "build_started")

	select {
	case ev := <-a.Events():
		require.Equal(t, "build_started", ev.Kind)
	default:
		t.Fatal("alice's sink received nothing")
	}
	select {
	case <-b.Events():
		t.Fatal("bob's sink received alice's event")
	default:
	}
}
