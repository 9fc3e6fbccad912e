// Package broadcast fans build events out to each user's connected
// observers. The hub is the orchestrator's single emit point: every event is
// persisted as a BuildLog row first, then pushed, so a reconnecting client
// can replay history and the live stream is always a suffix of the log.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgeguard/forgeguard/internal/store"
)

// Event is one typed record pushed to observers.
type Event struct {
	Kind    string          `json:"kind"`
	BuildID string          `json:"build_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// Sink receives events for one observer connection. Send must not block
// indefinitely; a sink that cannot keep up should return an error and will be
// dropped.
type Sink interface {
	Send(Event) error
	Close() error
}

const (
	maxSinksPerUser   = 3
	heartbeatInterval = 30 * time.Second
	heartbeatKind     = "heartbeat"
)

// Logger is the persistence hook for broadcast events.
type Logger interface {
	AppendLog(ctx context.Context, entry store.BuildLog) (store.BuildLog, error)
}

type sinkEntry struct {
	sink    Sink
	addedAt time.Time
}

// Hub is the process-global observer registry.
type Hub struct {
	mu      sync.Mutex
	sinks   map[string][]*sinkEntry
	logger  Logger
	tick    time.Duration
	closed  bool
	stopped chan struct{}
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		sinks:   make(map[string][]*sinkEntry),
		logger:  logger,
		tick:    heartbeatInterval,
		stopped: make(chan struct{}),
	}
}

// Attach registers a sink for a user. When the user already has the maximum
// number of sinks the oldest one is closed and replaced.
func (h *Hub) Attach(userID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = s.Close()
		return
	}
	entries := h.sinks[userID]
	if len(entries) >= maxSinksPerUser {
		oldest := 0
		for i := range entries {
			if entries[i].addedAt.Before(entries[oldest].addedAt) {
				oldest = i
			}
		}
		_ = entries[oldest].sink.Close()
		entries = append(entries[:oldest], entries[oldest+1:]...)
	}
	h.sinks[userID] = append(entries, &sinkEntry{sink: s, addedAt: time.Now()})
}

// Detach removes a specific sink without closing it (the caller owns it).
func (h *Hub) Detach(userID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.sinks[userID]
	for i := range entries {
		if entries[i].sink == s {
			h.sinks[userID] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// SinkCount reports the number of live sinks for a user.
func (h *Hub) SinkCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks[userID])
}

// Publish persists the event as a BuildLog row, then pushes it to every sink
// of the owning user. Sinks that fail to receive are closed and dropped.
// The returned log row carries the assigned id and timestamp.
func (h *Hub) Publish(ctx context.Context, userID string, ev Event, source store.LogSource, level store.LogLevel, message string) (store.BuildLog, error) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	row := store.BuildLog{
		BuildID: ev.BuildID,
		TS:      ev.TS,
		Source:  source,
		Level:   level,
		Kind:    ev.Kind,
		Message: message,
		Payload: ev.Payload,
	}
	persisted, err := h.logger.AppendLog(ctx, row)
	if err != nil {
		return row, fmt.Errorf("persist broadcast event: %w", err)
	}
	h.push(userID, ev)
	return persisted, nil
}

func (h *Hub) push(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.sinks[userID]
	kept := entries[:0]
	for _, e := range entries {
		if err := e.sink.Send(ev); err != nil {
			_ = e.sink.Close()
			continue
		}
		kept = append(kept, e)
	}
	h.sinks[userID] = kept
}

// Run drives the heartbeat loop until ctx is done. Heartbeats are pings, not
// build history; they are not persisted.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	ev := Event{Kind: heartbeatKind, TS: time.Now()}
	h.mu.Lock()
	users := make([]string, 0, len(h.sinks))
	for u := range h.sinks {
		users = append(users, u)
	}
	h.mu.Unlock()
	for _, u := range users {
		h.push(u, ev)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for u, entries := range h.sinks {
		for _, e := range entries {
			_ = e.sink.Close()
		}
		delete(h.sinks, u)
	}
	select {
	case <-h.stopped:
	default:
		close(h.stopped)
	}
}

// ChannelSink adapts a buffered channel to the Sink interface. Send fails
// when the buffer is full, which drops slow observers instead of blocking
// the orchestrator.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events is the receive side for the connection writer.
func (c *ChannelSink) Events() <-chan Event { return c.ch }

func (c *ChannelSink) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sink closed")
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return fmt.Errorf("sink buffer full")
	}
}

func (c *ChannelSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
