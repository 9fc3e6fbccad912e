package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgeguard/forgeguard/internal/broadcast"
	"github.com/forgeguard/forgeguard/internal/orchestrator"
)

const sseBuffer = 256

// handleBuildEvents streams a build's timeline as Server-Sent Events:
// persisted history first, then live events from the hub. Because every live
// event is persisted before fan-out, the replay plus the live tail is the
// complete ordered timeline.
func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	b, err := s.control.Status(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Attach before replaying so no event falls between history and the live
	// stream; live events at or before the replay tail are skipped instead.
	sink := broadcast.NewChannelSink(sseBuffer)
	s.hub.Attach(b.UserID, sink)
	defer s.hub.Detach(b.UserID, sink)
	sseClients.Inc()
	defer sseClients.Dec()

	var after time.Time
	if v := r.URL.Query().Get("after_ms"); v != "" {
		if ms, perr := parseMillis(v); perr == nil {
			after = ms
		}
	}
	logs, err := s.control.Logs(r.Context(), id, after, 0)
	if err != nil {
		return
	}
	var lastTS time.Time
	for _, l := range logs {
		data, merr := json.Marshal(LogEntry{
			ID: l.ID, TS: l.TS, Source: string(l.Source), Level: string(l.Level),
			Kind: l.Kind, Message: l.Message, Payload: l.Payload,
		})
		if merr != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", l.ID, eventName(l.Kind), data)
		lastTS = l.TS
	}
	flusher.Flush()

	if b.Status.Terminal() {
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sink.Events():
			if !open {
				// Dropped as a slow observer or the hub shut down.
				return
			}
			if ev.Kind == "heartbeat" {
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			if ev.BuildID != id || !ev.TS.After(lastTS) {
				continue
			}
			data, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev.Kind), data)
			flusher.Flush()
			if isTerminalEvent(ev.Kind) {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func eventName(kind string) string {
	if kind == "" {
		return "build_log"
	}
	return kind
}

func isTerminalEvent(kind string) bool {
	return kind == orchestrator.EvBuildCompleted || kind == orchestrator.EvBuildCancelled
}

func parseMillis(v string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
