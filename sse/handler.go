// Package sse streams live run events to HTTP clients as Server-Sent
// Events. The handler tails the event bus for one run and closes the
// stream when the run finishes; historical events are served by the
// replay endpoint, not here.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of an engine event on the SSE stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeKind  string         `json:"node_kind,omitempty"`
	EdgeID    string         `json:"edge_id,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toWireEvent(e reflow.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeKind:  string(e.NodeKind),
		EdgeID:    e.EdgeID,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
	}
}

// Handler serves a live SSE stream of one run's events off the event
// bus. It expects a "run_id" path value (Go 1.22+ ServeMux).
//
// SSE format:
//
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The
// stream closes when a run_finished event is sent or the client
// disconnects.
type Handler struct {
	bus bus.EventBus
}

// NewHandler creates a Handler over the given bus.
func NewHandler(eb bus.EventBus) *Handler {
	return &Handler{bus: eb}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Kind == reflow.EventRunFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes a single event in SSE format.
func writeEvent(w http.ResponseWriter, event reflow.Event) error {
	data, err := json.Marshal(toWireEvent(event))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	return err
}
