package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/runengine/internal/model"
)

// handleStreamSnapshots streams a run's snapshots as server-sent events. The
// first event is the current latest snapshot; the stream ends after a
// terminal one.
func (s *Server) handleStreamSnapshots(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId", model.EntityRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Subscribe before reading the latest snapshot so a transition in between
	// is not missed.
	ch, unsub := s.engine.Events().Subscribe(runID)
	defer unsub()

	latest, err := s.engine.GetLatestSnapshot(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	snapshotStreams.Inc()
	defer snapshotStreams.Dec()
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeSSEJSON(w, "snapshot", latest); err != nil {
		return
	}
	if latest.Status.IsTerminal() {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}
	flush()
	seen := latest.Seq

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if ev.Snapshot.Seq <= seen {
				continue
			}
			seen = ev.Snapshot.Seq
			if err := writeSSEJSON(w, "snapshot", ev.Snapshot); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEJSON writes v as a single-line JSON data event.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, eventType, string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
