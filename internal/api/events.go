package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const wsWriteTimeout = 5 * time.Second

// listEventsResponse is the JSON response for GET /_internal/events.
type listEventsResponse struct {
	Events []model.WorkerEvent `json:"events"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", store.DefaultEventLimit)
	if limit <= 0 || limit > store.DefaultEventLimit*10 {
		limit = store.DefaultEventLimit
	}

	evs, err := s.store.ListEvents(r.Context(), store.EventFilter{
		WorkerKey: model.WorkerKey(r.URL.Query().Get("worker")),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evs == nil {
		evs = []model.WorkerEvent{}
	}

	s.writeJSON(w, http.StatusOK, listEventsResponse{Events: evs})
}

// handleStreamEvents streams live events as SSE, one named event per worker
// event. ?worker= narrows the feed to one key.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.broker.Subscribe(model.WorkerKey(r.URL.Query().Get("worker")))
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Broker closed; tell the client the feed is over.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, string(ev.Kind), string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleEventsWebSocket streams live events as JSON text messages. Messages
// from the client are ignored.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("accept websocket", "error", err)
		return
	}
	defer conn.CloseNow()

	ch, unsub := s.broker.Subscribe(model.WorkerKey(r.URL.Query().Get("worker")))
	defer unsub()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event feed closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
