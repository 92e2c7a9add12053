package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/streaming"
)

// handleSolveStream runs a problem and streams its events via Server-Sent Events.
//
//	POST /api/solve/stream        body: pipeline request
//	GET  /api/solve/stream?text=  query form for EventSource clients
//	GET  /api/solve/stream?stream_id=<id>  with Last-Event-ID resumes from the replay log
func (h *Handler) handleSolveStream(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("stream_id"); id != "" && r.Method == http.MethodGet {
		h.resumeSSE(w, r, id)
		return
	}

	var req pipeline.Request
	if r.Method == http.MethodPost {
		var ok bool
		if req, ok = h.decodeRequest(w, r); !ok {
			return
		}
	} else {
		q := r.URL.Query()
		req = pipeline.Request{Text: q.Get("text"), InputType: recall.InputType(q.Get("input_type"))}
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, pipeline.ErrEmptyInput.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The run lives as long as the client connection.
	stream := h.streams.Start(r.Context(), req)
	setSSEHeaders(w)
	w.Header().Set("X-Stream-ID", stream.ID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected to stream %s\n\n", stream.ID)
	flusher.Flush()

	events := pump(stream, r.Context().Done())
	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", zap.String("stream_id", stream.ID))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeEvent(w, ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// resumeSSE replays logged events after Last-Event-ID. A reconnecting client
// sees the rest of the run as it was delivered, up to its terminal event.
func (h *Handler) resumeSSE(w http.ResponseWriter, r *http.Request, id string) {
	since := lastEventID(r)
	events, err := h.streams.Replay(r.Context(), id, since)
	if err != nil {
		h.logger.Warn("Stream replay failed", zap.String("stream_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "replay unavailable")
		return
	}
	if len(events) == 0 && since == 0 {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		h.writeEvent(w, ev)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleReplay returns logged events of a stream as JSON.
// GET /api/streams/{id}/events?since=<seq>
func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := lastEventID(r)
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	events, err := h.streams.Replay(r.Context(), id, since)
	if err != nil {
		h.logger.Warn("Stream replay failed", zap.String("stream_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "replay unavailable")
		return
	}
	if events == nil {
		events = []streaming.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": id,
		"events":    events,
	})
}

// handleCancel cancels an in-flight stream.
// POST /api/streams/{id}/cancel
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.streams.Cancel(id) {
		writeError(w, http.StatusNotFound, "stream not found or already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "stream_id": id})
}

// pump moves stream events onto a channel so callers can select on them.
// It keeps draining after done so the stream can finish.
func pump(s *streaming.Stream, done <-chan struct{}) <-chan streaming.Event {
	ch := make(chan streaming.Event)
	go func() {
		defer close(ch)
		for {
			ev, ok := s.Next()
			if !ok {
				return
			}
			select {
			case ch <- ev:
			case <-done:
			}
		}
	}()
	return ch
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeEvent writes ev as an SSE frame. An event that cannot be encoded is
// dropped; a terminal one is replaced by a generic error so the client still
// sees the stream end.
func (h *Handler) writeEvent(w http.ResponseWriter, ev streaming.Event) {
	err := writeSSE(w, ev)
	if err == nil {
		return
	}
	h.logger.Error("Failed to encode stream event",
		zap.String("stream_id", ev.StreamID),
		zap.Uint64("seq", ev.Seq),
		zap.Error(err),
	)
	if !ev.Type.Terminal() {
		return
	}
	fallback := streaming.Event{
		StreamID:  ev.StreamID,
		Seq:       ev.Seq,
		Type:      streaming.EventError,
		Error:     "Pipeline failed",
		Timestamp: ev.Timestamp,
	}
	if err := writeSSE(w, fallback); err != nil {
		h.logger.Error("Failed to write fallback stream event", zap.String("stream_id", ev.StreamID), zap.Error(err))
	}
}

// writeSSE writes nothing when ev cannot be encoded.
func writeSSE(w http.ResponseWriter, ev streaming.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
