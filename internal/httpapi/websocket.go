package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsRequestWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured by the proxy in production
}

// wsMessage is a client frame. The first frame carries the problem unless the
// text was passed in the query string; later frames may only cancel.
type wsMessage struct {
	Type       string               `json:"type"`
	Text       string               `json:"text,omitempty"`
	InputType  recall.InputType     `json:"input_type,omitempty"`
	Extraction *pipeline.Extraction `json:"extraction,omitempty"`
}

// handleSolveWS streams a run over a WebSocket.
// GET /api/solve/ws[?text=...]
func (h *Handler) handleSolveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	req := pipeline.Request{
		Text:      r.URL.Query().Get("text"),
		InputType: recall.InputType(r.URL.Query().Get("input_type")),
	}
	if req.Text == "" {
		_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
		var first wsMessage
		if err := conn.ReadJSON(&first); err != nil {
			h.logger.Debug("websocket request read failed", zap.Error(err))
			return
		}
		req = pipeline.Request{Text: first.Text, InputType: first.InputType, Extraction: first.Extraction}
		if req.Text == "" && req.Extraction != nil {
			req.Text = req.Extraction.Text
		}
	}
	if req.Text == "" {
		h.closeWS(conn, websocket.ClosePolicyViolation, pipeline.ErrEmptyInput.Error())
		return
	}

	// A hijacked connection outlives the request context, so the reader owns cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := h.streams.Start(ctx, req)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "cancel" {
				h.logger.Info("Stream cancelled by websocket client", zap.String("stream_id", stream.ID))
				stream.Cancel()
			}
		}
	}()

	events := pump(stream, ctx.Done())
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type.Terminal() {
				h.closeWS(conn, websocket.CloseNormalClosure, string(ev.Type))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		h.logger.Debug("websocket close failed", zap.Error(err))
	}
}
